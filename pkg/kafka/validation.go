package kafka

import "errors"

// ============================================================================
// Validation
// ============================================================================

func (c *ProducerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers cannot be empty")
	}
	if c.WriteTimeout < 0 {
		return errors.New("writeTimeout cannot be negative")
	}
	if c.ReadTimeout < 0 {
		return errors.New("readTimeout cannot be negative")
	}
	if c.RequiredAcks < -1 || c.RequiredAcks > 1 {
		return errors.New("requiredAcks must be -1, 0 or 1")
	}
	if c.RetryPolicy.MaxRetries < 0 {
		return errors.New("maxRetries cannot be negative")
	}
	return nil
}

func (c *ReaderConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers cannot be empty")
	}
	if c.Topic == "" {
		return errors.New("topic cannot be empty")
	}
	if c.GroupID == "" {
		return errors.New("groupID cannot be empty")
	}
	if c.MaxWait < 0 {
		return errors.New("maxWait cannot be negative")
	}
	if c.MinBytes < 0 || c.MaxBytes < 0 {
		return errors.New("minBytes and maxBytes cannot be negative")
	}
	if c.MaxBytes > 0 && c.MinBytes > c.MaxBytes {
		return errors.New("minBytes cannot exceed maxBytes")
	}
	return nil
}
