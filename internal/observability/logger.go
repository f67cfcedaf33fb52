package observability

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var logger = NewLogger("info", os.Stdout)

// NewLogger builds a JSON logger writing to out. Unknown levels fall back to
// info.
func NewLogger(level string, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	l.SetLevel(parseLevel(level))
	return l
}

// Discard returns a logger that writes nowhere.
func Discard() *logrus.Logger {
	return NewLogger("panic", io.Discard)
}

// InitLogger sets the level of the process-wide logger.
func InitLogger(level string) {
	logger.SetLevel(parseLevel(level))
}

func GetLogger() *logrus.Logger {
	return logger
}

func WithField(key string, value interface{}) *logrus.Entry {
	return logger.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// LoggerOrDefault returns l, or the process-wide logger when l is nil.
func LoggerOrDefault(l *logrus.Logger) *logrus.Logger {
	if l == nil {
		return logger
	}
	return l
}

func parseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
