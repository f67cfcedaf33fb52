package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTransactionEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{
			name:    "Valid deposit with numeric value",
			payload: `{"id":"tx-1","value":50.25,"type":"DEPOSIT","category":"salary","createdDate":"2025-11-07T10:30:45Z","bankAccountId":"acc-1"}`,
		},
		{
			name:    "Valid payment with quoted value and target",
			payload: `{"id":"tx-2","value":"10","type":"PAYMENT","bankAccountId":"acc-1","targetAccount":"acc-2"}`,
		},
		{
			name:    "Malformed JSON",
			payload: `{"id":`,
			wantErr: "decode transaction event",
		},
		{
			name:    "Unknown type",
			payload: `{"id":"tx-3","value":1,"type":"REFUND","bankAccountId":"acc-1"}`,
			wantErr: "unknown transaction type",
		},
		{
			name:    "Negative amount",
			payload: `{"id":"tx-4","value":-1,"type":"DEPOSIT","bankAccountId":"acc-1"}`,
			wantErr: "non-negative",
		},
		{
			name:    "Missing id",
			payload: `{"value":1,"type":"DEPOSIT","bankAccountId":"acc-1"}`,
			wantErr: "id is required",
		},
		{
			name:    "Missing account",
			payload: `{"id":"tx-5","value":1,"type":"DEPOSIT"}`,
			wantErr: "bankAccountId is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeTransactionEvent([]byte(tt.payload))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, ev.ID)
		})
	}
}

func TestDecodeTransactionEvent_PreservesDecimalPrecision(t *testing.T) {
	ev, err := DecodeTransactionEvent([]byte(`{"id":"tx-1","value":"0.1","type":"DEPOSIT","bankAccountId":"acc-1"}`))
	require.NoError(t, err)
	assert.True(t, ev.Value.Add(decimal.RequireFromString("0.2")).Equal(decimal.RequireFromString("0.3")))
}

func TestParseTransactionType(t *testing.T) {
	got, err := ParseTransactionType(" withdrawal ")
	require.NoError(t, err)
	assert.Equal(t, TransactionWithdrawal, got)

	_, err = ParseTransactionType("")
	assert.Error(t, err)
}
