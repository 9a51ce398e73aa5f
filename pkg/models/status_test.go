package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from EnvelopeStatus
		to   EnvelopeStatus
		want bool
	}{
		{"created to queued", StatusCreated, StatusQueued, true},
		{"queued to routing", StatusQueued, StatusRouting, true},
		{"queued to completed duplicate discard", StatusQueued, StatusCompleted, true},
		{"routing to processing", StatusRouting, StatusProcessing, true},
		{"routing to aggregating", StatusRouting, StatusAggregating, true},
		{"routing to dead letter on no route", StatusRouting, StatusDeadLetter, true},
		{"processing to completed", StatusProcessing, StatusCompleted, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"failed to queued on retry claim", StatusFailed, StatusQueued, true},
		{"failed to dead letter", StatusFailed, StatusDeadLetter, true},
		{"dead letter to failed manual requeue", StatusDeadLetter, StatusFailed, true},
		{"dead letter cannot skip the retry pool", StatusDeadLetter, StatusQueued, false},
		{"completed is terminal", StatusCompleted, StatusQueued, false},
		{"completed never fails", StatusCompleted, StatusFailed, false},
		{"dead letter never completes", StatusDeadLetter, StatusCompleted, false},
		{"created cannot complete directly", StatusCreated, StatusCompleted, false},
		{"queued cannot process without routing", StatusQueued, StatusProcessing, false},
		{"aggregating to completed", StatusAggregating, StatusCompleted, true},
		{"unknown status", EnvelopeStatus("BOGUS"), StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusDeadLetter.IsTerminal())
	assert.False(t, StatusFailed.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
	assert.False(t, StatusAggregating.IsTerminal())
}

func TestValidateInboundMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     *InboundMessage
		wantErr bool
	}{
		{
			name: "valid message",
			msg: &InboundMessage{
				Type:     "contract.created",
				TenantID: "tenant-1",
				Payload:  map[string]interface{}{"contract_id": "c-1"},
			},
			wantErr: false,
		},
		{
			name:    "nil message",
			msg:     nil,
			wantErr: true,
		},
		{
			name: "missing type",
			msg: &InboundMessage{
				TenantID: "tenant-1",
				Payload:  map[string]interface{}{},
			},
			wantErr: true,
		},
		{
			name: "missing tenant",
			msg: &InboundMessage{
				Type:    "contract.created",
				Payload: map[string]interface{}{},
			},
			wantErr: true,
		},
		{
			name: "nil payload",
			msg: &InboundMessage{
				Type:     "contract.created",
				TenantID: "tenant-1",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInboundMessage(tt.msg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnvelopeBuilderGeneratesID(t *testing.T) {
	env := NewEnvelopeBuilder().
		WithType("customer.updated").
		WithTenantID("tenant-9").
		Build()

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, StatusCreated, env.Status)
	assert.False(t, env.CreatedAt.IsZero())
}
