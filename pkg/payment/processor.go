package payment

import (
	"context"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// ChargeRequest asks a processor to move Amount. Processors must treat a
// repeated IdempotencyKey as the same charge.
type ChargeRequest struct {
	TransactionID   string        `json:"transaction_id"`
	IdempotencyKey  string        `json:"idempotency_key"`
	PaymentMethodID string        `json:"payment_method_id"`
	BusinessID      string        `json:"business_id"`
	Amount          finance.Money `json:"amount"`
}

type ChargeResult struct {
	ProcessorReference string `json:"processor_reference"`
}

// Processor settles charges. Failures should be *ProcessorError; any other
// error is treated as retryable.
type Processor interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}
