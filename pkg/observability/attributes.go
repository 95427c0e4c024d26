package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

var (
	AttrOperation = attribute.Key("helm_pay.operation")
	AttrErrorType = attribute.Key("error.type")

	AttrMandateID  = attribute.Key("helm_pay.mandate.id")
	AttrBusinessID = attribute.Key("helm_pay.business.id")

	AttrEntity    = attribute.Key("helm_pay.entity")
	AttrFromState = attribute.Key("helm_pay.state.from")
	AttrToState   = attribute.Key("helm_pay.state.to")

	AttrProcessorOutcome = attribute.Key("helm_pay.processor.outcome")
	AttrPaymentMethod    = attribute.Key("helm_pay.payment_method")
	AttrRejectionCode    = attribute.Key("helm_pay.rejection.code")
)

// Transition creates attributes for a state transition.
func Transition(entity, from, to string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEntity.String(entity),
		AttrFromState.String(from),
		AttrToState.String(to),
	}
}
