package shopline

// Provider refund status vocabulary.
const (
	RefundStatusPending   = "PENDING"
	RefundStatusSucceeded = "SUCCEEDED"
	RefundStatusFailed    = "FAILED"
)

var (
	refundOrderIDPaths      = []string{"refundOrderId"}
	refundTradeOrderIDPaths = []string{"tradeOrderId"}
	refundStatusPaths       = []string{"status"}
	refundAmountPaths       = []string{"amount", "refundAmount"}
	refundReasonPaths       = []string{"reason", "refundReason"}
)

// RefundMessage carries the provider's error code and text for a failed refund.
type RefundMessage struct {
	Code    string
	Message string
}

// Refund is the typed projection of a provider refund record. No field is
// mandatory at parse time; absent fields default to empty.
type Refund struct {
	RefundOrderID string
	TradeOrderID  string
	Status        string
	Amount        any
	Reason        string
	Msg           RefundMessage

	FieldSources map[string]string

	raw map[string]any
}

// RefundFromMap normalizes a raw refund payload.
func RefundFromMap(raw map[string]any) Refund {
	sources := make(map[string]string)
	refund := Refund{
		FieldSources: sources,
		raw:          deepCopyMap(raw),
	}
	if raw == nil {
		return refund
	}

	if id, path, ok := firstString(raw, refundOrderIDPaths); ok {
		refund.RefundOrderID = id
		recordSource(sources, "refundOrderId", path, ok)
	}
	if trade, path, ok := firstString(raw, refundTradeOrderIDPaths); ok {
		refund.TradeOrderID = trade
		recordSource(sources, "tradeOrderId", path, ok)
	}
	if status, path, ok := firstString(raw, refundStatusPaths); ok {
		refund.Status = status
		recordSource(sources, "status", path, ok)
	}
	if amount, path, ok := firstValue(raw, refundAmountPaths); ok {
		refund.Amount = deepCopyValue(amount)
		recordSource(sources, "amount", path, ok)
	}
	if reason, path, ok := firstString(raw, refundReasonPaths); ok {
		refund.Reason = reason
		recordSource(sources, "reason", path, ok)
	}
	if msg, _, ok := firstMap(raw, []string{"refundMsg"}); ok {
		code, _, _ := firstString(msg, []string{"code"})
		text, _, _ := firstString(msg, []string{"message"})
		refund.Msg = RefundMessage{Code: code, Message: text}
	}

	return refund
}

// ToMap returns the provider's original payload under its original key names.
func (r Refund) ToMap() map[string]any {
	return deepCopyMap(r.raw)
}

// HasError reports whether the provider attached an error code to the refund.
func (r Refund) HasError() bool { return r.Msg.Code != "" }

// Succeeded reports a completed refund.
func (r Refund) Succeeded() bool { return r.Status == RefundStatusSucceeded }
