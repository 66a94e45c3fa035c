package shopline

// Provider payment status vocabulary, uppercase on the wire.
const (
	PaymentStatusPending       = "PENDING"
	PaymentStatusProcessing    = "PROCESSING"
	PaymentStatusSucceeded     = "SUCCEEDED"
	PaymentStatusFailed        = "FAILED"
	PaymentStatusCancelled     = "CANCELLED"
	PaymentStatusExpired       = "EXPIRED"
	PaymentStatusRefunded      = "REFUNDED"
	PaymentStatusPartialRefund = "PARTIALLY_REFUND"
)

// Ordered candidate paths per logical payment field. The order is load-bearing:
// the direct query API nests everything under "payment" while webhook bodies put
// the same fields at the top level, sometimes under alternate names.
var (
	paymentTradeOrderIDPaths = []string{"tradeOrderId", "payment.tradeOrderId"}
	paymentStatusPaths       = []string{"status", "payment.status"}
	paymentSubStatusPaths    = []string{"subStatus", "payment.subStatus"}
	paymentMethodPaths       = []string{"paymentMethod", "payMethod", "payment.paymentMethod"}
	paymentAmountPaths       = []string{"amount", "totalAmount", "payment.amount"}
	paymentDetailPaths       = []string{"paymentDetail", "payment.paymentDetail"}
	paymentInstrumentPaths   = []string{"paymentInstrument", "payment.paymentInstrument"}
	paymentNextActionPaths   = []string{"nextAction", "payment.nextAction"}
)

// Payment is the typed projection of a provider payment record.
type Payment struct {
	TradeOrderID string
	Status       string
	SubStatus    string
	Method       string
	Amount       any
	Detail       map[string]any
	Instrument   map[string]any
	NextAction   map[string]any

	// FieldSources records which candidate path supplied each populated field.
	FieldSources map[string]string

	raw map[string]any
}

// PaymentFromMap normalizes a raw provider payload into a Payment. A missing or
// empty tradeOrderId is a hard parse failure; every other field is optional and
// resolves through its fallback cascade.
func PaymentFromMap(raw map[string]any) (Payment, error) {
	if raw == nil {
		return Payment{}, NewParseError("payment", "empty payload")
	}

	sources := make(map[string]string)

	tradeOrderID, path, ok := firstString(raw, paymentTradeOrderIDPaths)
	if !ok {
		return Payment{}, NewParseError("payment", "tradeOrderId is required")
	}
	sources["tradeOrderId"] = path

	payment := Payment{
		TradeOrderID: tradeOrderID,
		FieldSources: sources,
		raw:          deepCopyMap(raw),
	}

	if status, path, ok := firstString(raw, paymentStatusPaths); ok {
		payment.Status = status
		recordSource(sources, "status", path, ok)
	}
	if sub, path, ok := firstString(raw, paymentSubStatusPaths); ok {
		payment.SubStatus = sub
		recordSource(sources, "subStatus", path, ok)
	}
	if method, path, ok := firstString(raw, paymentMethodPaths); ok {
		payment.Method = method
		recordSource(sources, "paymentMethod", path, ok)
	}
	if amount, path, ok := firstValue(raw, paymentAmountPaths); ok {
		payment.Amount = deepCopyValue(amount)
		recordSource(sources, "amount", path, ok)
	}
	if detail, path, ok := firstMap(raw, paymentDetailPaths); ok {
		payment.Detail = deepCopyMap(detail)
		recordSource(sources, "paymentDetail", path, ok)
	}
	if instrument, path, ok := firstMap(raw, paymentInstrumentPaths); ok {
		payment.Instrument = deepCopyMap(instrument)
		recordSource(sources, "paymentInstrument", path, ok)
	}
	if next, path, ok := firstMap(raw, paymentNextActionPaths); ok {
		payment.NextAction = deepCopyMap(next)
		recordSource(sources, "nextAction", path, ok)
	}

	return payment, nil
}

// ToMap returns the provider's original payload under its original key names.
func (p Payment) ToMap() map[string]any {
	return deepCopyMap(p.raw)
}

// Succeeded reports a captured payment.
func (p Payment) Succeeded() bool { return p.Status == PaymentStatusSucceeded }

// Failed reports a definitively failed payment.
func (p Payment) Failed() bool { return p.Status == PaymentStatusFailed }

// Terminal reports whether the provider considers this payment final.
func (p Payment) Terminal() bool {
	switch p.Status {
	case PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusCancelled,
		PaymentStatusExpired, PaymentStatusRefunded:
		return true
	}
	return false
}
