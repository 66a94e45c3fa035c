package domain

import (
	"strings"
	"time"
)

// OrderStatus enumerates the local order lifecycle states.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusOnHold     OrderStatus = "on-hold"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// Valid reports whether the status belongs to the known vocabulary.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusOnHold, OrderStatusProcessing,
		OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether the status is final and must never be silently reverted.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusFailed, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// AwaitingPayment reports whether an order in this status is still waiting for a
// payment outcome and is therefore eligible for reconciliation.
func (s OrderStatus) AwaitingPayment() bool {
	return s == OrderStatusPending || s == OrderStatusOnHold
}

// Persisted order attribute keys. The names are stable across versions; external
// tooling reads them directly from the order store.
const (
	AttrTradeOrderID        = "trade-order-id"
	AttrSessionID           = "session-id"
	AttrPaymentMethod       = "payment-method"
	AttrPaymentStatus       = "payment-status"
	AttrPaymentDetail       = "payment-detail"
	AttrRefundDetail        = "refund-detail"
	AttrNextAction          = "next-action"
	AttrCustomerID          = "customer-id"
	AttrPaymentInstrumentID = "payment-instrument-id"
	AttrCardLast4           = "card-last4"
	AttrCardBrand           = "card-brand"
	AttrErrorCode           = "error-code"
	AttrErrorMessage        = "error-message"
)

// OrderNote is an append-only audit entry attached to an order.
type OrderNote struct {
	ID        string
	Body      string
	CreatedAt time.Time
}

// Order is the local projection of an order owned by the external order subsystem.
// The payments service reads and writes a bounded set of named attributes plus the
// payment-related lifecycle fields; everything else belongs to the order platform.
type Order struct {
	ID         string
	Number     string
	Status     OrderStatus
	Paid       bool
	PaidAt     *time.Time
	PaymentRef string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Attributes map[string]any
	Notes      []OrderNote
}

// Attribute returns the raw attribute value when present.
func (o *Order) Attribute(key string) (any, bool) {
	if o == nil || o.Attributes == nil {
		return nil, false
	}
	value, ok := o.Attributes[key]
	return value, ok
}

// StringAttribute returns the attribute as a trimmed string, or "" when absent or
// not a string.
func (o *Order) StringAttribute(key string) string {
	value, ok := o.Attribute(key)
	if !ok {
		return ""
	}
	s, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// SetAttribute stores the attribute, allocating the map on first use.
func (o *Order) SetAttribute(key string, value any) {
	if o == nil {
		return
	}
	if o.Attributes == nil {
		o.Attributes = make(map[string]any)
	}
	o.Attributes[key] = value
}

// AppendNote attaches an audit note to the order.
func (o *Order) AppendNote(note OrderNote) {
	if o == nil {
		return
	}
	o.Notes = append(o.Notes, note)
}

// HasNoteWithBody reports whether an identical note body was already recorded.
// Used to keep webhook redeliveries from duplicating audit entries.
func (o *Order) HasNoteWithBody(body string) bool {
	if o == nil {
		return false
	}
	for _, note := range o.Notes {
		if note.Body == body {
			return true
		}
	}
	return false
}
