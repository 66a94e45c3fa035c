package domain

import "time"

// CustomerLink binds a local account to its provider customer record. The
// provider id is created once per account and never changes afterwards.
type CustomerLink struct {
	AccountID  string
	CustomerID string
	Email      string
	CreatedAt  time.Time
}
