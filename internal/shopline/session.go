package shopline

// Provider checkout session status vocabulary.
const (
	SessionStatusPending   = "PENDING"
	SessionStatusSucceeded = "SUCCEEDED"
	SessionStatusExpired   = "EXPIRED"
)

var (
	sessionIDPaths           = []string{"sessionId"}
	sessionURLPaths          = []string{"sessionUrl"}
	sessionStatusPaths       = []string{"status"}
	sessionTradeOrderIDPaths = []string{"tradeOrderId"}
)

// Session is the typed projection of a provider checkout session.
type Session struct {
	ID           string
	URL          string
	Status       string
	TradeOrderID string

	FieldSources map[string]string

	raw map[string]any
}

// SessionFromMap normalizes a raw session payload. A missing sessionId is a hard
// parse failure. The tradeOrderId may be absent at the top level early in the
// session's life; it then falls back to the first entry of the paymentDetails
// list once the provider has bound a payment attempt.
func SessionFromMap(raw map[string]any) (Session, error) {
	if raw == nil {
		return Session{}, NewParseError("session", "empty payload")
	}

	sources := make(map[string]string)

	id, path, ok := firstString(raw, sessionIDPaths)
	if !ok {
		return Session{}, NewParseError("session", "sessionId is required")
	}
	sources["sessionId"] = path

	session := Session{
		ID:           id,
		FieldSources: sources,
		raw:          deepCopyMap(raw),
	}

	if url, path, ok := firstString(raw, sessionURLPaths); ok {
		session.URL = url
		recordSource(sources, "sessionUrl", path, ok)
	}
	if status, path, ok := firstString(raw, sessionStatusPaths); ok {
		session.Status = status
		recordSource(sources, "status", path, ok)
	}

	if trade, path, ok := firstString(raw, sessionTradeOrderIDPaths); ok {
		session.TradeOrderID = trade
		recordSource(sources, "tradeOrderId", path, ok)
	} else if trade, ok := tradeOrderIDFromPaymentDetails(raw); ok {
		session.TradeOrderID = trade
		sources["tradeOrderId"] = "paymentDetails.0.tradeOrderId"
	}

	return session, nil
}

func tradeOrderIDFromPaymentDetails(raw map[string]any) (string, bool) {
	value, ok := raw["paymentDetails"]
	if !ok {
		return "", false
	}
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return "", false
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return "", false
	}
	trade, _, ok := firstString(first, []string{"tradeOrderId"})
	return trade, ok
}

// ToMap returns the provider's original payload under its original key names.
func (s Session) ToMap() map[string]any {
	return deepCopyMap(s.raw)
}

// Succeeded reports a completed checkout session.
func (s Session) Succeeded() bool { return s.Status == SessionStatusSucceeded }

// Expired reports an abandoned session.
func (s Session) Expired() bool { return s.Status == SessionStatusExpired }

// Terminal reports whether the session is immutable from here on.
func (s Session) Terminal() bool { return s.Succeeded() || s.Expired() }
