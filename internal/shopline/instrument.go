package shopline

// Provider instrument status vocabulary.
const (
	InstrumentStatusEnabled  = "ENABLED"
	InstrumentStatusDisabled = "DISABLED"
	InstrumentStatusCreated  = "CREATED"
)

var (
	instrumentIDPaths     = []string{"paymentInstrumentId", "instrumentId"}
	instrumentTypePaths   = []string{"instrumentType", "type"}
	instrumentStatusPaths = []string{"instrumentStatus", "status"}
	instrumentCardPaths   = []string{"instrumentCard", "card"}
)

// Instrument is a provider-tokenized reusable payment method bound to a customer.
type Instrument struct {
	ID     string
	Type   string
	Status string
	Card   map[string]any

	FieldSources map[string]string

	raw map[string]any
}

// InstrumentFromMap normalizes a raw payment instrument payload.
func InstrumentFromMap(raw map[string]any) (Instrument, error) {
	if raw == nil {
		return Instrument{}, NewParseError("instrument", "empty payload")
	}

	sources := make(map[string]string)

	id, path, ok := firstString(raw, instrumentIDPaths)
	if !ok {
		return Instrument{}, NewParseError("instrument", "paymentInstrumentId is required")
	}
	sources["paymentInstrumentId"] = path

	instrument := Instrument{
		ID:           id,
		FieldSources: sources,
		raw:          deepCopyMap(raw),
	}

	if typ, path, ok := firstString(raw, instrumentTypePaths); ok {
		instrument.Type = typ
		recordSource(sources, "instrumentType", path, ok)
	}
	if status, path, ok := firstString(raw, instrumentStatusPaths); ok {
		instrument.Status = status
		recordSource(sources, "instrumentStatus", path, ok)
	}
	if card, path, ok := firstMap(raw, instrumentCardPaths); ok {
		instrument.Card = deepCopyMap(card)
		recordSource(sources, "instrumentCard", path, ok)
	}

	return instrument, nil
}

// ToMap returns the provider's original payload under its original key names.
func (i Instrument) ToMap() map[string]any {
	return deepCopyMap(i.raw)
}

// Enabled reports whether the instrument can be charged.
func (i Instrument) Enabled() bool { return i.Status == InstrumentStatusEnabled }

// CardLast4 returns the saved card's trailing digits when present.
func (i Instrument) CardLast4() string {
	last4, _, _ := firstString(i.Card, []string{"last4", "lastFour"})
	return last4
}

// CardBrand returns the saved card's brand when present.
func (i Instrument) CardBrand() string {
	brand, _, _ := firstString(i.Card, []string{"brand"})
	return brand
}
