package shopline

var (
	customerIDPaths          = []string{"customerId", "paymentCustomerId"}
	customerReferenceIDPaths = []string{"referenceCustomerId"}
	customerEmailPaths       = []string{"email"}
	customerNamePaths        = []string{"name"}
	customerPhonePaths       = []string{"phone"}
)

// Customer is the typed projection of a provider customer record. A customer is
// one-to-one with a local account; the id is durable once created.
type Customer struct {
	ID          string
	ReferenceID string
	Email       string
	Name        string
	Phone       string

	FieldSources map[string]string

	raw map[string]any
}

// CustomerFromMap normalizes a raw customer payload. The id resolves from
// customerId or paymentCustomerId; when both are absent the payload is rejected.
func CustomerFromMap(raw map[string]any) (Customer, error) {
	if raw == nil {
		return Customer{}, NewParseError("customer", "empty payload")
	}

	sources := make(map[string]string)

	id, path, ok := firstString(raw, customerIDPaths)
	if !ok {
		return Customer{}, NewParseError("customer", "customerId or paymentCustomerId is required")
	}
	sources["customerId"] = path

	customer := Customer{
		ID:           id,
		FieldSources: sources,
		raw:          deepCopyMap(raw),
	}

	if ref, path, ok := firstString(raw, customerReferenceIDPaths); ok {
		customer.ReferenceID = ref
		recordSource(sources, "referenceCustomerId", path, ok)
	}
	if email, path, ok := firstString(raw, customerEmailPaths); ok {
		customer.Email = email
		recordSource(sources, "email", path, ok)
	}
	if name, path, ok := firstString(raw, customerNamePaths); ok {
		customer.Name = name
		recordSource(sources, "name", path, ok)
	}
	if phone, path, ok := firstString(raw, customerPhonePaths); ok {
		customer.Phone = phone
		recordSource(sources, "phone", path, ok)
	}

	return customer, nil
}

// ToMap returns the provider's original payload under its original key names.
func (c Customer) ToMap() map[string]any {
	return deepCopyMap(c.raw)
}
