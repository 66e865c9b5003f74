package ledgerbase

import (
	"fmt"
	"time"
)

// TransactionType is the direction of a transaction
type TransactionType string

const (
	TypeDebit  TransactionType = "debit"
	TypeCredit TransactionType = "credit"
)

// Valid reports whether the type is one of the allowed values
func (t TransactionType) Valid() bool {
	return t == TypeDebit || t == TypeCredit
}

// Transaction is a financial transaction record. ID is assigned at creation
// and never reassigned; UpdatedAt is always >= CreatedAt.
type Transaction struct {
	ID          string          `json:"id"`
	Amount      float64         `json:"amount"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Type        TransactionType `json:"type"`
	Tags        []string        `json:"tags"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Category groups transactions for reporting
type Category struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      TransactionType `json:"type"`
	Color     string          `json:"color"`
	Icon      string          `json:"icon"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// RecordCodec maps between a domain record and its document projection.
// Both directions are pure and total; converting to a document and back
// yields the same record on every domain field. The "_id"/"_rev" metadata
// belong to the backend and are excluded from that equality.
type RecordCodec[T any] interface {
	// Kind is the document id prefix ("transaction", "category")
	Kind() string

	// DocID derives the deterministic document id for a record id
	DocID(id string) string

	// Validate reports every violated constraint, or nil
	Validate(rec *T) error

	// ToDocument projects the record onto a backend document
	ToDocument(rec *T) Document

	// FromDocument rebuilds the record from a document
	FromDocument(doc Document) (*T, error)

	// ID returns the record id
	ID(rec *T) string

	// WithIdentity returns a copy with id and timestamps set
	WithIdentity(rec *T, id string, created, updated time.Time) *T

	// StripIdentity returns a copy with id and timestamps cleared, so a
	// target store assigns fresh identity (used by migration)
	StripIdentity(rec *T) *T

	// Touch returns a copy with UpdatedAt stamped
	Touch(rec *T, at time.Time) *T
}

// TransactionCodec implements RecordCodec for transactions
type TransactionCodec struct{}

func (TransactionCodec) Kind() string { return "transaction" }

func (TransactionCodec) DocID(id string) string { return "transaction:" + id }

func (TransactionCodec) Validate(rec *Transaction) error {
	var violations []string
	if rec == nil {
		return &ValidationError{Violations: []string{"record is nil"}}
	}
	if rec.Amount < 0 {
		violations = append(violations, fmt.Sprintf("amount must be non-negative, got %v", rec.Amount))
	}
	if !rec.Type.Valid() {
		violations = append(violations, fmt.Sprintf("type must be %q or %q, got %q", TypeDebit, TypeCredit, rec.Type))
	}
	if !rec.UpdatedAt.IsZero() && !rec.CreatedAt.IsZero() && rec.UpdatedAt.Before(rec.CreatedAt) {
		violations = append(violations, "updatedAt must not precede createdAt")
	}
	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

func (c TransactionCodec) ToDocument(rec *Transaction) Document {
	doc := Document{
		FieldDocID:    c.DocID(rec.ID),
		"id":          rec.ID,
		"amount":      rec.Amount,
		"description": rec.Description,
		"category":    rec.Category,
		"type":        string(rec.Type),
		"tags":        toTagList(rec.Tags),
		"createdAt":   formatTime(rec.CreatedAt),
		"updatedAt":   formatTime(rec.UpdatedAt),
	}
	if !rec.Date.IsZero() {
		doc["date"] = formatTime(rec.Date)
	}
	return doc
}

func (TransactionCodec) FromDocument(doc Document) (*Transaction, error) {
	rec := &Transaction{
		ID:          docString(doc, "id"),
		Amount:      docFloat(doc, "amount"),
		Description: docString(doc, "description"),
		Category:    docString(doc, "category"),
		Type:        TransactionType(docString(doc, "type")),
		Tags:        docStrings(doc, "tags"),
	}
	var err error
	if rec.Date, err = docTime(doc, "date"); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = docTime(doc, "createdAt"); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = docTime(doc, "updatedAt"); err != nil {
		return nil, err
	}
	return rec, nil
}

func (TransactionCodec) ID(rec *Transaction) string { return rec.ID }

func (TransactionCodec) WithIdentity(rec *Transaction, id string, created, updated time.Time) *Transaction {
	out := *rec
	out.ID = id
	out.CreatedAt = created
	out.UpdatedAt = updated
	return &out
}

func (TransactionCodec) StripIdentity(rec *Transaction) *Transaction {
	out := *rec
	out.ID = ""
	out.CreatedAt = time.Time{}
	out.UpdatedAt = time.Time{}
	return &out
}

func (TransactionCodec) Touch(rec *Transaction, at time.Time) *Transaction {
	out := *rec
	out.UpdatedAt = at
	return &out
}

// CategoryCodec implements RecordCodec for categories
type CategoryCodec struct{}

func (CategoryCodec) Kind() string { return "category" }

func (CategoryCodec) DocID(id string) string { return "category:" + id }

func (CategoryCodec) Validate(rec *Category) error {
	var violations []string
	if rec == nil {
		return &ValidationError{Violations: []string{"record is nil"}}
	}
	if rec.Name == "" {
		violations = append(violations, "name is required")
	}
	if rec.Type != "" && !rec.Type.Valid() {
		violations = append(violations, fmt.Sprintf("type must be %q or %q, got %q", TypeDebit, TypeCredit, rec.Type))
	}
	if !rec.UpdatedAt.IsZero() && !rec.CreatedAt.IsZero() && rec.UpdatedAt.Before(rec.CreatedAt) {
		violations = append(violations, "updatedAt must not precede createdAt")
	}
	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

func (c CategoryCodec) ToDocument(rec *Category) Document {
	return Document{
		FieldDocID:  c.DocID(rec.ID),
		"id":        rec.ID,
		"name":      rec.Name,
		"type":      string(rec.Type),
		"color":     rec.Color,
		"icon":      rec.Icon,
		"createdAt": formatTime(rec.CreatedAt),
		"updatedAt": formatTime(rec.UpdatedAt),
	}
}

func (CategoryCodec) FromDocument(doc Document) (*Category, error) {
	rec := &Category{
		ID:    docString(doc, "id"),
		Name:  docString(doc, "name"),
		Type:  TransactionType(docString(doc, "type")),
		Color: docString(doc, "color"),
		Icon:  docString(doc, "icon"),
	}
	var err error
	if rec.CreatedAt, err = docTime(doc, "createdAt"); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = docTime(doc, "updatedAt"); err != nil {
		return nil, err
	}
	return rec, nil
}

func (CategoryCodec) ID(rec *Category) string { return rec.ID }

func (CategoryCodec) WithIdentity(rec *Category, id string, created, updated time.Time) *Category {
	out := *rec
	out.ID = id
	out.CreatedAt = created
	out.UpdatedAt = updated
	return &out
}

func (CategoryCodec) StripIdentity(rec *Category) *Category {
	out := *rec
	out.ID = ""
	out.CreatedAt = time.Time{}
	out.UpdatedAt = time.Time{}
	return &out
}

func (CategoryCodec) Touch(rec *Category, at time.Time) *Category {
	out := *rec
	out.UpdatedAt = at
	return &out
}

// Document field accessors. Values arrive from JSON, so numbers are float64,
// times are RFC3339 strings, and lists are []interface{}.

func docString(doc Document, field string) string {
	s, _ := doc[field].(string)
	return s
}

func docFloat(doc Document, field string) float64 {
	f, _ := toFloat(doc[field])
	return f
}

func docStrings(doc Document, field string) []string {
	switch v := doc[field].(type) {
	case []string:
		if len(v) == 0 {
			return nil
		}
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []interface{}:
		if len(v) == 0 {
			return nil
		}
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func docTime(doc Document, field string) (time.Time, error) {
	raw, ok := doc[field]
	if !ok {
		return time.Time{}, nil
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, WithContext(ErrBackend, map[string]interface{}{
			"field":  field,
			"value":  s,
			"reason": "malformed timestamp",
		})
	}
	return t, nil
}

// formatTime encodes a timestamp as RFC3339Nano in UTC. Zero times encode
// as the empty string so they round-trip to zero.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toTagList(tags []string) []interface{} {
	if len(tags) == 0 {
		return nil
	}
	out := make([]interface{}, len(tags))
	for i, tag := range tags {
		out[i] = tag
	}
	return out
}
