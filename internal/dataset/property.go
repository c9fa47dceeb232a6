package dataset

// Property types.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	// TypeEmpty marks a column with no value in the sample. Such columns are
	// removed from the stored schema.
	TypeEmpty = "empty"
)

// Property formats.
const (
	FormatDate     = "date"
	FormatDateTime = "date-time"
	FormatURIRef   = "uri-reference"
)

// ConceptDigitalDocument is the x-refersTo concept of attachment columns.
const ConceptDigitalDocument = "http://schema.org/DigitalDocument"

// Calculated keys live in the reserved underscore namespace.
const (
	KeyID            = "_id"
	KeyOrdinal       = "_i"
	KeyRand          = "_rand"
	KeyUpdatedAt     = "_updatedAt"
	KeyAttachmentURL = "_attachment_url"
)

// Property describes a column of a dataset.
type Property struct {
	Key          string          `json:"key"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	Type         string          `json:"type"`
	Format       string          `json:"format,omitempty"`
	DateFormat   string          `json:"dateFormat,omitempty"`
	Separator    string          `json:"separator,omitempty"`
	Enum         []string        `json:"enum,omitempty"`
	Required     bool            `json:"x-required,omitempty"`
	OriginalName string          `json:"x-originalName,omitempty"`
	RefersTo     string          `json:"x-refersTo,omitempty"`
	Capabilities map[string]bool `json:"x-capabilities,omitempty"`
	Calculated   bool            `json:"x-calculated,omitempty"`
	// Extension names the external enrichment that added the column.
	Extension string `json:"x-extension,omitempty"`
	// Detected records what analysis proposed so that user overrides can be
	// told apart from detection results.
	Detected *Detection `json:"x-detected,omitempty"`
}

// Detection is the sniffer's proposal for a column.
type Detection struct {
	Type       string `json:"type"`
	Format     string `json:"format,omitempty"`
	DateFormat string `json:"dateFormat,omitempty"`
}

// Overridden reports whether the type/format was changed by a user after
// detection.
func (p Property) Overridden() bool {
	if p.Detected == nil {
		return false
	}
	return p.Detected.Type != p.Type || p.Detected.Format != p.Format || p.Detected.DateFormat != p.DateFormat
}

// Find returns the property with key, or nil.
func Find(schema []Property, key string) *Property {
	for i := range schema {
		if schema[i].Key == key {
			return &schema[i]
		}
	}
	return nil
}

// DataProperties returns the non-calculated properties in order.
func DataProperties(schema []Property) []Property {
	out := make([]Property, 0, len(schema))
	for _, p := range schema {
		if !p.Calculated {
			out = append(out, p)
		}
	}
	return out
}
