package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Severity classifies a diagnostic record.
type Severity int

// Severity levels, ordered from least to most severe.
const (
	SeverityInformation Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInformation:
		return "Information"
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	case SeverityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// MarshalText renders the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts any name ParseSeverity understands.
func (s *Severity) UnmarshalText(text []byte) error {
	v, ok := ParseSeverity(string(text))
	if !ok {
		return fmt.Errorf("unknown severity %q", text)
	}
	*s = v
	return nil
}

// ParseSeverity returns the severity named by s, case-insensitively.
func ParseSeverity(s string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "information", "info":
		return SeverityInformation, true
	case "warning", "warn":
		return SeverityWarning, true
	case "error":
		return SeverityError, true
	case "critical":
		return SeverityCritical, true
	default:
		return SeverityInformation, false
	}
}

// RecordKind identifies which backend operation a record maps to.
type RecordKind string

// Record kinds.
const (
	KindEvent     RecordKind = "event"
	KindTrace     RecordKind = "trace"
	KindMetric    RecordKind = "metric"
	KindException RecordKind = "exception"
)

// Properties is an immutable string-to-string map. The zero value is empty and usable.
type Properties struct {
	m map[string]string
}

// NewProperties copies src into a new Properties value.
func NewProperties(src map[string]string) Properties {
	if len(src) == 0 {
		return Properties{}
	}
	return Properties{m: maps.Clone(src)}
}

// Get returns the value stored under key.
func (p Properties) Get(key string) (string, bool) {
	v, ok := p.m[key]
	return v, ok
}

// Value returns the value stored under key or the empty string.
func (p Properties) Value(key string) string {
	return p.m[key]
}

// Has reports whether key is present.
func (p Properties) Has(key string) bool {
	_, ok := p.m[key]
	return ok
}

// Len returns the number of entries.
func (p Properties) Len() int { return len(p.m) }

// Keys returns the keys in sorted order.
func (p Properties) Keys() []string {
	return slices.Sorted(maps.Keys(p.m))
}

// Map returns a copy of the underlying map.
func (p Properties) Map() map[string]string {
	if p.m == nil {
		return map[string]string{}
	}
	return maps.Clone(p.m)
}

// With returns a copy of p with key set to value.
func (p Properties) With(key, value string) Properties {
	m := make(map[string]string, len(p.m)+1)
	maps.Copy(m, p.m)
	m[key] = value
	return Properties{m: m}
}

// MarshalJSON renders the properties as a flat JSON object.
func (p Properties) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Map())
}

// UnmarshalJSON reads a flat JSON object of strings.
func (p *Properties) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*p = NewProperties(m)
	return nil
}

// DiagnosticRecord is the artifact handed to the telemetry backend.
type DiagnosticRecord struct {
	Severity Severity   `json:"severity"`
	Kind     RecordKind `json:"kind"`
	// Name is the event, metric or error name.
	Name string `json:"name"`
	// Message is the trace message or the exception message.
	Message string `json:"message,omitempty"`
	// Value is the metric average; zero for other kinds.
	Value      float64    `json:"value,omitempty"`
	Origin     []Frame    `json:"origin,omitempty"`
	Stack      string     `json:"stack,omitempty"`
	Properties Properties `json:"properties"`
}

// WithProperty returns a copy of r with key set to value.
func (r DiagnosticRecord) WithProperty(key, value string) DiagnosticRecord {
	r.Properties = r.Properties.With(key, value)
	r.Origin = slices.Clone(r.Origin)
	return r
}

// CorrelationID returns the correlationId property.
func (r DiagnosticRecord) CorrelationID() string {
	return r.Properties.Value("correlationId")
}
