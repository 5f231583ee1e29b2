package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// FeaturePlaceholder is substituted with the feature name when a scenario message is rendered.
const FeaturePlaceholder = "{feature}"

// Frame is one synthetic stack frame of a scenario's origin trace.
type Frame struct {
	Component string `json:"component"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
}

func (f Frame) String() string {
	return fmt.Sprintf("at %s (%s:%d:%d)", f.Component, f.File, f.Line, f.Column)
}

// ErrorScenario is a catalog-defined synthetic failure.
type ErrorScenario struct {
	// Name is the taxonomy tag, e.g. ConnectionPoolExhaustedException.
	Name string
	// Group is the failure domain the scenario belongs to.
	Group string
	// Message may contain FeaturePlaceholder.
	Message    string
	Origin     []Frame
	Properties map[string]string
}

// Clone returns a deep copy so catalog entries are never shared mutably.
func (s ErrorScenario) Clone() ErrorScenario {
	s.Origin = slices.Clone(s.Origin)
	s.Properties = maps.Clone(s.Properties)
	return s
}

// RenderMessage expands the feature placeholder.
func (s ErrorScenario) RenderMessage(feature string) string {
	if feature == "" {
		feature = "the requested feature"
	}
	return strings.ReplaceAll(s.Message, FeaturePlaceholder, feature)
}

// RenderOrigin renders the origin trace as text: a summary line followed by one
// "    at component (file:line:col)" line per frame.
func (s ErrorScenario) RenderOrigin(message string) string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteString(": ")
	b.WriteString(message)
	for _, f := range s.Origin {
		b.WriteString("\n    ")
		b.WriteString(f.String())
	}
	return b.String()
}
