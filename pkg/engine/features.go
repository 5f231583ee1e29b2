package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/polisai/polis-incident/pkg/domain"
	"github.com/polisai/polis-incident/pkg/scenario"
)

// DefaultFeature is analysed when a request names no feature.
const DefaultFeature = scenario.HighRiskFeature

// Feature is one analysis capability offered to callers.
type Feature struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`

	results []string
}

var features = []Feature{
	{
		ID: "short-text", Name: "Short Text", Description: "Read short text from images", Icon: "📝",
		results: []string{"STOP", "EXIT", "Open 9 AM - 5 PM", "Welcome to the building", "Emergency Exit"},
	},
	{
		ID: "document", Name: "Document", Description: "Read documents and text", Icon: "📄",
		results: []string{
			"This is a sample document with multiple lines of text...",
			"Invoice #12345\nDate: Nov 4, 2025\nAmount: $150.00",
			"Chapter 1: Introduction\n\nThis chapter covers the basics...",
		},
	},
	{
		ID: "product", Name: "Product", Description: "Scan barcodes and product info", Icon: "🏷️",
		results: []string{
			"Product: Organic Milk\nBrand: Fresh Farms\nPrice: $4.99",
			"Barcode: 012345678901\nProduct not found in database",
			"Cereal Box - Whole Grain\nNet weight: 500g",
		},
	},
	{
		ID: "person", Name: "Person", Description: "Recognize people and faces", Icon: "👤",
		results: []string{
			"One person detected, smiling, age approximately 30-40",
			"Multiple people in frame: 3 adults, 1 child",
			"Person detected wearing glasses",
		},
	},
	{
		ID: "scene", Name: "Scene", Description: "Describe scenes and surroundings", Icon: "🌆",
		results: []string{
			"A modern office with glass windows, several desks with computers, and people working",
			"Outdoor park scene with trees, benches, and a walking path",
			"Kitchen interior with stainless steel appliances and marble countertops",
		},
	},
	{
		ID: "color", Name: "Color", Description: "Identify colors", Icon: "🎨",
		results: []string{"Primary color: Navy Blue (#001F3F)", "Dominant colors: Red, White, and Blue", "Light green shade detected"},
	},
	{
		ID: "currency", Name: "Currency", Description: "Recognize currency notes", Icon: "💵",
		results: []string{"US $20 bill detected", "Multiple bills: $5, $10, $20 totaling $35", "Euro €50 note"},
	},
	{
		ID: "handwriting", Name: "Handwriting", Description: "Read handwritten text", Icon: "✍️",
		results: []string{
			`Handwritten note: "Meeting at 3 PM in conference room B"`,
			"Shopping list: Milk, Eggs, Bread, Butter",
			"Signature: John Smith",
		},
	},
}

// Features returns the feature catalog in display order.
func Features() []Feature {
	out := make([]Feature, len(features))
	for i, f := range features {
		f.results = slices.Clone(f.results)
		out[i] = f
	}
	return out
}

// LookupFeature resolves id, case-insensitively. An empty id resolves to DefaultFeature.
func LookupFeature(id string) (Feature, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		id = DefaultFeature
	}
	for _, f := range features {
		if f.ID == id {
			return f, nil
		}
	}
	return Feature{}, fmt.Errorf("%w: %q", domain.ErrUnknownFeature, id)
}

// result draws one mock result for the feature.
func (f Feature) result(src scenario.Source) string {
	if len(f.results) == 0 {
		return "Analysis complete"
	}
	return f.results[src.IntN(len(f.results))]
}
