package scenario

import (
	"fmt"
	"maps"
	"slices"
)

// OutcomeKind classifies the result of one selection.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeSuccess  OutcomeKind = "success"
	OutcomeDegraded OutcomeKind = "degraded"
	OutcomeFailure  OutcomeKind = "failure"
)

// HighRiskFeature is the feature with known production issues in the default policy.
const HighRiskFeature = "short-text"

// Bucket is one cumulative probability band. A draw d lands in the first bucket
// whose Threshold satisfies d <= Threshold.
type Bucket struct {
	Threshold float64
	Outcome   OutcomeKind
	// Groups are the failure domains a scenario is drawn from, uniformly across
	// their union. Ignored for OutcomeSuccess.
	Groups []string
}

// Policy maps features to their ordered buckets. Features without an entry use Default.
// Draws above every threshold resolve to success.
type Policy struct {
	Default  []Bucket
	Features map[string][]Bucket
}

// DefaultPolicy returns the production policy: the high-risk feature fails 5% of the
// time and degrades a further 15%; every other feature fails 8% of the time.
func DefaultPolicy() Policy {
	return Policy{
		Default: []Bucket{
			{Threshold: 0.08, Outcome: OutcomeFailure, Groups: []string{GroupGeneric}},
		},
		Features: map[string][]Bucket{
			HighRiskFeature: {
				{Threshold: 0.05, Outcome: OutcomeFailure, Groups: []string{GroupResourceExhaustion, GroupConnectivity, GroupRateLimit}},
				{Threshold: 0.20, Outcome: OutcomeDegraded, Groups: []string{GroupPerformanceDegradation}},
			},
		},
	}
}

// BucketsFor returns the buckets that apply to featureID.
func (p Policy) BucketsFor(featureID string) []Bucket {
	if b, ok := p.Features[featureID]; ok {
		return b
	}
	return p.Default
}

// Clone returns a deep copy of p.
func (p Policy) Clone() Policy {
	out := Policy{Default: cloneBuckets(p.Default)}
	if p.Features != nil {
		out.Features = make(map[string][]Bucket, len(p.Features))
		for k, v := range p.Features {
			out.Features[k] = cloneBuckets(v)
		}
	}
	return out
}

// Validate checks thresholds are ascending within [0,1] and that every non-success
// bucket names at least one group known to catalog.
func (p Policy) Validate(catalog *Catalog) error {
	if err := validateBuckets("default", p.Default, catalog); err != nil {
		return err
	}
	for _, feature := range slices.Sorted(maps.Keys(p.Features)) {
		if err := validateBuckets(feature, p.Features[feature], catalog); err != nil {
			return err
		}
	}
	return nil
}

func validateBuckets(name string, buckets []Bucket, catalog *Catalog) error {
	prev := 0.0
	for i, b := range buckets {
		if b.Threshold < 0 || b.Threshold > 1 {
			return fmt.Errorf("policy %q bucket %d: threshold %v outside [0,1]", name, i, b.Threshold)
		}
		if b.Threshold < prev {
			return fmt.Errorf("policy %q bucket %d: threshold %v is below previous %v", name, i, b.Threshold, prev)
		}
		prev = b.Threshold

		switch b.Outcome {
		case OutcomeSuccess:
			continue
		case OutcomeDegraded, OutcomeFailure:
		default:
			return fmt.Errorf("policy %q bucket %d: unknown outcome %q", name, i, b.Outcome)
		}
		if len(b.Groups) == 0 {
			return fmt.Errorf("policy %q bucket %d: %s outcome requires at least one group", name, i, b.Outcome)
		}
		if catalog == nil {
			continue
		}
		for _, g := range b.Groups {
			if !catalog.HasGroup(g) {
				return fmt.Errorf("policy %q bucket %d: unknown scenario group %q", name, i, g)
			}
		}
	}
	return nil
}

func cloneBuckets(in []Bucket) []Bucket {
	if in == nil {
		return nil
	}
	out := make([]Bucket, len(in))
	for i, b := range in {
		b.Groups = slices.Clone(b.Groups)
		out[i] = b
	}
	return out
}
