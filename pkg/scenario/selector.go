package scenario

import (
	"math/rand/v2"
	"sync"

	"github.com/polisai/polis-incident/pkg/domain"
)

// Source supplies the uniform draws used by the selector. *rand.Rand from
// math/rand/v2 satisfies it.
type Source interface {
	// Float64 returns a value in [0,1).
	Float64() float64
	// IntN returns a value in [0,n).
	IntN(n int) int
}

// NewSeededSource returns a deterministic source for reproducible selection.
// The returned source is not safe for concurrent use.
func NewSeededSource(seed uint64) Source {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// RuntimeSource returns a non-deterministic source that is safe for concurrent use.
func RuntimeSource() Source { return runtimeSource{} }

type runtimeSource struct{}

func (runtimeSource) Float64() float64 { return rand.Float64() }
func (runtimeSource) IntN(n int) int   { return rand.IntN(n) }

// Synchronized wraps src so it can be shared between goroutines. A source that is
// already safe for concurrent use is returned unchanged.
func Synchronized(src Source) Source {
	switch src.(type) {
	case runtimeSource, *lockedSource:
		return src
	}
	return &lockedSource{src: src}
}

type lockedSource struct {
	mu  sync.Mutex
	src Source
}

func (l *lockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

func (l *lockedSource) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.IntN(n)
}

// Outcome is the decision for one operation. Scenario is set for degraded and failure outcomes.
type Outcome struct {
	Kind     OutcomeKind
	Scenario domain.ErrorScenario
	// Draw is the uniform value that produced the decision.
	Draw float64
}

// Selector draws outcomes from a policy and a catalog. It has no side effects
// beyond consuming its random source.
type Selector struct {
	catalog *Catalog
	source  Source
}

// NewSelector returns a selector over catalog. A nil source uses RuntimeSource.
func NewSelector(catalog *Catalog, source Source) *Selector {
	if source == nil {
		source = RuntimeSource()
	}
	return &Selector{catalog: catalog, source: source}
}

// Catalog returns the catalog the selector draws from.
func (s *Selector) Catalog() *Catalog { return s.catalog }

// Select evaluates the feature's buckets in ascending order against one draw and
// picks the first bucket the draw falls into; a draw equal to a threshold belongs
// to that bucket. Failure and degraded buckets then draw a scenario uniformly from
// the union of their groups.
func (s *Selector) Select(featureID string, policy Policy) Outcome {
	d := s.source.Float64()
	for _, b := range policy.BucketsFor(featureID) {
		if d > b.Threshold {
			continue
		}
		if b.Outcome == OutcomeSuccess {
			return Outcome{Kind: OutcomeSuccess, Draw: d}
		}
		candidates := s.catalog.members(b.Groups)
		if len(candidates) == 0 {
			return Outcome{Kind: OutcomeSuccess, Draw: d}
		}
		picked := candidates[s.source.IntN(len(candidates))]
		return Outcome{Kind: b.Outcome, Scenario: picked.Clone(), Draw: d}
	}
	return Outcome{Kind: OutcomeSuccess, Draw: d}
}

// Pick draws one scenario uniformly from the union of groups.
func (s *Selector) Pick(groups ...string) (domain.ErrorScenario, bool) {
	candidates := s.catalog.members(groups)
	if len(candidates) == 0 {
		return domain.ErrorScenario{}, false
	}
	return candidates[s.source.IntN(len(candidates))].Clone(), true
}
