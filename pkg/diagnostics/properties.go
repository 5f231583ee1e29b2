// Package diagnostics assembles the flattened, string-valued diagnostic records the
// telemetry backend receives.
package diagnostics

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/polisai/polis-incident/pkg/domain"
)

// TimestampLayout renders timestamps as UTC ISO-8601 with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Stage is a merge namespace. Stages are applied in ascending order.
type Stage int

// Merge stages, in order.
const (
	StageScenario Stage = iota + 1
	StageContext
	StageIdentifiers
	StageTimestamp
)

func (s Stage) String() string {
	switch s {
	case StageScenario:
		return "scenario"
	case StageContext:
		return "context"
	case StageIdentifiers:
		return "identifiers"
	case StageTimestamp:
		return "timestamp"
	default:
		return "stage(" + strconv.Itoa(int(s)) + ")"
	}
}

// Collision records a key written twice. The later write wins.
type Collision struct {
	Key      string
	First    Stage
	Second   Stage
	Previous string
	Value    string
}

// PropertyBag coerces every value to a string at insertion and tracks which stage
// wrote each key.
type PropertyBag struct {
	stage      Stage
	values     map[string]string
	owner      map[string]Stage
	collisions []Collision
}

// NewPropertyBag returns an empty bag positioned at StageScenario.
func NewPropertyBag() *PropertyBag {
	return &PropertyBag{
		stage:  StageScenario,
		values: make(map[string]string),
		owner:  make(map[string]Stage),
	}
}

// Stage moves the bag to stage s. Moving backwards is ignored.
func (b *PropertyBag) Stage(s Stage) *PropertyBag {
	if s > b.stage {
		b.stage = s
	}
	return b
}

// String sets key to v.
func (b *PropertyBag) String(key, v string) *PropertyBag {
	b.set(key, v)
	return b
}

// Int sets key to the decimal form of v.
func (b *PropertyBag) Int(key string, v int64) *PropertyBag {
	b.set(key, strconv.FormatInt(v, 10))
	return b
}

// Float sets key to v with the given number of decimals; prec < 0 uses the shortest form.
func (b *PropertyBag) Float(key string, v float64, prec int) *PropertyBag {
	b.set(key, strconv.FormatFloat(v, 'f', prec, 64))
	return b
}

// Bool sets key to "true" or "false".
func (b *PropertyBag) Bool(key string, v bool) *PropertyBag {
	b.set(key, strconv.FormatBool(v))
	return b
}

// Time sets key to t in TimestampLayout.
func (b *PropertyBag) Time(key string, t time.Time) *PropertyBag {
	b.set(key, t.UTC().Format(TimestampLayout))
	return b
}

// Any sets key to the canonical text form of v.
func (b *PropertyBag) Any(key string, v any) *PropertyBag {
	b.set(key, Coerce(v))
	return b
}

// Merge copies src in sorted key order so collision reports are stable.
func (b *PropertyBag) Merge(src map[string]string) *PropertyBag {
	for _, k := range slices.Sorted(maps.Keys(src)) {
		b.set(k, src[k])
	}
	return b
}

// MergeAny coerces and copies src in sorted key order.
func (b *PropertyBag) MergeAny(src map[string]any) *PropertyBag {
	for _, k := range slices.Sorted(maps.Keys(src)) {
		b.set(k, Coerce(src[k]))
	}
	return b
}

// Has reports whether key has been written.
func (b *PropertyBag) Has(key string) bool {
	_, ok := b.values[key]
	return ok
}

// Collisions returns every key that was written more than once.
func (b *PropertyBag) Collisions() []Collision {
	return slices.Clone(b.collisions)
}

// Properties freezes the current contents.
func (b *PropertyBag) Properties() domain.Properties {
	return domain.NewProperties(b.values)
}

func (b *PropertyBag) set(key, v string) {
	if prev, ok := b.values[key]; ok {
		b.collisions = append(b.collisions, Collision{
			Key:      key,
			First:    b.owner[key],
			Second:   b.stage,
			Previous: prev,
			Value:    v,
		})
	}
	b.values[key] = v
	b.owner[key] = b.stage
}

// Coerce returns the canonical text form of v.
func Coerce(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint:
		return strconv.FormatUint(uint64(x), 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(TimestampLayout)
	case time.Duration:
		return strconv.FormatInt(x.Milliseconds(), 10)
	case fmt.Stringer:
		return x.String()
	case error:
		return x.Error()
	default:
		return fmt.Sprint(x)
	}
}
