// Package correlation creates the per-request identifiers and timing that join an
// operation's result to the telemetry it emits.
//
// Every Context is an independent value owned by the request that created it.
// Generators hold only immutable configuration and are safe for concurrent use.
package correlation

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultInstancePrefix names simulated web instances.
const DefaultInstancePrefix = "seeingai-web-"

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// Context describes one logical operation.
type Context struct {
	CorrelationID string
	SessionID     string
	InstanceID    string
	FeatureID     string
	// StartedAt carries a monotonic clock reading when produced by time.Now.
	StartedAt       time.Time
	BufferSizeBytes int
	HasBuffer       bool

	now func() time.Time
}

// Elapsed returns the time since the context began. It is computed on every call.
func (c Context) Elapsed() time.Duration {
	now := c.now
	if now == nil {
		now = time.Now
	}
	return now().Sub(c.StartedAt)
}

// WithBuffer records the size of the buffer being analysed.
func (c Context) WithBuffer(size int) Context {
	c.BufferSizeBytes = size
	c.HasBuffer = true
	return c
}

// Generator begins contexts.
type Generator struct {
	instancePrefix string
	now            func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithInstancePrefix overrides DefaultInstancePrefix.
func WithInstancePrefix(prefix string) Option {
	return func(g *Generator) {
		if prefix != "" {
			g.instancePrefix = prefix
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGenerator returns a generator with the given options applied.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{instancePrefix: DefaultInstancePrefix, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Begin starts a context for featureID.
func (g *Generator) Begin(featureID string) Context {
	now := g.now()
	return Context{
		CorrelationID: NewCorrelationID(now),
		SessionID:     "sess_" + strconv.FormatInt(now.UnixMilli(), 36) + randomBase36(4),
		InstanceID:    g.instancePrefix + randomBase36(6),
		FeatureID:     featureID,
		StartedAt:     now,
		now:           g.now,
	}
}

// NewCorrelationID returns req_<random>_<time>, where the random part is nine base36
// characters drawn from a version 4 UUID and the time part is at in milliseconds, base36.
func NewCorrelationID(at time.Time) string {
	var b strings.Builder
	b.Grow(24)
	b.WriteString("req_")
	b.WriteString(uuidBase36(9))
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(at.UnixMilli(), 36))
	return b.String()
}

// randomUUIDBytes are the UUID byte positions that carry no version or variant bits.
var randomUUIDBytes = [...]int{0, 1, 2, 3, 4, 5, 7, 9, 10, 11, 12, 13, 14, 15}

// uuidBase36 maps n random bytes of a version 4 UUID onto the base36 alphabet.
func uuidBase36(n int) string {
	id := uuid.New()
	out := make([]byte, n)
	for i := range out {
		out[i] = base36[int(id[randomUUIDBytes[i%len(randomUUIDBytes)]])%len(base36)]
	}
	return string(out)
}

func randomBase36(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = base36[rand.IntN(len(base36))]
	}
	return string(out)
}
