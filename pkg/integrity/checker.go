// Package integrity guards the analysis path against unsafe input buffers.
package integrity

import (
	"bytes"

	"github.com/polisai/polis-incident/pkg/domain"
)

// DefaultLimitBytes is the largest buffer accepted for analysis (512 KiB).
const DefaultLimitBytes = 512 * 1024

// DefaultSignature is the forbidden marker checked at both buffer boundaries.
var DefaultSignature = []byte("OVERFLOW")

// Checker enforces a size limit and a boundary signature rule.
type Checker struct {
	limit     int
	signature []byte
}

// NewChecker returns a checker for the given limit and signature. A non-positive
// limit or an empty signature falls back to the defaults.
func NewChecker(limit int, signature []byte) *Checker {
	if limit <= 0 {
		limit = DefaultLimitBytes
	}
	if len(signature) == 0 {
		signature = DefaultSignature
	}
	return &Checker{limit: limit, signature: bytes.Clone(signature)}
}

// Limit returns the configured size limit in bytes.
func (c *Checker) Limit() int { return c.limit }

// Check returns nil when buf is safe, otherwise a *domain.BufferIntegrityViolation.
// The size rule is evaluated first.
func (c *Checker) Check(buf []byte) error {
	if len(buf) > c.limit {
		return c.violation(domain.RuleSizeLimitExceeded, len(buf))
	}
	if c.hasBoundarySignature(buf) {
		return c.violation(domain.RuleForbiddenSignatureDetected, len(buf))
	}
	return nil
}

// hasBoundarySignature compares only the first and last len(signature) bytes.
// Both comparisons run even when they overlap on a short buffer.
func (c *Checker) hasBoundarySignature(buf []byte) bool {
	n := len(c.signature)
	if len(buf) < n {
		return false
	}
	head := bytes.Equal(buf[:n], c.signature)
	tail := bytes.Equal(buf[len(buf)-n:], c.signature)
	return head || tail
}

func (c *Checker) violation(rule string, actual int) *domain.BufferIntegrityViolation {
	return &domain.BufferIntegrityViolation{
		Rule:   rule,
		Limit:  c.limit,
		Actual: actual,
	}
}
