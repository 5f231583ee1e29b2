package integrity

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-incident/pkg/domain"
)

func TestCheck_SizeLimitExceeded(t *testing.T) {
	checker := NewChecker(DefaultLimitBytes, nil)

	err := checker.Check(make([]byte, 600*1024))
	require.Error(t, err)

	var violation *domain.BufferIntegrityViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, domain.RuleSizeLimitExceeded, violation.Rule)
	assert.Equal(t, 524288, violation.Limit)
	assert.Equal(t, 614400, violation.Actual)
	assert.ErrorIs(t, err, domain.ErrBufferIntegrity)
}

func TestCheck_Signature(t *testing.T) {
	sig := DefaultSignature
	filler := bytes.Repeat([]byte{'x'}, 32)

	tests := []struct {
		name    string
		buf     []byte
		wantErr bool
	}{
		{name: "exactly the signature", buf: sig, wantErr: true},
		{name: "signature at start", buf: append(bytes.Clone(sig), filler...), wantErr: true},
		{name: "signature at end", buf: append(bytes.Clone(filler), sig...), wantErr: true},
		{name: "signature in the middle only", buf: append(append(bytes.Clone(filler), sig...), filler...), wantErr: false},
		{name: "shorter than signature", buf: []byte("OVER"), wantErr: false},
		{name: "empty", buf: nil, wantErr: false},
		{name: "clean buffer", buf: filler, wantErr: false},
	}

	checker := NewChecker(1024, sig)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.Check(tt.buf)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var violation *domain.BufferIntegrityViolation
			require.ErrorAs(t, err, &violation)
			assert.Equal(t, domain.RuleForbiddenSignatureDetected, violation.Rule)
			assert.Equal(t, len(tt.buf), violation.Actual)
			assert.Equal(t, 1024, violation.Limit)
		})
	}
}

func TestCheck_SizeRuleWinsOverSignature(t *testing.T) {
	checker := NewChecker(8, []byte("OVERFLOW"))

	err := checker.Check([]byte("OVERFLOW!"))
	var violation *domain.BufferIntegrityViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, domain.RuleSizeLimitExceeded, violation.Rule)
}

func TestNewChecker_Defaults(t *testing.T) {
	checker := NewChecker(0, nil)
	assert.Equal(t, DefaultLimitBytes, checker.Limit())
	assert.Error(t, checker.Check(DefaultSignature))
}

// Property: every buffer longer than the limit reports SizeLimitExceeded with the actual length.
func TestSizeLimitProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 4096).Draw(t, "limit")
		extra := rapid.IntRange(1, 4096).Draw(t, "extra")
		checker := NewChecker(limit, nil)

		err := checker.Check(make([]byte, limit+extra))

		var violation *domain.BufferIntegrityViolation
		if !errors.As(err, &violation) {
			t.Fatalf("expected violation, got %v", err)
		}
		if violation.Rule != domain.RuleSizeLimitExceeded {
			t.Fatalf("rule mismatch: got %q", violation.Rule)
		}
		if violation.Actual != limit+extra || violation.Limit != limit {
			t.Fatalf("got limit=%d actual=%d, want limit=%d actual=%d", violation.Limit, violation.Actual, limit, limit+extra)
		}
	})
}

// Property: buffers shorter than the signature never trip the signature rule.
func TestShortBufferProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sig := rapid.SliceOfN(rapid.Byte(), 1, 16).Draw(t, "signature")
		buf := rapid.SliceOfN(rapid.Byte(), 0, len(sig)-1).Draw(t, "buf")
		checker := NewChecker(1024, sig)

		if err := checker.Check(buf); err != nil {
			t.Fatalf("unexpected violation for %d-byte buffer: %v", len(buf), err)
		}
	})
}
