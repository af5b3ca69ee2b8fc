// Package auth holds broker API tokens in a form that cannot leak through
// logs, errors or JSON.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode"
)

// Token limits accepted by the broker.
const (
	MinTokenLength = 8
	MaxTokenLength = 128
)

// ErrEmptyToken is returned for a blank token.
var ErrEmptyToken = errors.New("token is required")

// Token is a broker API token. Every formatting path renders a fingerprint,
// never the secret. Use Reveal only when writing the authorize frame.
type Token struct {
	secret string
}

// NewToken validates and wraps a raw token.
func NewToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, ErrEmptyToken
	}
	if n := len(raw); n < MinTokenLength || n > MaxTokenLength {
		return Token{}, fmt.Errorf("token length must be between %d and %d, got %d", MinTokenLength, MaxTokenLength, n)
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r > unicode.MaxASCII {
			return Token{}, errors.New("token contains invalid characters")
		}
	}
	return Token{secret: raw}, nil
}

// LoadToken reads a token from a file, trimming surrounding whitespace.
func LoadToken(path string) (Token, error) {
	if path == "" {
		return Token{}, fmt.Errorf("token path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Token{}, fmt.Errorf("read token file: %w", err)
	}
	return NewToken(string(data))
}

// Reveal returns the raw secret.
func (t Token) Reveal() string {
	return t.secret
}

// IsZero reports whether no token is held.
func (t Token) IsZero() bool {
	return t.secret == ""
}

// Fingerprint is a short stable hash that identifies a token in logs.
func (t Token) Fingerprint() string {
	if t.secret == "" {
		return "none"
	}
	sum := sha256.Sum256([]byte(t.secret))
	return hex.EncodeToString(sum[:4])
}

func (t Token) String() string {
	return "token:" + t.Fingerprint()
}

// GoString covers %#v.
func (t Token) GoString() string {
	return t.String()
}

// LogValue implements slog.LogValuer.
func (t Token) LogValue() slog.Value {
	return slog.StringValue(t.String())
}

// MarshalJSON renders the fingerprint.
func (t Token) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}
