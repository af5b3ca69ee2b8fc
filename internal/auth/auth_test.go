package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testSecret = "a1B2c3D4e5F6g7H"

func TestNewToken(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", testSecret, false},
		{"trimmed", "  " + testSecret + "\n", false},
		{"empty", "   ", true},
		{"short", "abc", true},
		{"inner space", "abcd efgh ijkl", true},
		{"non ascii", "abcdefghé", true},
		{"too long", strings.Repeat("x", MaxTokenLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := NewToken(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tok.Reveal() != testSecret {
				t.Errorf("Reveal() = %q", tok.Reveal())
			}
		})
	}

	if _, err := NewToken(""); !errors.Is(err, ErrEmptyToken) {
		t.Errorf("NewToken(\"\") error = %v, want ErrEmptyToken", err)
	}
}

func TestToken_NeverFormatsSecret(t *testing.T) {
	tok, err := NewToken(testSecret)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	outputs := []string{
		tok.String(),
		fmt.Sprintf("%v", tok),
		fmt.Sprintf("%+v", tok),
		fmt.Sprintf("%#v", tok),
		fmt.Sprintf("%s", tok),
		fmt.Errorf("authorize %v: failed", tok).Error(),
	}

	data, err := json.Marshal(struct{ T Token }{tok})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	outputs = append(outputs, string(data))

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("authorizing", "token", tok)
	outputs = append(outputs, buf.String())

	for _, out := range outputs {
		if strings.Contains(out, testSecret) {
			t.Errorf("secret leaked in %q", out)
		}
		if !strings.Contains(out, tok.Fingerprint()) {
			t.Errorf("fingerprint missing from %q", out)
		}
	}
}

func TestToken_Fingerprint(t *testing.T) {
	a, _ := NewToken(testSecret)
	b, _ := NewToken(testSecret)
	c, _ := NewToken("zzzzzzzzzzzz")

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprint not stable")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("distinct tokens share a fingerprint")
	}
	if len(a.Fingerprint()) != 8 {
		t.Errorf("len(Fingerprint()) = %d, want 8", len(a.Fingerprint()))
	}
	if !(Token{}).IsZero() || a.IsZero() {
		t.Error("IsZero mismatch")
	}
}

func TestLoadToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte(testSecret+"\n"), 0600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	tok, err := LoadToken(path)
	if err != nil {
		t.Fatalf("LoadToken() error = %v", err)
	}
	if tok.Reveal() != testSecret {
		t.Errorf("Reveal() = %q", tok.Reveal())
	}

	if _, err := LoadToken(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadToken(""); err == nil {
		t.Error("expected error for empty path")
	}
}
