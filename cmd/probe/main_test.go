package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rickgao/brokerlink/internal/probe"
)

func TestParseRequired(t *testing.T) {
	got, err := parseRequired(" trade, read_balance ")
	if err != nil {
		t.Fatalf("parseRequired: %v", err)
	}
	if len(got) != 2 || got[0] != probe.Trade || got[1] != probe.ReadBalance {
		t.Errorf("got %v", got)
	}

	if got, err := parseRequired(""); err != nil || got != nil {
		t.Errorf("empty = %v, %v", got, err)
	}
	if _, err := parseRequired("trade,withdraw"); err == nil {
		t.Error("expected error for unknown permission")
	}
}

func TestReadToken(t *testing.T) {
	t.Run("env", func(t *testing.T) {
		t.Setenv("BROKER_TOKEN", "env-token-000001")
		tok, err := readToken("")
		if err != nil {
			t.Fatalf("readToken: %v", err)
		}
		if tok.Reveal() != "env-token-000001" {
			t.Error("token not read from environment")
		}
	})

	t.Run("file wins over env", func(t *testing.T) {
		t.Setenv("BROKER_TOKEN", "env-token-000001")
		path := filepath.Join(t.TempDir(), "token")
		if err := os.WriteFile(path, []byte("file-token-00001\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		tok, err := readToken(path)
		if err != nil {
			t.Fatalf("readToken: %v", err)
		}
		if tok.Reveal() != "file-token-00001" {
			t.Error("token not read from file")
		}
	})

	t.Run("missing", func(t *testing.T) {
		t.Setenv("BROKER_TOKEN", "")
		if _, err := readToken(""); err == nil {
			t.Error("expected error without a token")
		}
	})
}
