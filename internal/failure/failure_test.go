package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := Wrap(AuthenticationFailed, ErrRequestTimeout, "authorize")

	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Error("expected errors.Is(err, ErrAuthenticationFailed)")
	}
	if !errors.Is(err, ErrRequestTimeout) {
		t.Error("expected cause chain to match ErrRequestTimeout")
	}
	if errors.Is(err, ErrCircuitOpen) {
		t.Error("did not expect match on ErrCircuitOpen")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), ""},
		{"direct", New(CircuitOpen, "open"), CircuitOpen},
		{"wrapped", fmt.Errorf("buy: %w", New(Rejected, "nope")), Rejected},
		{"context", context.DeadlineExceeded, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: Rejected, Code: "InvalidContractProposal", Message: "proposal expired"}
	want := "Rejected: proposal expired (InvalidContractProposal)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRetryable(t *testing.T) {
	for _, k := range []Kind{ConnectionTimeout, ConnectionClosed} {
		if !Retryable(k) {
			t.Errorf("Retryable(%s) = false, want true", k)
		}
	}
	for _, k := range []Kind{AuthenticationFailed, PermissionDenied, CircuitOpen, Rejected, RequestTimeout} {
		if Retryable(k) {
			t.Errorf("Retryable(%s) = true, want false", k)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("guard: %w", &Error{Kind: CircuitOpen, RetryAfter: 12 * time.Second})
	d, ok := RetryAfter(err)
	if !ok || d != 12*time.Second {
		t.Errorf("RetryAfter() = %v, %v; want 12s, true", d, ok)
	}

	if _, ok := RetryAfter(New(Rejected, "x")); ok {
		t.Error("expected no retry-after hint")
	}
}
