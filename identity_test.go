package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestParseIdentity(t *testing.T) {
	t.Run("email claim", func(t *testing.T) {
		exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
		tok := signTestToken(t, jwt.MapClaims{"email": testSelf, "name": "Alice", "sub": "42", "exp": exp.Unix()})
		id, err := ParseIdentity(tok)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id.ID != testSelf || id.Name != "Alice" || id.Token != tok || !id.ExpiresAt.Equal(exp) {
			t.Fatalf("unexpected identity: %+v", id)
		}
		if id.Expired(exp.Add(-time.Minute)) || !id.Expired(exp.Add(time.Minute)) {
			t.Fatal("unexpected expiry evaluation")
		}
	})

	t.Run("bearer prefix and subject fallback", func(t *testing.T) {
		tok := signTestToken(t, jwt.MapClaims{"sub": testPeer})
		id, err := ParseIdentity("Bearer " + tok)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id.ID != testPeer || !id.ExpiresAt.IsZero() || id.Expired(time.Now()) {
			t.Fatalf("unexpected identity: %+v", id)
		}
	})

	t.Run("no identity claim", func(t *testing.T) {
		tok := signTestToken(t, jwt.MapClaims{"name": "nobody"})
		if _, err := ParseIdentity(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		for _, tok := range []string{"", "   ", "not-a-jwt", "a.b.c"} {
			if _, err := ParseIdentity(tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken for %q, got %v", tok, err)
			}
		}
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network code", &APIError{Code: "NETWORK_ERROR"}, true},
		{"timeout code", &APIError{Code: "TIMEOUT"}, true},
		{"wrapped api error", fmt.Errorf("send: %w", &APIError{Code: "GATEWAY_TIMEOUT"}), true},
		{"permanent code", &APIError{Code: "NOT_FOUND"}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"not connected", ErrNotConnected, true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
