package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.Issue(Identity{ID: "u1", Username: "alice", Email: "a@x.io"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	identity, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if identity.ID != "u1" || identity.Username != "alice" || identity.Email != "a@x.io" {
		t.Errorf("Identity mismatch: %+v", identity)
	}
}

func TestVerifyMissingToken(t *testing.T) {
	v := NewVerifier("test-secret")
	if _, err := v.Verify(""); !errors.Is(err, ErrNoToken) {
		t.Errorf("Expected ErrNoToken, got %v", err)
	}
}

func TestVerifyBadToken(t *testing.T) {
	v := NewVerifier("test-secret")

	if _, err := v.Verify("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken, got %v", err)
	}

	// Token signed by another secret.
	other := NewVerifier("other-secret")
	token, _ := other.Issue(Identity{ID: "u1"}, time.Minute)
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v := NewVerifier("test-secret")
	token, _ := v.Issue(Identity{ID: "u1"}, -time.Minute)
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyRequestCookie(t *testing.T) {
	v := NewVerifier("test-secret")
	token, _ := v.Issue(Identity{ID: "u1", Username: "alice"}, time.Minute)

	r := httptest.NewRequest(http.MethodGet, "/ws?room=r1", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: token})

	identity, err := v.VerifyRequest(r)
	if err != nil {
		t.Fatalf("VerifyRequest failed: %v", err)
	}
	if identity.Username != "alice" {
		t.Errorf("Expected alice, got %q", identity.Username)
	}

	bare := httptest.NewRequest(http.MethodGet, "/ws?room=r1", nil)
	if _, err := v.VerifyRequest(bare); !errors.Is(err, ErrNoToken) {
		t.Errorf("Expected ErrNoToken without cookie, got %v", err)
	}
}
