package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"sensorwatch/internal/endpoints"
	"sensorwatch/internal/transport"
)

func newAuthenticator(t *testing.T, handler http.HandlerFunc) (*Authenticator, *Gate) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	registry, err := endpoints.New(server.URL)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	gate, _ := NewGate(NewMemoryStore(), fakeClock{testNow}, nil)
	a, err := NewAuthenticator(transport.NewClient(), registry, gate)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	return a, gate
}

func TestSignInStoresToken(t *testing.T) {
	a, gate := newAuthenticator(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/signin" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req endpoints.SignInRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Email != "grower@example.com" || req.Password != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"session-1"}`))
	})

	if err := a.SignIn(context.Background(), " grower@example.com ", "pw"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	token, err := gate.Load(context.Background())
	if err != nil || token != "session-1" {
		t.Fatalf("expected stored token, got %q err=%v", token, err)
	}

	err = a.SignIn(context.Background(), "grower@example.com", "wrong")
	if transport.TagOf(err) != transport.TagUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if transport.TagOf(a.SignIn(context.Background(), "", "")) != transport.TagBadRequest {
		t.Fatalf("expected bad_request for blank credentials")
	}
}

func TestSignUpConflict(t *testing.T) {
	a, _ := newAuthenticator(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	if err := a.SignUp(context.Background(), "grower@example.com", "pw"); transport.TagOf(err) != transport.TagConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestChangePasswordUnauthenticatedClearsToken(t *testing.T) {
	a, gate := newAuthenticator(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer stale" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	_ = gate.Save(context.Background(), "stale")
	if err := a.ChangePassword(context.Background(), "old", "new"); transport.TagOf(err) != transport.TagUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, err := gate.Load(context.Background()); !errors.Is(err, ErrTokenMissing) {
		t.Fatalf("expected token cleared, got %v", err)
	}
	if err := a.ChangePassword(context.Background(), "old", "new"); !errors.Is(err, ErrTokenMissing) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
