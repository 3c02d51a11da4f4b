package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenReturnsCachedWhileFresh(t *testing.T) {
	var calls int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer tokenSrv.Close()

	src, err := NewTokenSource(TokenSourceConfig{TokenURL: tokenSrv.URL, ClientID: "client-1"})
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}
	src.Store("sess-1", "access-1", "refresh-1", time.Now().Add(time.Hour))

	got, err := src.Token(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got != "access-1" {
		t.Fatalf("token = %q, want cached access-1", got)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("token endpoint should not be called for a fresh token")
	}
}

func TestTokenRefreshesExpiredSilently(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %q", got)
		}
		if got := r.PostForm.Get("client_id"); got != "client-1" {
			t.Errorf("client_id = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-2",
			"refresh_token": "refresh-2",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()

	src, err := NewTokenSource(TokenSourceConfig{TokenURL: tokenSrv.URL, ClientID: "client-1"})
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}
	src.Store("sess-1", "access-1", "refresh-1", time.Now().Add(-time.Minute))

	got, err := src.Token(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got != "access-2" {
		t.Fatalf("token = %q, want refreshed access-2", got)
	}

	// The refreshed token is cached; a second call must not hit the endpoint
	// again, which the rotated refresh token would reveal as a test error.
	got, err = src.Token(context.Background(), "sess-1")
	if err != nil || got != "access-2" {
		t.Fatalf("second token call: got %q err %v", got, err)
	}
}

func TestTokenUnknownSessionNotAuthenticated(t *testing.T) {
	src, err := NewTokenSource(TokenSourceConfig{TokenURL: "http://localhost:0", ClientID: "client-1"})
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}
	if _, err := src.Token(context.Background(), "missing"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestTokenFailedRefreshNotAuthenticated(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer tokenSrv.Close()

	src, err := NewTokenSource(TokenSourceConfig{TokenURL: tokenSrv.URL, ClientID: "client-1"})
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}
	src.Store("sess-1", "", "refresh-1", time.Time{})
	if _, err := src.Token(context.Background(), "sess-1"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestSignOutDropsSession(t *testing.T) {
	src, err := NewTokenSource(TokenSourceConfig{TokenURL: "http://localhost:0", ClientID: "client-1"})
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}
	src.Store("sess-1", "access-1", "refresh-1", time.Now().Add(time.Hour))
	src.SignOut("sess-1")
	if _, err := src.Token(context.Background(), "sess-1"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated after sign-out, got %v", err)
	}
}
