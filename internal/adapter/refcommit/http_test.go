package refcommit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/grokomation/ephemerald/internal/port/refcommit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHTTPResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"commit": "abc123def456"}`))
	}))
	defer srv.Close()

	got, err := NewHTTPResolver(srv.URL).ResolveReferenceCommit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "abc123def456" {
		t.Errorf("expected abc123def456, got %q", got)
	}
}

func TestHTTPResolverBadResponses(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"empty commit": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"commit": ""}`))
		},
		"not json": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`deploy ok`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			if _, err := NewHTTPResolver(srv.URL).ResolveReferenceCommit(context.Background()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestChainFallsBack(t *testing.T) {
	failing := refcommit.Func(func(context.Context) (string, error) {
		return "", errors.New("unreachable")
	})
	fallback := refcommit.Func(func(context.Context) (string, error) {
		return "headhash", nil
	})

	got, err := NewChain(testLogger(), failing, fallback).ResolveReferenceCommit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "headhash" {
		t.Errorf("expected fallback result, got %q", got)
	}
}

func TestChainAllFail(t *testing.T) {
	want := errors.New("no head")
	failing := refcommit.Func(func(context.Context) (string, error) { return "", want })

	_, err := NewChain(testLogger(), failing, failing).ResolveReferenceCommit(context.Background())
	if !errors.Is(err, want) {
		t.Errorf("expected last error, got %v", err)
	}
}

func TestChainEmpty(t *testing.T) {
	if _, err := NewChain(testLogger()).ResolveReferenceCommit(context.Background()); err == nil {
		t.Error("empty chain should fail")
	}
}
