package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/cycletrack/internal/auth"
)

func TestCORSMiddlewareAnswersPreflight(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the inner handler")
	})

	req := httptest.NewRequest(http.MethodOptions, "/v1/device-update", nil)
	rr := httptest.NewRecorder()
	CORSMiddleware(next).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Fatalf("unexpected preflight body %q", rr.Body.String())
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing Access-Control-Allow-Origin header")
	}
}

func TestCORSHeadersSurviveAuthRejection(t *testing.T) {
	mw := auth.NewMiddleware(auth.Config{Secret: "test-secret", Issuer: "cycletrack.identity"}, nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without credentials")
	})

	// Auth sits inside CORS so the dashboard can read rejection bodies
	// cross-origin.
	chain := CORSMiddleware(mw.Wrap(next))

	req := httptest.NewRequest(http.MethodPost, "/v1/toggle-lock", nil)
	rr := httptest.NewRecorder()
	chain.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("401 responses must still carry CORS headers")
	}

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("expected error detail, got %s", rr.Body.String())
	}
}
