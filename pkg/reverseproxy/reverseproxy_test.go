package reverseproxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/charonproxy/gateway/pkg/gatewayerrors"
)

func TestParsePathSplitsServiceAndRemainder(t *testing.T) {
	service, remaining, err := ParsePath("/api", "/api/auth/v1/login")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if service != "auth" || remaining != "v1/login" {
		t.Fatalf("got service=%q remaining=%q", service, remaining)
	}
}

func TestParsePathWithoutPrefixMatch(t *testing.T) {
	service, remaining, err := ParsePath("/api", "/auth/login")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if service != "auth" || remaining != "login" {
		t.Fatalf("got service=%q remaining=%q", service, remaining)
	}
}

func TestParsePathServiceOnlyNoRemainder(t *testing.T) {
	service, remaining, err := ParsePath("", "/auth")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if service != "auth" || remaining != "" {
		t.Fatalf("got service=%q remaining=%q", service, remaining)
	}
}

func TestParsePathEmptyServiceIsBadPath(t *testing.T) {
	_, _, err := ParsePath("/api", "/api/")
	if err != gatewayerrors.ErrBadPath {
		t.Fatalf("expected ErrBadPath, got %v", err)
	}
}

func TestParsePathRootIsBadPath(t *testing.T) {
	_, _, err := ParsePath("", "/")
	if err != gatewayerrors.ErrBadPath {
		t.Fatalf("expected ErrBadPath, got %v", err)
	}
}

func TestForwardStreamsResponseAndHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-For") == "" {
			t.Error("expected X-Forwarded-For to be set on the upstream request")
		}
		if r.URL.Path != "/v1/login" {
			t.Errorf("expected upstream path /v1/login, got %s", r.URL.Path)
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	p := New(DefaultConfig())
	req := httptest.NewRequest(http.MethodPost, "/api/auth/v1/login", nil)
	rw := httptest.NewRecorder()

	rec := p.Forward(rw, req, upstream.URL, "v1/login", "203.0.113.1", "corr-1", true)

	if rec.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.StatusCode)
	}
	if rw.Header().Get("X-Upstream") != "yes" {
		t.Fatal("expected upstream response headers to be forwarded")
	}
	body, _ := io.ReadAll(rw.Body)
	if string(body) != "ok" {
		t.Fatalf("expected forwarded body 'ok', got %q", body)
	}
}

func TestForwardDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	p := New(DefaultConfig())
	req := httptest.NewRequest(http.MethodGet, "/api/auth/x", nil)
	rw := httptest.NewRecorder()

	rec := p.Forward(rw, req, upstream.URL, "x", "203.0.113.1", "corr-1", true)
	if rec.StatusCode != http.StatusFound {
		t.Fatalf("expected the 302 to be passed through untouched, got %d", rec.StatusCode)
	}
}

func TestForwardHoldsBack5xxWhenFaultNotAllowed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer upstream.Close()

	p := New(DefaultConfig())
	req := httptest.NewRequest(http.MethodGet, "/api/auth/x", nil)
	rw := httptest.NewRecorder()

	rec := p.Forward(rw, req, upstream.URL, "x", "203.0.113.1", "corr-1", false)

	if rec.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected the recorder to observe the 500, got %d", rec.StatusCode)
	}
	if rec.Err == nil {
		t.Fatal("expected a retryable-status error to be recorded")
	}
	if rw.Code != 200 {
		t.Fatalf("expected nothing written to the ResponseWriter yet (default code 200), got %d", rw.Code)
	}
	if rw.Body.Len() != 0 {
		t.Fatalf("expected no body written when the fault is held back for retry, got %q", rw.Body.String())
	}
}

func TestForwardReportsFaultOnConnectionRefused(t *testing.T) {
	p := New(DefaultConfig())
	req := httptest.NewRequest(http.MethodGet, "/api/auth/x", nil)
	rw := httptest.NewRecorder()

	rec := p.Forward(rw, req, "http://127.0.0.1:1", "x", "203.0.113.1", "corr-1", true)
	if rec.Err == nil {
		t.Fatal("expected an error to be recorded for a connection failure")
	}
	if rec.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.StatusCode)
	}
}

func TestForwardHoldsBackTransportFaultWhenFaultNotAllowed(t *testing.T) {
	p := New(DefaultConfig())
	req := httptest.NewRequest(http.MethodGet, "/api/auth/x", nil)
	rw := httptest.NewRecorder()

	rec := p.Forward(rw, req, "http://127.0.0.1:1", "x", "203.0.113.1", "corr-1", false)

	if rec.Err == nil {
		t.Fatal("expected an error to be recorded for a connection failure")
	}
	if rec.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected the recorder to observe 502, got %d", rec.StatusCode)
	}
	if rw.Code != 200 {
		t.Fatalf("expected nothing written to the ResponseWriter yet (default code 200), got %d", rw.Code)
	}
	if rw.Body.Len() != 0 {
		t.Fatalf("expected no body written when a transport fault is held back for retry, got %q", rw.Body.String())
	}
}
