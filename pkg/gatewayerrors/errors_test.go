package gatewayerrors

import (
	"errors"
	"net/http"
	"testing"
)

func TestToHTTPMapsSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrNoHealthyInstance, http.StatusServiceUnavailable},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrCircuitOpen, http.StatusServiceUnavailable},
		{ErrBadPath, http.StatusBadRequest},
		{ErrServiceNotFound, http.StatusNotFound},
		{ErrUpstreamFault, http.StatusBadGateway},
		{errors.New("something unexpected"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		got := ToHTTP(tc.err)
		if got.HTTPStatusCode() != tc.want {
			t.Errorf("ToHTTP(%v): want %d, got %d", tc.err, tc.want, got.HTTPStatusCode())
		}
	}
}

func TestToHTTPCircuitOpenMessageMatchesLiteralBody(t *testing.T) {
	got := ToHTTP(ErrCircuitOpen)
	if got.Message != "Service unavailable (circuit breaker open)" {
		t.Fatalf("expected the literal scenario message, got %q", got.Message)
	}
}

func TestToHTTPPassesThroughExistingGatewayError(t *testing.T) {
	original := New(http.StatusTeapot, "already mapped", ErrBadPath)
	got := ToHTTP(original)
	if got != original {
		t.Fatal("expected an existing GatewayError to be returned unchanged")
	}
}

func TestToHTTPOnNilReturnsNil(t *testing.T) {
	if ToHTTP(nil) != nil {
		t.Fatal("expected ToHTTP(nil) to return nil")
	}
}

func TestGatewayErrorUnwrap(t *testing.T) {
	wrapped := New(http.StatusBadGateway, "upstream failed", ErrUpstreamFault)
	if !errors.Is(wrapped, ErrUpstreamFault) {
		t.Fatal("expected errors.Is to see through GatewayError to its wrapped cause")
	}
}
