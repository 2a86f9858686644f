// Package reverseproxy parses an inbound path into (service, remaining
// path) and streams the request through to a resolved instance.
package reverseproxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/charonproxy/gateway/pkg/gatewayerrors"
)

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1 —
// grounded on the teacher's forwardRequest, which strips the same set
// before copying headers onto the outbound request.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ParsePath splits an inbound request path into a service name and the
// remaining path to forward, after stripping prefix. Grounded on
// original_source's RequestRouter._parse_path: strip the gateway
// prefix, split on the first remaining '/'. An empty service segment
// is an error (spec.md's Open Question: answered as 400, not a
// catch-all 404).
func ParsePath(prefix, path string) (service, remaining string, err error) {
	trimmed := strings.TrimPrefix(path, prefix)
	trimmed = strings.TrimPrefix(trimmed, "/")

	if trimmed == "" {
		return "", "", gatewayerrors.ErrBadPath
	}

	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", gatewayerrors.ErrBadPath
	}

	service = parts[0]
	if len(parts) == 2 {
		remaining = parts[1]
	}
	return service, remaining, nil
}

// Config tunes outbound connection behavior.
type Config struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig matches spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Proxy builds one-off *httputil.ReverseProxy instances targeting a
// resolved instance's base URL, streaming the response body directly
// into the client's http.ResponseWriter instead of buffering it in
// memory — a deliberate departure from the teacher's BoatFerry, whose
// forwardRequest reads the whole upstream body into a bytes.Buffer
// before returning it up the call stack.
type Proxy struct {
	cfg Config
}

// New creates a Proxy with cfg.
func New(cfg Config) *Proxy {
	return &Proxy{cfg: cfg}
}

// OutcomeRecorder observes the proxied response's status so the
// pipeline can feed it back into the circuit breaker and metrics
// without buffering the body itself.
type OutcomeRecorder struct {
	http.ResponseWriter
	StatusCode int
	Err        error
}

func (r *OutcomeRecorder) WriteHeader(code int) {
	r.StatusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// errRetryableStatus marks an upstream response that arrived with a
// 5xx status but was held back from the client because the caller
// still has retries left (see Forward's allowFault parameter). Its
// status is only a judgement, not a transport failure.
type errRetryableStatus struct {
	code int
}

func (e *errRetryableStatus) Error() string {
	return fmt.Sprintf("upstream returned %d", e.code)
}

// Forward proxies req to targetBase+remainingPath, streaming the
// response into w. clientIP, and the inbound request's scheme/host,
// are added as X-Forwarded-* headers; the Host header is stripped so
// the upstream sees its own host, and redirects are never followed
// (matching original_source's follow_redirects=False).
//
// allowFault controls what happens to a 5xx upstream response: when
// true it is streamed to w verbatim (the caller has committed to this
// attempt, win or lose). When false, a 5xx is held back — nothing is
// written to w — so the caller can retry against another instance
// without double-writing the ResponseWriter; the status is still
// reported on the returned OutcomeRecorder so the caller can classify
// the failure.
func (p *Proxy) Forward(w http.ResponseWriter, req *http.Request, targetBase, remainingPath, clientIP, correlationID string, allowFault bool) *OutcomeRecorder {
	target, err := url.Parse(targetBase)
	if err != nil {
		rec := &OutcomeRecorder{ResponseWriter: w, Err: err}
		http.Error(w, "invalid upstream target", http.StatusBadGateway)
		rec.StatusCode = http.StatusBadGateway
		return rec
	}

	rec := &OutcomeRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
	path := "/" + strings.TrimPrefix(remainingPath, "/")

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = path
			pr.Out.Host = target.Host
			pr.Out.Header.Del("Host")
			for _, h := range hopByHopHeaders {
				pr.Out.Header.Del(h)
			}
			pr.Out.Header.Set("X-Forwarded-For", clientIP)
			pr.Out.Header.Set("X-Forwarded-Proto", schemeOf(req))
			pr.Out.Header.Set("X-Forwarded-Host", req.Host)
			pr.Out.Header.Set("X-Request-ID", correlationID)
		},
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: p.cfg.DialTimeout}).DialContext,
			ResponseHeaderTimeout: p.cfg.RequestTimeout,
		},
		ModifyResponse: func(resp *http.Response) error {
			rec.StatusCode = resp.StatusCode
			if !allowFault && resp.StatusCode >= http.StatusInternalServerError {
				return &errRetryableStatus{code: resp.StatusCode}
			}
			return nil
		},
		ErrorHandler: func(rw http.ResponseWriter, r *http.Request, e error) {
			if rs, ok := e.(*errRetryableStatus); ok {
				rec.StatusCode = rs.code
				rec.Err = rs
				return
			}
			rec.Err = e
			rec.StatusCode = http.StatusBadGateway
			if !allowFault {
				// A transport fault (connection refused, timeout, reset)
				// on an attempt the caller still has retries left for.
				// Nothing has been written to rw yet at this point —
				// RoundTrip failed before any response existed — so
				// leave it that way: the caller retries against another
				// instance and writes the real response itself.
				return
			}
			http.Error(rw, "upstream error", http.StatusBadGateway)
		},
	}

	rp.ServeHTTP(rec, req)
	return rec
}

func schemeOf(req *http.Request) string {
	if req.TLS != nil {
		return "https"
	}
	if proto := req.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}

// IsUpstreamFault reports whether err (as recorded by the
// ErrorHandler) should be classified as a circuit-breaker failure.
func IsUpstreamFault(err error) bool {
	return err != nil && !errors.Is(err, http.ErrAbortHandler)
}
