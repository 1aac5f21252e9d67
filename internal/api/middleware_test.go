package api

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		wantOrigin string
		wantCode   int
	}{
		{"allow all", []string{"*"}, http.MethodGet, "https://example.com", "https://example.com", http.StatusOK},
		{"specific allowed", []string{"https://allowed.com"}, http.MethodGet, "https://allowed.com", "https://allowed.com", http.StatusOK},
		{"specific denied", []string{"https://allowed.com"}, http.MethodGet, "https://denied.com", "", http.StatusOK},
		{"disabled", nil, http.MethodGet, "https://example.com", "", http.StatusOK},
		{"no origin header", []string{"*"}, http.MethodGet, "", "", http.StatusOK},
		{"preflight", []string{"*"}, http.MethodOptions, "https://example.com", "https://example.com", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := CORS(tt.allowed)(okHandler())

			req := httptest.NewRequest(tt.method, "/api/v1/jobs", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if tt.method == http.MethodOptions && !strings.Contains(rr.Header().Get("Access-Control-Allow-Methods"), "PUT") {
				t.Error("preflight should allow PUT")
			}
		})
	}
}

func TestChain_Order(t *testing.T) {
	t.Parallel()
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mark("a"), mark("b"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if want := []string{"a", "b", "handler"}; !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestRequestID(t *testing.T) {
	t.Parallel()
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	header := rr.Header().Get("X-Request-ID")
	if header == "" {
		t.Fatal("missing X-Request-ID header")
	}
	if seen != header {
		t.Errorf("context id = %q, header = %q", seen, header)
	}
}

func TestLogging(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), RequestID, Logging(logger))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/jobs/x", nil))

	out := buf.String()
	for _, want := range []string{"method=GET", "path=/api/v1/jobs/x", "status=418", "request_id="} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "request_id= ") || strings.HasSuffix(strings.TrimSpace(out), "request_id=") {
		t.Errorf("request id not propagated:\n%s", out)
	}
}
