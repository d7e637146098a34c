package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestProbeHandlers(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthz nil", HealthzHandler(nil), http.StatusOK, "ok"},
		{"healthz ok", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok"},
		{"healthz fail", HealthzHandler(Fixed(false, "redis down")), http.StatusServiceUnavailable, "redis down"},
		{"readyz nil", ReadyzHandler(nil), http.StatusOK, "ready"},
		{"readyz ok", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready"},
		{"readyz fail", ReadyzHandler(Fixed(false, "draining")), http.StatusServiceUnavailable, "draining"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))

			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("probe responses must not be cached")
			}
		})
	}
}

func TestProbeHandler_PassesRequestContext(t *testing.T) {
	type ctxKey struct{}
	var got any
	h := ReadyzHandler(CheckFunc(func(ctx context.Context) error {
		got = ctx.Value(ctxKey{})
		return nil
	}))
	req := httptest.NewRequest(http.MethodGet, "/-/ready", nil)
	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, "v"))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "v" {
		t.Fatal("request context not passed to probe")
	}
}

func TestProbeHandler_Dynamic(t *testing.T) {
	var fail error
	h := HealthzHandler(CheckFunc(func(context.Context) error { return fail }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/healthy", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	fail = errors.New("flipped")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/healthy", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
