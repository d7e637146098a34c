package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
)

func TestStatusWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	_, _ = sw.Write([]byte("abc"))
	_, _ = sw.Write([]byte("defgh"))
	if sw.status != http.StatusOK || sw.n != 8 {
		t.Fatalf("implicit write: status=%d n=%d", sw.status, sw.n)
	}

	rec = httptest.NewRecorder()
	sw = &statusWriter{ResponseWriter: rec}
	sw.WriteHeader(http.StatusCreated)
	_, _ = sw.Write([]byte("body"))
	if sw.status != http.StatusCreated || rec.Code != http.StatusCreated || sw.n != 4 {
		t.Fatalf("explicit header: status=%d rec=%d n=%d", sw.status, rec.Code, sw.n)
	}
}

func TestMiddleware_RequestLabels(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		handler    http.HandlerFunc
		wantStatus string
	}{
		{"explicit 404", http.MethodPost, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}, "404"},
		{"implicit 200 on write", http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("x"))
		}, "200"},
		{"no write", http.MethodGet, func(http.ResponseWriter, *http.Request) {}, "200"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.Middleware(tt.handler).ServeHTTP(httptest.NewRecorder(),
				httptest.NewRequest(tt.method, "/api/brands/acme-brandplot/result", http.NoBody))

			f := gatherMetric(t, m.reg, "http_requests_total")
			l := labelsOf(f.GetMetric()[0])
			if l["method"] != tt.method || l["status"] != tt.wantStatus {
				t.Fatalf("labels = %v", l)
			}
			if l["route"] != unmatchedRoute {
				t.Fatalf("raw path leaked into route label: %q", l["route"])
			}
		})
	}
}

func TestMiddleware_ChiRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Get("/api/brands/{id}/result", func(w http.ResponseWriter, r *http.Request) {})

	for _, id := range []string{"acme-brandplot", "globex-brandplot"} {
		m.Middleware(r).ServeHTTP(httptest.NewRecorder(),
			httptest.NewRequest(http.MethodGet, "/api/brands/"+id+"/result", http.NoBody))
	}

	f := gatherMetric(t, m.reg, "http_requests_total")
	if len(f.GetMetric()) != 1 {
		t.Fatalf("series = %d, want 1 (route pattern, not path)", len(f.GetMetric()))
	}
	if got := labelsOf(f.GetMetric()[0])["route"]; got != "/api/brands/{id}/result" {
		t.Fatalf("route = %q", got)
	}
	if got := counterValue(t, m.reg, "http_requests_total"); got != 2 {
		t.Fatalf("total = %v, want 2", got)
	}
}

func TestMiddleware_InsideChiUse(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/quota", func(w http.ResponseWriter, r *http.Request) {})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/quota", http.NoBody))

	f := gatherMetric(t, m.reg, "http_requests_total")
	if got := labelsOf(f.GetMetric()[0])["route"]; got != "/api/quota" {
		t.Fatalf("route = %q", got)
	}
}

func TestMiddleware_ErrorCounter(t *testing.T) {
	tests := []struct {
		code int
		want float64
	}{
		{http.StatusOK, 0},
		{http.StatusTooManyRequests, 0},
		{http.StatusInternalServerError, 1},
		{http.StatusServiceUnavailable, 1},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			m := New()
			m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

			f := gatherMetric(t, m.reg, "http_errors_total")
			var got float64
			if f != nil {
				got = f.GetMetric()[0].GetCounter().GetValue()
			}
			if got != tt.want {
				t.Fatalf("http_errors_total = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMiddleware_InflightAndHistograms(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		during = gaugeValue(t, m.reg, "http_inflight_requests")
		_, _ = w.Write([]byte("hello world"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if during != 1 {
		t.Fatalf("inflight during = %v, want 1", during)
	}
	if after := gaugeValue(t, m.reg, "http_inflight_requests"); after != 0 {
		t.Fatalf("inflight after = %v, want 0", after)
	}
	if n := histogramCount(t, m.reg, "http_request_duration_seconds"); n != 1 {
		t.Fatalf("duration samples = %d", n)
	}
	f := gatherMetric(t, m.reg, "http_response_size_bytes")
	if sum := f.GetMetric()[0].GetHistogram().GetSampleSum(); sum != 11 {
		t.Fatalf("response size sum = %v, want 11", sum)
	}
}

func TestMiddleware_Passthrough(t *testing.T) {
	m := New()
	rec := httptest.NewRecorder()
	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"too many requests"}`))
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "30" {
		t.Fatalf("response altered: %d %v", rec.Code, rec.Header())
	}
}

func TestTraceExemplar(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")

	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"no span", context.Background(), ""},
		{"invalid", trace.ContextWithSpanContext(context.Background(), trace.SpanContext{}), ""},
		{"not sampled", trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID, SpanID: spanID,
		})), ""},
		{"sampled", trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
		})), "0102030405060708090a0b0c0d0e0f10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := traceExemplar(tt.ctx)
			if tt.want == "" {
				if got != nil {
					t.Fatalf("exemplar = %v, want nil", got)
				}
				return
			}
			if got["trace_id"] != tt.want {
				t.Fatalf("trace_id = %q", got["trace_id"])
			}
		})
	}
}
