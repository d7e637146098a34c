package opshttp

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brandplot/brandplot-server/internal/health"
	"github.com/brandplot/brandplot-server/internal/log"
)

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startOps(t *testing.T, opts *Options) int {
	t.Helper()
	if opts.Port == 0 {
		opts.Port = getFreePort(t)
	}
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = stop(ctx) })
	return opts.Port
}

func opsGet(t *testing.T, port int, path string) (int, string) {
	t.Helper()
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestStart_ProbeEndpoints(t *testing.T) {
	port := startOps(t, &Options{
		Health:    health.Fixed(true, ""),
		Readiness: health.Fixed(false, "redis: ping failed"),
	})

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{"/-/healthy", http.StatusOK, "ok"},
		{"/healthz", http.StatusOK, "ok"},
		{"/-/ready", http.StatusServiceUnavailable, "redis: ping failed"},
		{"/readyz", http.StatusServiceUnavailable, "redis: ping failed"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, body := opsGet(t, port, tt.path)
			if code != tt.wantCode || !strings.Contains(body, tt.wantBody) {
				t.Fatalf("GET %s = %d %q, want %d %q", tt.path, code, body, tt.wantCode, tt.wantBody)
			}
		})
	}
}

func TestStart_ShutdownGate(t *testing.T) {
	var gate health.ShutdownGate
	port := startOps(t, &Options{Readiness: gate.Probe()})

	if code, _ := opsGet(t, port, "/-/ready"); code != http.StatusOK {
		t.Fatalf("before drain: %d", code)
	}
	gate.Set("draining")
	if code, body := opsGet(t, port, "/-/ready"); code != http.StatusServiceUnavailable || !strings.Contains(body, "draining") {
		t.Fatalf("after drain: %d %q", code, body)
	}
}

func TestStart_Metrics(t *testing.T) {
	port := startOps(t, &Options{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# HELP brandplot_fake fake\n"))
		}),
	})
	code, body := opsGet(t, port, "/metrics")
	if code != http.StatusOK || !strings.Contains(body, "brandplot_fake") {
		t.Fatalf("GET /metrics = %d %q", code, body)
	}
}

func TestStart_NoMetricsHandler(t *testing.T) {
	port := startOps(t, &Options{})
	if code, _ := opsGet(t, port, "/metrics"); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestStart_Pprof(t *testing.T) {
	on := startOps(t, &Options{EnablePprof: true})
	if code, body := opsGet(t, on, "/debug/pprof/"); code != http.StatusOK || !strings.Contains(body, "goroutine") {
		t.Fatalf("pprof enabled: %d", code)
	}

	off := startOps(t, &Options{})
	if code, _ := opsGet(t, off, "/debug/pprof/"); code != http.StatusNotFound {
		t.Fatalf("pprof disabled: %d, want 404", code)
	}
}

func TestStart_StopIdempotentAndCloses(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()
	stop, err := Start(ctx, log.Nop(), &Options{Port: port})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	opsGet(t, port, "/-/healthy")

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := stop(sctx); err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	client := http.Client{Timeout: time.Second}
	if resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/-/healthy", port)); err == nil {
		resp.Body.Close()
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := startOps(t, &Options{})
	if _, err := Start(context.Background(), log.Nop(), &Options{Port: port}); err == nil {
		t.Fatal("expected error for port conflict")
	}
}

func TestRequireNonPublicNetwork(t *testing.T) {
	tests := []struct {
		addr string
		want int
	}{
		{"127.0.0.1:12345", http.StatusOK},
		{"[::1]:12345", http.StatusOK},
		{"10.0.0.1:8080", http.StatusOK},
		{"172.16.0.1:8080", http.StatusOK},
		{"192.168.1.1:8080", http.StatusOK},
		{"169.254.1.1:8080", http.StatusOK},
		{"[fd00::1]:8080", http.StatusOK},
		{"[::ffff:10.0.0.1]:12345", http.StatusOK},
		{"8.8.8.8:12345", http.StatusForbidden},
		{"203.0.113.1:80", http.StatusForbidden},
		{"[2001:4860:4860::8888]:443", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:12345", http.StatusForbidden},
		{"999.999.999.999:8080", http.StatusForbidden},
		{"not-an-address", http.StatusForbidden},
		{"", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			called := false
			h := requireNonPublicNetwork(log.Nop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
			req.RemoteAddr = tt.addr
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if called != (tt.want == http.StatusOK) {
				t.Fatalf("handler called = %v", called)
			}
		})
	}
}

func TestRequireNonPublicNetwork_IgnoresForwardedFor(t *testing.T) {
	h := requireNonPublicNetwork(log.Nop(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	req.RemoteAddr = "8.8.8.8:1234"
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
