package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brandplot/brandplot-server/internal/brandapi"
	"github.com/brandplot/brandplot-server/internal/cfg"
	"github.com/brandplot/brandplot-server/internal/health"
	"github.com/brandplot/brandplot-server/internal/httpmw"
	"github.com/brandplot/brandplot-server/internal/httpserver"
	"github.com/brandplot/brandplot-server/internal/log"
	"github.com/brandplot/brandplot-server/internal/metrics"
	"github.com/brandplot/brandplot-server/internal/opshttp"
	"github.com/brandplot/brandplot-server/internal/otelx"
	"github.com/brandplot/brandplot-server/internal/prof"
	"github.com/brandplot/brandplot-server/internal/ratelimit"
	"github.com/brandplot/brandplot-server/internal/resultcache"
	v "github.com/brandplot/brandplot-server/internal/version"
)

// drainPeriod is how long readiness fails before listeners shut down, so the
// load balancer stops routing to us first.
const drainPeriod = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// cli > env > file > default
	explicit := cfg.Explicit(flag.CommandLine)
	if err := cfg.LoadEnvFile(conf.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if err := cfg.FillFromFile(flag.CommandLine, conf.ConfigFile, explicit); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, explicit, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         vi.Version,
		Commit:          vi.Commit,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JSON:            conf.LogJSON,
		MaxErrorLinks:   conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		append([]any{
			"version", vi.Version,
			"commit", vi.Commit,
			"build_id", vi.BuildId,
			"go_version", vi.GoVersion,
		}, cfg.Describe(flag.CommandLine)...)...,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// collector runs on localhost, so no TLS
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	store, closeStore, err := openStore(ctx, conf)
	if err != nil {
		L.Error(ctx, err, "failed to open result store", "backend", conf.CacheBackend)
		os.Exit(1)
	}
	defer func() {
		if err := closeStore(); err != nil {
			L.Warn(context.Background(), "result store close failed", "error", err)
		}
	}()
	L.Info(ctx, "result store ready", "backend", conf.CacheBackend, "sealed", conf.CacheKMSKeyID != "")

	results := resultcache.NewNamespace(store, conf.CacheKeyPrefix,
		resultcache.WithTTL(conf.CacheTTL()),
		resultcache.WithLogger(L.With("component", "resultcache")),
		resultcache.WithObserver(func(e resultcache.Event) { m.IncCacheEvent(string(e)) }),
	)

	quota := ratelimit.NewWindow(ctx,
		ratelimit.WithMaxRequests(conf.RateLimitMaxRequests),
		ratelimit.WithWindow(conf.RateLimitWindow),
		ratelimit.WithSweepInterval(conf.RateLimitSweepInterval),
		ratelimit.WithOnQuotaDenied(func(id string) {
			m.IncQuotaDenied()
			L.Debug(ctx, "quota exhausted", "client_id", id)
		}),
		ratelimit.WithOnSweep(m.ObserveQuotaSweep),
	)
	defer quota.Stop()

	burst := ratelimit.NewBurst(ctx,
		ratelimit.WithRate(conf.BurstPerSecond, conf.BurstSize),
		ratelimit.WithTTL(conf.BurstIdleTTL),
		ratelimit.WithMaxVisitors(conf.BurstMaxVisitors),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// logged once per client until its bucket is evicted
		ratelimit.WithOnFirstDenied(func(id string) {
			L.Warn(ctx, "rate limit triggered", "client_id", id)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted")
		}),
	)

	api := brandapi.NewAPI(results, quota)

	var gate health.ShutdownGate
	pinger, _ := store.(health.Pinger)
	readiness := health.All(
		gate.Probe(),
		health.StorePing(conf.CacheBackend, pinger, 0),
	)

	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  burst.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{FallbackToRemoteAddr: conf.ClientIPRemote},
		MaxBodyBytes: conf.MaxBodyBytes,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		APIRoutes:    api.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// the ops listener also rejects public peers itself in case the network
	// boundary is misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Set("draining")
	L.Info(bg, "shutdown gate closed, draining", "drain_period", drainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	quota.Stop()
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}

	L.Info(bg, "shutdown complete")
}

// notifySystemd sends READY=1 when started by systemd with Type=notify.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
