// Package prof starts continuous profiling via Pyroscope.
package prof

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/brandplot/brandplot-server/internal/log"
	"github.com/brandplot/brandplot-server/internal/xerrors"
)

type Options struct {
	Enabled              bool
	AppName              string
	ServerAddress        string
	TenantID             string
	Tags                 map[string]string
	ProfileMutexFraction int
	BlockProfileRate     int
	// OnActive reports whether the profiler is running, e.g. for a gauge.
	OnActive func(bool)
}

// Start launches the profiler. The returned stop func is always non-nil,
// even when err is set.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	report := func(active bool) {
		if opts.OnActive != nil {
			opts.OnActive(active)
		}
	}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		report(false)
		return func() {}, nil
	}

	if opts.ServerAddress == "" {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		L.Error(ctx, err, "pyroscope options")
		report(false)
		return func() {}, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}
	cfg := pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		Logger:          pyroLogger{ctx: ctx, l: L.With("component", "pyroscope")},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount,
			pyroscope.ProfileBlockDuration,
		},
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed",
			"server_address", opts.ServerAddress,
			"app_name", opts.AppName,
		)
		report(false)
		return func() {}, xerrors.Wrap(err, "start pyroscope")
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
	)
	report(true)

	return func() {
		_ = profiler.Stop()
		report(false)
		L.Info(context.Background(), "pyroscope stopped", "app_name", opts.AppName)
	}, nil
}

// pyroLogger routes the profiler's own messages into the service logger.
type pyroLogger struct {
	ctx context.Context
	l   log.Logger
}

func (p pyroLogger) Infof(format string, args ...any) {
	p.l.Info(p.ctx, fmt.Sprintf(format, args...))
}

func (p pyroLogger) Debugf(format string, args ...any) {
	p.l.Debug(p.ctx, fmt.Sprintf(format, args...))
}

func (p pyroLogger) Errorf(format string, args ...any) {
	p.l.Error(p.ctx, xerrors.Newf(format, args...), "pyroscope")
}
