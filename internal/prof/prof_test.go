package prof

import (
	"context"
	"strings"
	"testing"

	"github.com/brandplot/brandplot-server/internal/log"
)

func TestStart_Disabled(t *testing.T) {
	var active []bool
	stop, err := Start(context.Background(), Options{
		Enabled:       false,
		ServerAddress: "not a url",
		OnActive:      func(b bool) { active = append(active, b) },
	})
	if err != nil {
		t.Fatalf("disabled should never error: %v", err)
	}
	if stop == nil {
		t.Fatal("stop func is nil")
	}
	stop()
	stop()
	if len(active) != 1 || active[0] {
		t.Fatalf("OnActive calls = %v, want [false]", active)
	}
}

func TestStart_EmptyServerAddress(t *testing.T) {
	ctx := log.WithContext(context.Background(), log.Nop())
	var active []bool
	stop, err := Start(ctx, Options{
		Enabled:              true,
		AppName:              "brandplot-server",
		TenantID:             "tenant",
		Tags:                 map[string]string{"env": "test"},
		ProfileMutexFraction: 5,
		OnActive:             func(b bool) { active = append(active, b) },
	})
	if err == nil {
		t.Fatal("expected error for empty address")
	}
	if !strings.Contains(err.Error(), "invalid server address") {
		t.Fatalf("err = %v", err)
	}
	if stop == nil {
		t.Fatal("stop must be non-nil even on error")
	}
	stop()
	if len(active) != 1 || active[0] {
		t.Fatalf("OnActive calls = %v, want [false]", active)
	}
}

func TestStart_UnreachableServer(t *testing.T) {
	// pyroscope uploads lazily, so Start may succeed; either way stop must
	// be callable.
	stop, _ := Start(context.Background(), Options{
		Enabled:       true,
		ServerAddress: "http://127.0.0.1:1",
		AppName:       "brandplot-test",
	})
	if stop == nil {
		t.Fatal("stop func should always be non-nil")
	}
	stop()
}

type countingLogger struct {
	log.Logger
	info, debug, errs int
}

func (c *countingLogger) Info(context.Context, string, ...any)         { c.info++ }
func (c *countingLogger) Debug(context.Context, string, ...any)        { c.debug++ }
func (c *countingLogger) Error(context.Context, error, string, ...any) { c.errs++ }

func TestPyroLogger(t *testing.T) {
	cl := &countingLogger{Logger: log.Nop()}
	p := pyroLogger{ctx: context.Background(), l: cl}
	p.Infof("uploading %d profiles", 3)
	p.Debugf("tick")
	p.Errorf("upload failed: %s", "503")
	if cl.info != 1 || cl.debug != 1 || cl.errs != 1 {
		t.Fatalf("calls info=%d debug=%d error=%d", cl.info, cl.debug, cl.errs)
	}
}
