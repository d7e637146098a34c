package xerrors

import (
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"
)

func frameNames(pcs []uintptr) []string {
	var out []string
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		out = append(out, fr.Function)
		if !more {
			break
		}
	}
	return out
}

func TestNew_StackStartsAtCaller(t *testing.T) {
	err := New("boom")
	if err.Error() != "boom" {
		t.Fatalf("Error() = %q", err.Error())
	}

	var hs interface{ StackPCs() []uintptr }
	if !errors.As(err, &hs) {
		t.Fatal("New should carry a stack")
	}
	names := frameNames(hs.StackPCs())
	if len(names) == 0 || !strings.HasSuffix(names[0], "TestNew_StackStartsAtCaller") {
		t.Fatalf("first frame = %v, want test function", names)
	}
}

func TestNewf_WrapsWithPercentW(t *testing.T) {
	err := Newf("read config: %w", io.EOF)
	if !errors.Is(err, io.EOF) {
		t.Fatal("Newf should preserve %w chain")
	}
	if err.Error() != "read config: EOF" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) should be nil")
	}
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}
}

func TestWrap_MessageAndPC(t *testing.T) {
	err := Wrapf(io.ErrUnexpectedEOF, "get key %q", "brand:acme")
	if want := `get key "brand:acme": unexpected EOF`; err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("Wrapf should unwrap to cause")
	}

	var hp interface{ PC() uintptr }
	if !errors.As(err, &hp) {
		t.Fatal("Wrapf should expose PC")
	}
	fn := runtime.FuncForPC(hp.PC())
	if fn == nil || !strings.HasSuffix(fn.Name(), "TestWrap_MessageAndPC") {
		t.Fatalf("PC resolves to %v, want test function", fn)
	}
}

func TestEnsureTrace_KeepsExistingStack(t *testing.T) {
	orig := New("first")
	wrapped := Wrap(orig, "outer")

	got := EnsureTrace(wrapped)
	if got != wrapped {
		t.Fatal("EnsureTrace should return err unchanged when a stack exists")
	}
}

func TestEnsureTrace_AddsStack(t *testing.T) {
	got := EnsureTrace(io.EOF)
	if got == io.EOF {
		t.Fatal("EnsureTrace should wrap a plain error")
	}
	if !errors.Is(got, io.EOF) {
		t.Fatal("EnsureTrace must preserve identity")
	}
}
