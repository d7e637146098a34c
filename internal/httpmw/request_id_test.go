package httpmw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func serveRequestID(t *testing.T, header, incoming string) (ctxID, respID string) {
	t.Helper()
	h := RequestID(header)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = RequestIDFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	name := header
	if name == "" {
		name = "X-Request-Id"
	}
	if incoming != "" {
		r.Header.Set(name, incoming)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return ctxID, rec.Header().Get(name)
}

func TestRequestID_GeneratesUUID(t *testing.T) {
	ctxID, respID := serveRequestID(t, "", "")
	if _, err := uuid.Parse(ctxID); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", ctxID, err)
	}
	if respID != ctxID {
		t.Fatalf("response id %q != context id %q", respID, ctxID)
	}
}

func TestRequestID_PropagatesIncoming(t *testing.T) {
	ctxID, respID := serveRequestID(t, "X-Correlation-Id", "abc-123")
	if ctxID != "abc-123" || respID != "abc-123" {
		t.Fatalf("ids = %q/%q, want abc-123", ctxID, respID)
	}
}

func TestRequestID_ReplacesUnsafeIncoming(t *testing.T) {
	for _, bad := range []string{"has space", "line\nbreak", strings.Repeat("x", 200), "café"} {
		ctxID, _ := serveRequestID(t, "", bad)
		if ctxID == bad {
			t.Fatalf("unsafe id %q was propagated", bad)
		}
		if _, err := uuid.Parse(ctxID); err != nil {
			t.Fatalf("replacement %q is not a uuid", ctxID)
		}
	}
}

func TestRequestIDFromContext_Empty(t *testing.T) {
	if got := RequestIDFromContext(t.Context()); got != "" {
		t.Fatalf("got %q", got)
	}
}
