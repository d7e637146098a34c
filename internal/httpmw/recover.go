package httpmw

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/brandplot/brandplot-server/internal/log"
	"github.com/brandplot/brandplot-server/internal/xerrors"
)

// Recover turns handler panics into a 500 and an error log. onPanic, when
// set, runs after logging (metrics). http.ErrAbortHandler is re-raised so
// net/http can abort the connection as intended.
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if e, ok := rec.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(rec)
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "panic")
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				base.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
				).Error(r.Context(), err, "httpserver panic recovered", "panic_stack", string(debug.Stack()))

				if onPanic != nil {
					onPanic()
				}

				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = fmt.Fprint(w, `{"error":"internal server error"}`)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
