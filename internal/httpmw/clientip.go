package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// UnknownClientID is the identifier used when a request carries no client
// address headers. All such requests share one rate limit bucket.
const UnknownClientID = "unknown"

// clientIDHeaders are consulted in order; the first non-empty value wins.
var clientIDHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

type clientIPKey struct{}

// ClientIPOptions configures client identifier resolution.
type ClientIPOptions struct {
	// FallbackToRemoteAddr uses the connection peer address instead of
	// UnknownClientID when no forwarding header is present.
	FallbackToRemoteAddr bool
}

// ResolveClientID returns the first comma-separated entry of
// X-Forwarded-For, else X-Real-IP, else CF-Connecting-IP, else
// UnknownClientID. Values are trimmed and empty ones skipped.
func ResolveClientID(h http.Header) string {
	for _, name := range clientIDHeaders {
		v := h.Get(name)
		if v == "" {
			continue
		}
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return UnknownClientID
}

// ClientIP resolves the client identifier with default options and stores it
// in the request context.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ResolveClientID(r.Header)
			if id == UnknownClientID && opts.FallbackToRemoteAddr {
				id = remoteHost(r.RemoteAddr)
			}
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), id)))
		})
	}
}

func remoteHost(addr string) string {
	if addr == "" {
		return UnknownClientID
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
