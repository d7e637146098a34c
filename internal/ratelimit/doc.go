// Package ratelimit holds the two in-memory limiters the server uses.
//
// Window is a fixed-window quota per client identifier: a client gets N
// requests per window, the window starts at the client's first request and
// the counter is replaced (not decremented) once the window has passed. It
// guards the costly metered endpoints. Expired records are swept on a ticker
// owned by the limiter; call Stop (or cancel the context) on shutdown.
//
// Burst is a token bucket per client applied to every request. It is basic
// abuse prevention for a single instance: it does not protect against
// distributed attacks, and request bodies are already accepted by the time
// it runs.
//
// Neither limiter is shared between instances.
package ratelimit
