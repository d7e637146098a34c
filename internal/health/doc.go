// Package health holds the liveness and readiness probes served on the
// public and ops listeners.
//
// Probes compose with [All]. [StorePing] turns a storage backend's
// Ping into a readiness probe, and [ShutdownGate] fails readiness as soon as
// draining starts so load balancers stop routing before the listener closes.
package health
