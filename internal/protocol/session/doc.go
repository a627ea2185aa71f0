// Package session owns the ground-side session primitives shared by the link
// and the manager.
//
// Ownership boundary:
// - Settings / Identity / Timing value types
// - connection status snapshot and liveness evaluation
// - copy-on-write observable cells
// - newline framing for the TCP command channel
// - retry backoff
package session
