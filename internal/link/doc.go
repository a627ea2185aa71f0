// Package link owns one ground-side connection session to the Air-Side.
//
// Ownership boundary:
// - connection state machine (disconnected -> connecting -> connected ->
//   operational, error from anywhere)
// - TCP handshake and single-flight command/response exchange
// - background tasks: status listener, heartbeat sender, heartbeat receiver,
//   heartbeat watchdog
// - deterministic teardown of tasks and sockets
//
// A Session publishes its status and telemetry through session.Cell values so
// readers always see whole snapshots. Recovery policy beyond the initial
// handshake retry belongs to the manager package.
package link
