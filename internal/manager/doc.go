// Package manager is the application-facing owner of the ground link.
//
// It holds at most one link.Session at a time, republishes that session's
// status and telemetry through cells that survive session replacement, and
// runs the auto-reconnect monitor. A manual Disconnect suppresses
// auto-reconnect until the next explicit Connect.
package manager
