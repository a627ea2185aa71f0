// Package protocol owns the Air-Side wire contract.
//
// Ownership boundary:
// - message envelope and payload variants
// - JSON encode/decode with payload shape validation
// - command names and Air-Side error codes
//
// The codec is stateless and performs no I/O. Line framing for the TCP
// command channel lives in protocol/session; sequence ids are allocated by the
// caller.
package protocol
