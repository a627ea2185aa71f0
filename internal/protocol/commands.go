package protocol

import (
	"encoding/json"
	"fmt"
)

// Command names understood by the Air-Side.
const (
	CommandHandshake           = "handshake"
	CommandSystemGetStatus     = "system.get_status"
	CommandCameraCapture       = "camera.capture"
	CommandCameraSetProperty   = "camera.set_property"
	CommandCameraGetProperties = "camera.get_properties"
)

// ErrorCode is the numeric code carried in Response.Error.
type ErrorCode int

const (
	CodeInvalidJSON            ErrorCode = 5000
	CodeInvalidProtocolVersion ErrorCode = 5001
	CodeCommandNotImplemented  ErrorCode = 5002
	CodeUnknownCommand         ErrorCode = 5003
	CodeInternalError          ErrorCode = 5004
	CodeCommandFailed          ErrorCode = 5005
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidJSON:
		return "invalid json"
	case CodeInvalidProtocolVersion:
		return "invalid protocol version"
	case CodeCommandNotImplemented:
		return "command not implemented"
	case CodeUnknownCommand:
		return "unknown command"
	case CodeInternalError:
		return "internal error"
	case CodeCommandFailed:
		return "command failed"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// HandshakeResult is the result object of a successful handshake response.
type HandshakeResult struct {
	ServerID      string   `json:"server_id"`
	ServerVersion string   `json:"server_version"`
	Capabilities  []string `json:"capabilities"`
}

// HandshakeResult re-reads the generic result map as a HandshakeResult.
func (r Response) HandshakeResult() (HandshakeResult, error) {
	var out HandshakeResult
	if r.Result == nil {
		return out, nil
	}
	raw, err := json.Marshal(r.Result)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: handshake result: %v", ErrPayloadMismatch, err)
	}
	return out, nil
}
