package protocol

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	ProtocolVersion string          `json:"protocol_version"`
	MessageType     MessageType     `json:"message_type"`
	SequenceID      uint64          `json:"sequence_id"`
	Timestamp       int64           `json:"timestamp"`
	Payload         json.RawMessage `json:"payload"`
}

// Encode renders msg as a single JSON document without a trailing newline.
func Encode(msg Message) ([]byte, error) {
	if msg.Payload == nil {
		return nil, ErrNilPayload
	}
	if kind := msg.Payload.Kind(); kind != msg.Type {
		return nil, fmt.Errorf("%w: message_type=%q payload=%q", ErrPayloadMismatch, msg.Type, kind)
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", msg.Type, err)
	}
	return json.Marshal(envelope{
		ProtocolVersion: msg.ProtocolVersion,
		MessageType:     msg.Type,
		SequenceID:      msg.SequenceID,
		Timestamp:       msg.Timestamp,
		Payload:         payload,
	})
}
