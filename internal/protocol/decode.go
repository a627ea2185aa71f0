package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Decode parses one JSON document into a Message. Failures are *DecodeError.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, decodeErr(ErrMalformed, "", err)
	}
	if env.MessageType == "" {
		return Message{}, decodeErr(ErrMalformed, "missing message_type", nil)
	}
	if !env.MessageType.Valid() {
		return Message{}, decodeErr(ErrUnknownMessageType, string(env.MessageType), nil)
	}
	raw := bytes.TrimSpace(env.Payload)
	if len(raw) == 0 || raw[0] != '{' {
		return Message{}, decodeErr(ErrPayloadMismatch, "payload must be an object", nil)
	}

	payload, err := decodePayload(env.MessageType, raw)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ProtocolVersion: env.ProtocolVersion,
		Type:            env.MessageType,
		SequenceID:      env.SequenceID,
		Timestamp:       env.Timestamp,
		Payload:         payload,
	}, nil
}

func decodePayload(kind MessageType, raw []byte) (Payload, error) {
	switch kind {
	case TypeHandshake:
		var p Handshake
		if err := unmarshalPayload(kind, raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.ClientID) == "" {
			return nil, decodeErr(ErrPayloadMismatch, "handshake missing client_id", nil)
		}
		return p, nil
	case TypeCommand:
		var p Command
		if err := unmarshalPayload(kind, raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Command) == "" {
			return nil, decodeErr(ErrPayloadMismatch, "command missing command", nil)
		}
		return p, nil
	case TypeResponse:
		var p Response
		if err := unmarshalPayload(kind, raw, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Command) == "" {
			return nil, decodeErr(ErrPayloadMismatch, "response missing command", nil)
		}
		if !p.Status.Valid() {
			return nil, decodeErr(ErrPayloadMismatch, "response status "+string(p.Status), nil)
		}
		return p, nil
	case TypeHeartbeat:
		var p Heartbeat
		if err := unmarshalPayload(kind, raw, &p); err != nil {
			return nil, err
		}
		if p.Sender != SenderGround && p.Sender != SenderAir {
			return nil, decodeErr(ErrPayloadMismatch, "heartbeat sender "+string(p.Sender), nil)
		}
		return p, nil
	case TypeStatus:
		var p Status
		if err := unmarshalPayload(kind, raw, &p); err != nil {
			return nil, err
		}
		if p.System == nil || p.Camera == nil {
			return nil, decodeErr(ErrPayloadMismatch, "status requires system and camera", nil)
		}
		return p, nil
	case TypeDisconnect:
		var p Disconnect
		if err := unmarshalPayload(kind, raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, decodeErr(ErrUnknownMessageType, string(kind), nil)
	}
}

func unmarshalPayload(kind MessageType, raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return decodeErr(ErrPayloadMismatch, string(kind), err)
	}
	return nil
}
