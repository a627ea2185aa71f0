package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformed          = errors.New("protocol: malformed message")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrPayloadMismatch    = errors.New("protocol: payload does not match message type")
	ErrNilPayload         = errors.New("protocol: nil payload")
)

// DecodeError reports why a datagram or line could not be turned into a Message.
// Kind is one of ErrMalformed, ErrUnknownMessageType or ErrPayloadMismatch.
type DecodeError struct {
	Kind   error
	Detail string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func decodeErr(kind error, detail string, cause error) error {
	return &DecodeError{Kind: kind, Detail: detail, Err: cause}
}
