package network

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrSessionClosed      = errors.New("session closed")
	ErrSessionInvalidated = errors.New("session invalidated by server")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrPairingTimeout     = errors.New("pairing timed out")
	ErrPairingNotRequired = errors.New("pairing not required")
	ErrKeepaliveTimeout   = errors.New("keepalive timed out")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrIllegalTransition  = errors.New("illegal state transition")
)

// ServerError is a protocol-level error reply to a request
type ServerError struct {
	Code string
	Text string
}

func (e *ServerError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("server error %s", e.Code)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Text)
}

// StateError is the panic value of an illegal state transition
type StateError struct {
	From State
	To   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrIllegalTransition, e.From, e.To)
}

func (e *StateError) Unwrap() error {
	return ErrIllegalTransition
}

// StreamError is a connection-level error pushed by the server
type StreamError struct {
	Code string
	Text string
}

func (e *StreamError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("stream error %s", e.Code)
	}
	return fmt.Sprintf("stream error %s: %s", e.Code, e.Text)
}
