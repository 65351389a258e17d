package server

import (
	"errors"
	"fmt"
)

// ErrServerClosed is returned by Serve once Stop has been called
var ErrServerClosed = errors.New("echo server closed")

// BindError reports that the UDP socket could not be bound. It is fatal:
// the server never reaches the listening state.
type BindError struct {
	Network string
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s %s: %v", e.Network, e.Address, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// SendError reports a failed echo. The server logs it and keeps listening.
type SendError struct {
	Destination string
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send response to %s: %v", e.Destination, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
