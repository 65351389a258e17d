//go:build !linux && !darwin

package server

import (
	"errors"
	"syscall"
)

func setDSCP(conn syscall.Conn, dscp uint8) error {
	return errors.New("setting DSCP is not supported on this platform")
}
