//go:build linux || darwin

package server

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setDSCP marks outgoing datagrams with the given Differentiated Services
// codepoint
func setDSCP(conn syscall.Conn, dscp uint8) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = rc.Control(func(fd uintptr) {
		sockErr = setDSCPFd(int(fd), dscp)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func setDSCPFd(fd int, dscp uint8) error {
	tos := int(dscp) << 2

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fmt.Errorf("getsockname: %w", err)
	}
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
}

// boundAddr returns the local address a socket descriptor is bound to
func boundAddr(fd int) (*net.UDPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}

	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, a.Addr[:])
		return &net.UDPAddr{IP: ip, Port: a.Port}, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		return &net.UDPAddr{IP: ip, Port: a.Port}, nil
	default:
		return nil, fmt.Errorf("unexpected socket address type %T", sa)
	}
}

func closeFd(fd int) error {
	return unix.Close(fd)
}
