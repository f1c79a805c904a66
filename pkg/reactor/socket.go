// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package reactor

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/absmach/ku/pkg/errors"
	"github.com/absmach/ku/pkg/resolve"
	"golang.org/x/sys/unix"
)

// endpointAddr is an address resolved once, at construction time, into the
// form the socket calls need.
type endpointAddr struct {
	family resolve.Family
	sa     unix.Sockaddr
	tcp    *net.TCPAddr
}

func (a endpointAddr) domain() int {
	if a.family == resolve.IPv6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// resolveAddress classifies a.Host and builds its socket address. Names are
// resolved here, once; literals never touch the network.
func resolveAddress(a Address, forceIPv6 bool) (endpointAddr, error) {
	if a.Port < 0 || a.Port > 65535 {
		return endpointAddr{}, fmt.Errorf("%w %s: bad port", errors.ErrInvalidAddress, a)
	}

	host := a.Host
	if host == "" {
		host = "0.0.0.0"
	}

	family := resolve.FamilyOf(host)
	var (
		ip   net.IP
		zone string
	)
	switch family {
	case resolve.IPv4:
		ip = net.ParseIP(host).To4()
	case resolve.IPv6:
		literal := resolve.StripBrackets(host)
		if i := strings.IndexByte(literal, '%'); i >= 0 {
			literal, zone = literal[:i], literal[i+1:]
		}
		ip = net.ParseIP(literal)
	default:
		resolved, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return endpointAddr{}, fmt.Errorf("%w %s: %v", errors.ErrInvalidAddress, a, err)
		}
		ip, zone = resolved.IP, resolved.Zone
		family = resolve.IPv6
		if v4 := ip.To4(); v4 != nil {
			ip, family = v4, resolve.IPv4
		}
	}
	if ip == nil {
		return endpointAddr{}, fmt.Errorf("%w %s: unparsable host", errors.ErrInvalidAddress, a)
	}

	if forceIPv6 && family == resolve.IPv4 {
		ip, family = ip.To16(), resolve.IPv6
	}

	out := endpointAddr{
		family: family,
		tcp:    &net.TCPAddr{IP: ip, Port: a.Port, Zone: zone},
	}
	if family == resolve.IPv4 {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip.To4())
		out.sa = sa
		return out, nil
	}

	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], ip.To16())
	if zone != "" {
		ifi, err := net.InterfaceByName(zone)
		if err != nil {
			return endpointAddr{}, fmt.Errorf("%w %s: zone: %v", errors.ErrInvalidAddress, a, err)
		}
		sa.ZoneId = uint32(ifi.Index)
	}
	out.sa = sa
	return out, nil
}

func newSocket(domain int) (int, error) {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

// listenSocket binds and listens on addr. The returned descriptor is
// non-blocking.
func listenSocket(addr endpointAddr, backlog int) (int, error) {
	fd, err := newSocket(addr.domain())
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, addr.sa); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}
	return fd, nil
}

// connectSocket issues a non-blocking connect to addr. A nil error means the
// connect is in flight (or already done); completion is reported by poll.
func connectSocket(addr endpointAddr) (int, error) {
	fd, err := newSocket(addr.domain())
	if err != nil {
		return -1, err
	}
	err = unix.Connect(fd, addr.sa)
	if err == nil || errors.Is(err, unix.EINPROGRESS) {
		return fd, nil
	}
	unix.Close(fd)
	return -1, os.NewSyscallError("connect", err)
}

// connectResult reads the outcome of a non-blocking connect.
func connectResult(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if code != 0 {
		return os.NewSyscallError("connect", unix.Errno(code))
	}
	return nil
}

// acceptSocket accepts one pending connection as a non-blocking descriptor.
func acceptSocket(listenFD int) (int, net.Addr, error) {
	fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	if addr := sockaddrToTCP(sa); addr != nil {
		return fd, addr, nil
	}
	return fd, nil, nil
}

func setNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

func localAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	if addr := sockaddrToTCP(sa); addr != nil {
		return addr
	}
	return nil
}

func sockaddrToTCP(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		addr := &net.TCPAddr{IP: ip, Port: sa.Port}
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				addr.Zone = ifi.Name
			}
		}
		return addr
	default:
		return nil
	}
}

// writeSome writes as much of p as the socket accepts without blocking.
// A full socket buffer is not an error.
func writeSome(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, os.NewSyscallError("write", err)
	}
	return n, nil
}

// temporary reports whether err from a non-blocking read or accept means
// "try again later".
func temporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED)
}

func closeFD(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}
