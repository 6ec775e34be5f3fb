//go:build linux

// File: transport/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/policyd/api"
)

func sysListen(network, address string, backlog int) (int, error) {
	var (
		fam int
		sa  unix.Sockaddr
	)
	if network == "unix" {
		fam = unix.AF_UNIX
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return -1, err
		}
		sa = &unix.SockaddrUnix{Name: address}
	} else {
		addr, err := net.ResolveTCPAddr(network, address)
		if err != nil {
			return -1, err
		}
		if ip4 := addr.IP.To4(); network != "tcp6" && (addr.IP == nil || ip4 != nil) {
			fam = unix.AF_INET
			sa4 := &unix.SockaddrInet4{Port: addr.Port}
			if ip4 != nil {
				copy(sa4.Addr[:], ip4)
			}
			sa = sa4
		} else {
			fam = unix.AF_INET6
			sa6 := &unix.SockaddrInet6{Port: addr.Port}
			if addr.IP != nil {
				copy(sa6.Addr[:], addr.IP.To16())
			}
			sa = sa6
		}
	}

	fd, err := unix.Socket(fam, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if fam != unix.AF_UNIX {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func sysAccept(lfd int, network string) (int, any, error) {
	fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			return -1, nil, ErrWouldBlock
		case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE), errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
			return -1, nil, fmt.Errorf("%w: accept: %v", api.ErrResourceExhausted, err)
		}
		return -1, nil, fmt.Errorf("transport: accept: %w", err)
	}
	if network != "unix" {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	return fd, sa, nil
}

func sysRead(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		}
		return 0, err
	}
}

func sysWriteAll(fd int, p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	written := 0
	for written < len(p) {
		n, err := unix.Write(fd, p[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			left := time.Until(deadline)
			if left <= 0 {
				return written, fmt.Errorf("transport: write: %w", api.ErrOperationTimeout)
			}
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			if _, perr := unix.Poll(pfd, int(left.Milliseconds())+1); perr != nil && !errors.Is(perr, unix.EINTR) {
				return written, fmt.Errorf("transport: write poll: %w", perr)
			}
			continue
		}
		return written, fmt.Errorf("transport: write: %w", err)
	}
	return written, nil
}

func sysShutdown(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_RDWR)
}

func sysClose(fd int) error {
	return unix.Close(fd)
}

func localAddr(fd int) (string, int) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", 0
	}
	return formatSockaddr(sa)
}

func formatSockaddr(sa any) (string, int) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrUnix:
		return a.Name, 0
	}
	return "", 0
}

func sysValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return !errors.Is(err, unix.EBADF)
}
