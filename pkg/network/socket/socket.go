// Package socket opens UDP and TCP listeners with an optional port roll.
package socket

import (
	"errors"
	"net"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

const listenAttempts = 42
const udpBufferSize = 16 * 1024 * 1024

var ErrNoPorts = errors.New("no available ports")

// ListenUDP opens a UDP socket on the given port.
// With roll set it tries the next ports when the port is busy.
func ListenUDP(proto string, port int, roll bool) (*net.UDPConn, error) {
	return listen(port, roll, func(p int) (*net.UDPConn, error) {
		l, err := net.ListenUDP(proto, &net.UDPAddr{Port: p})
		if err != nil {
			return nil, err
		}
		_ = l.SetReadBuffer(udpBufferSize)
		_ = l.SetWriteBuffer(udpBufferSize)
		return l, nil
	})
}

// ListenTCP opens a TCP listener on host:port, see ListenUDP.
func ListenTCP(proto string, host string, port int, roll bool) (*net.TCPListener, error) {
	return listen(port, roll, func(p int) (*net.TCPListener, error) {
		addr, err := net.ResolveTCPAddr(proto, net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			return nil, err
		}
		return net.ListenTCP(proto, addr)
	})
}

func listen[T any](port int, roll bool, fn func(int) (T, error)) (T, error) {
	l, err := fn(port)
	if err == nil || !roll || port == 0 || !IsPortBusyError(err) {
		return l, err
	}
	for i := port + 1; i < port+listenAttempts; i++ {
		if l, err = fn(i); err == nil {
			return l, nil
		}
	}
	return l, ErrNoPorts
}

// IsPortBusyError tests if the given error is one of
// the port busy errors.
func IsPortBusyError(err error) bool {
	if err == nil {
		return false
	}
	var eOsSyscall *os.SyscallError
	if !errors.As(err, &eOsSyscall) {
		return false
	}
	var errErrno syscall.Errno
	if !errors.As(eOsSyscall, &errErrno) {
		return false
	}
	if errErrno == syscall.EADDRINUSE {
		return true
	}
	const WSAEADDRINUSE = 10048
	if runtime.GOOS == "windows" && errErrno == WSAEADDRINUSE {
		return true
	}
	return false
}
