package httpx

import (
	"net"

	"github.com/scenecast/relay/pkg/network/socket"
)

type Listener struct {
	net.Listener
}

// NewListener opens a TCP listener, with rollPorts it takes
// the next free port if the port is busy.
func NewListener(address string, rollPorts bool) (*Listener, error) {
	host, port, err := splitHostPort(address)
	if err != nil {
		return nil, err
	}
	ls, err := socket.ListenTCP("tcp4", host, port, rollPorts)
	if err != nil {
		return nil, err
	}
	return &Listener{ls}, nil
}

func (l Listener) GetPort() int {
	tcp, ok := l.Addr().(*net.TCPAddr)
	if !ok || tcp == nil {
		return 0
	}
	return tcp.Port
}
