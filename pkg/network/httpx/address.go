package httpx

import (
	"net"
	"strconv"
)

// buildAddress joins network host from the first param
// with the port value of a listener from the second param.
// An optional zone is prepended to the host.
//
// As example, address host.com:8080 and listener 123.123.123.123:8888 will be
// transformed to host.com:8888.
func buildAddress(address string, zone string, l Listener) string {
	addr, _, err := net.SplitHostPort(address)
	if err != nil {
		addr = address
	}
	if addr == "" {
		addr = "localhost"
	}
	if zone != "" {
		addr = zone + "." + addr
	}
	port := l.GetPort()
	if port > 0 && port != 80 && port != 443 {
		addr += ":" + strconv.Itoa(port)
	}
	return addr
}

func splitHostPort(address string) (host string, port int, err error) {
	if address == "" {
		return "", 0, nil
	}
	host, p, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, err
	}
	if p == "" {
		return host, 0, nil
	}
	// named ports, i.e. :http
	if port, err = net.LookupPort("tcp", p); err != nil {
		return "", 0, err
	}
	return host, port, nil
}
