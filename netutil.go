package blocker

import (
	"net"
	"strconv"
	"time"
)

// OutboundIP returns the local address the host would use to reach the
// internet. No packet is sent: a UDP "connect" only selects a route. It
// returns "127.0.0.1" if no route exists.
func OutboundIP() string {
	conn, err := net.DialTimeout("udp", "8.8.8.8:80", 2*time.Second)
	if err != nil {
		return "127.0.0.1"
	}
	defer func() { _ = conn.Close() }()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// AdminURLs returns the URL to advertise to other machines (using the
// outbound IP) and the loopback URL to open locally, for a bound admin
// address.
func AdminURLs(addr net.Addr) (advertised, local string) {
	port := "0"
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = strconv.Itoa(tcp.Port)
	} else if _, p, err := net.SplitHostPort(addr.String()); err == nil {
		port = p
	}
	return "http://" + net.JoinHostPort(OutboundIP(), port),
		"http://" + net.JoinHostPort("127.0.0.1", port)
}
