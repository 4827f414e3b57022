package transport

import (
	"net"
	"strconv"

	"github.com/backkem/coap/pkg/message"
)

// EndpointKey returns a stable map key for a remote endpoint.
func EndpointKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.Network() + "|" + addr.String()
}

// IsMulticast returns true if addr is a UDP address in a multicast group.
func IsMulticast(addr net.Addr) bool {
	udp, ok := addr.(*net.UDPAddr)
	return ok && udp.IP.IsMulticast()
}

// ResolveUDP resolves "host" or "host:port" to a UDP address, defaulting
// to the CoAP port when none is given.
func ResolveUDP(hostport string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		hostport = net.JoinHostPort(hostport, strconv.Itoa(message.DefaultPort))
	}
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, err
	}
	return addr, nil
}

// All-CoAP-Nodes multicast groups (RFC 7252 Section 12.8).
var (
	AllCoAPNodesIPv4     = net.IPv4(224, 0, 1, 187)
	AllCoAPNodesIPv6Link = net.ParseIP("ff02::fd")
	AllCoAPNodesIPv6Site = net.ParseIP("ff05::fd")
)
