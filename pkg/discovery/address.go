package discovery

import (
	"net"
	"sort"
)

// SortIPsByPreference orders addresses for unicast CoAP:
//  1. global unicast (IPv6 before IPv4)
//  2. IPv6 unique local, then private IPv4
//  3. link-local
//  4. loopback
//
// Multicast and invalid addresses sort last. The input is not modified.
func SortIPsByPreference(ips []net.IP) []net.IP {
	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)
	sort.SliceStable(sorted, func(i, j int) bool {
		return ipRank(sorted[i]) < ipRank(sorted[j])
	})
	return sorted
}

func ipRank(ip net.IP) int {
	v4 := ip.To4() != nil
	switch {
	case ip.To16() == nil || ip.IsUnspecified():
		return 99
	case ip.IsMulticast():
		return 90
	case ip.IsLoopback():
		return 80
	case ip.IsLinkLocalUnicast():
		return 40
	case ip.IsPrivate() && v4:
		return 21
	case ip.IsPrivate():
		return 20
	case ip.IsGlobalUnicast() && v4:
		return 1
	case ip.IsGlobalUnicast():
		return 0
	default:
		return 50
	}
}

// FilterIPv6 returns only IPv6 addresses from the slice.
func FilterIPv6(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() == nil && ip.To16() != nil {
			result = append(result, ip)
		}
	}
	return result
}

// FilterIPv4 returns only IPv4 addresses from the slice.
func FilterIPv4(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			result = append(result, ip)
		}
	}
	return result
}

// UDPAddrs pairs every address with port. Link-local IPv6 addresses get
// zone as their zone; others ignore it.
func UDPAddrs(ips []net.IP, port int, zone string) []*net.UDPAddr {
	addrs := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		a := &net.UDPAddr{IP: ip, Port: port}
		if ip.To4() == nil && ip.IsLinkLocalUnicast() {
			a.Zone = zone
		}
		addrs = append(addrs, a)
	}
	return addrs
}

// LocalAddresses returns the non-loopback addresses of interfaces that are up.
func LocalAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var addresses []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if n, ok := addr.(*net.IPNet); ok && !n.IP.IsLoopback() {
				addresses = append(addresses, n.IP)
			}
		}
	}
	return addresses, nil
}
