package serverutil

import (
	"errors"
	"net"
	"os"
)

// HostAddress returns the first non-loopback IPv4 address of the host. It
// falls back to the hostname, and to "localhost" when even that fails.
func HostAddress() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
	}
	host, hostErr := os.Hostname()
	if hostErr != nil {
		return "localhost", errors.Join(err, hostErr)
	}
	return host, err
}
