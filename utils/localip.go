package utils

import (
	"errors"
	"net"
	"strings"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// GetLocalIp returns the first non-loopback IPv4 address of an interface that is up.
func GetLocalIp() (string, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				ip = net.ParseIP(a.Addr)
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4.String(), nil
			}
		}
	}
	return "", errors.New("no usable network interface found")
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}
