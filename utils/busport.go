package utils

import (
	"fmt"
	"net"
	"strconv"
)

// BusPortOffset separates the cluster bus port from the client port.
const BusPortOffset = 10000

// BumpPort shifts the port of addr by delta, e.g. client port -> cluster bus port.
func BumpPort(addr string, delta int) (string, error) {
	host, port, err := SplitHostPort(addr)
	if err != nil {
		return "", err
	}

	newPort := port + delta
	if newPort < 0 || newPort > 0xFFFF {
		return "", fmt.Errorf("resulting port %d out of range", newPort)
	}

	return net.JoinHostPort(host, strconv.Itoa(newPort)), nil
}
