package config

import (
	"fmt"
	"log"
	"net"
	"strconv"

	"iriscache/cacheerr"
	"iriscache/utils"
)

// preferred client ports, tried in order when client.port is 0
var possiblePorts = []int{8008, 8009, 8010, 8011}

// ResolveEndpoints fills in the bind address and ports the node will use.
// The cluster bus port defaults to the client port shifted by
// utils.BusPortOffset, the same layout the single-node server used.
func (c *Config) ResolveEndpoints() error {
	if c.Cluster.BindAddr == "" {
		ip, err := utils.GetLocalIp()
		if err != nil {
			log.Printf("[WARN] config: local ip lookup failed (%v), binding to 127.0.0.1", err)
			ip = "127.0.0.1"
		}
		c.Cluster.BindAddr = ip
	}

	if c.Client.Port == 0 {
		port, ok := pickPort(c.Cluster.BindAddr, possiblePorts)
		if !ok {
			return cacheerr.Configuration("client.port", "no available port in %v", possiblePorts)
		}
		c.Client.Port = port
	}

	if c.Cluster.BindPort == 0 {
		busAddr, err := utils.BumpPort(net.JoinHostPort(c.Cluster.BindAddr, strconv.Itoa(c.Client.Port)), utils.BusPortOffset)
		if err != nil {
			return &cacheerr.ConfigurationError{Field: "cluster.bind-port", Msg: "cannot derive bus port", Cause: err}
		}
		_, port, err := utils.SplitHostPort(busAddr)
		if err != nil {
			return &cacheerr.ConfigurationError{Field: "cluster.bind-port", Msg: "cannot derive bus port", Cause: err}
		}
		c.Cluster.BindPort = port
	}
	return nil
}

func pickPort(host string, candidates []int) (int, bool) {
	for _, port := range candidates {
		lis, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			lis.Close()
			return port, true
		}
	}
	return 0, false
}

// ClientAddr is the listen address of the client line protocol.
func (c *Config) ClientAddr() string {
	return fmt.Sprintf(":%d", c.Client.Port)
}
