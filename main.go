package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"iriscache/bus"
	"iriscache/config"
	"iriscache/engine"
	"iriscache/membership"
	"iriscache/topology"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML cache configuration (optional)")
	clusterAddr := flag.String("cluster_server", "", "Comma separated bus addresses of servers in the cluster to join (optional)")
	topo := flag.String("topology", "", "partitioned or replicated, overrides the configuration")
	clientPort := flag.Int("port", 0, "Client port, overrides the configuration")
	busPort := flag.Int("bus_port", 0, "Cluster bus port, overrides the configuration")
	storage := flag.String("engine", "", "memory or pebble, overrides the configuration")
	dataPath := flag.String("data", "", "Pebble store directory")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Couldn't load configuration: %v", err)
		}
		cfg = loaded
	}
	if *topo != "" {
		cfg.Topology = *topo
	}
	if *clientPort != 0 {
		cfg.Client.Port = *clientPort
	}
	if *busPort != 0 {
		cfg.Cluster.BindPort = *busPort
	}
	if *storage != "" {
		cfg.Storage.Engine = *storage
	}
	if *dataPath != "" {
		cfg.Storage.Path = *dataPath
	}
	if *clusterAddr != "" {
		cfg.Cluster.Seeds = append(cfg.Cluster.Seeds, strings.Split(*clusterAddr, ",")...)
	}
	if err := cfg.Normalize(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.ResolveEndpoints(); err != nil {
		log.Fatalf("Couldn't resolve endpoints: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to init %s store: %v", cfg.Storage.Engine, err)
	}

	addr := membership.NewAddress(cfg.Cluster.BindAddr, cfg.Cluster.BindPort)
	ch := bus.NewMemberlistChannel(addr, topology.IdentityOf(cfg), bus.MemberlistConfig{Seeds: cfg.Cluster.Seeds})
	cache, err := topology.New(cfg, ch, store)
	if err != nil {
		store.Close()
		log.Fatalf("Couldn't configure the cache: %v", err)
	}

	lis, err := net.Listen("tcp", cfg.ClientAddr())
	if err != nil {
		log.Fatalf("Couldn't start iriscache at %s, err: %s", cfg.ClientAddr(), err.Error())
	}
	defer lis.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cache.Start(ctx); err != nil {
		log.Fatalf("Couldn't join cluster %s: %v", cfg.Cluster.GroupID, err)
	}
	log.Printf("[INFO] iriscache %s (%s) started at %s", cfg.CacheName, cfg.Topology, cfg.ClientAddr())
	log.Printf("[INFO] member %s | bus %s | engine %s", addr.ID, addr.HostPort(), cfg.Storage.Engine)

	go func() {
		if err := cache.WaitUntilRunning(ctx); err == nil {
			log.Printf("[SUCCESS] %s is serving, %d server(s) in the cluster", addr, len(cache.Servers()))
		}
	}()

	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down")
		leaveCtx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
		defer cancel()
		if err := cache.Leave(leaveCtx); err != nil {
			log.Printf("[WARN] leaving the cluster: %v", err)
		}
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("Couldn't accept connection, err:%s", err.Error())
			continue
		}
		go handleConnection(conn, cache, cfg.OpTimeout)
	}
	if err := cache.Close(); err != nil {
		log.Printf("[WARN] closing cache: %v", err)
	}
}

func openStore(cfg *config.Config) (*engine.LocalCache, error) {
	if cfg.Storage.Engine == config.EnginePebble {
		path := cfg.Storage.Path
		if path == "" {
			path = cfg.CacheName
		}
		return engine.NewPebbleCache(path, cfg.BucketCount)
	}
	return engine.NewMemoryCache(cfg.BucketCount), nil
}
