package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaonanln/gomesh/config"
	"github.com/xiaonanln/gomesh/meshstate"
	"github.com/xiaonanln/gomesh/node"
	"github.com/xiaonanln/gomesh/registry"
	"github.com/xiaonanln/gomesh/transport/tcptransport"
	"github.com/xiaonanln/gomesh/util/logger"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		// Flags for direct configuration (can be used without config file)
		nodeID        = flag.String("id", "", "Stable node identity (e.g., 'node-01')")
		listenAddr    = flag.String("listen", "", "TCP listen address (e.g., ':7000')")
		advertiseAddr = flag.String("advertise", "", "Advertise address (e.g., 'localhost:7000')")
		httpAddr      = flag.String("http", "", "HTTP address for /metrics and /healthz (optional, e.g., ':9090')")
		strategyName  = flag.String("strategy", "", "Topology strategy: base, ring or random")
		etcdAddr      = flag.String("etcd", "localhost:2379", "Etcd address")
		etcdPrefix    = flag.String("etcd-prefix", "/gomesh", "Etcd key prefix")
	)
	flag.Parse()

	var cfg *config.Config
	if *configFile != "" {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
		log.Printf("Starting node %s with configuration from %s", cfg.Node.ID, *configFile)
	} else {
		if *nodeID == "" {
			log.Fatal("--id is required when not using --config")
		}
		if *listenAddr == "" {
			log.Fatal("--listen is required when not using --config")
		}
		if *advertiseAddr == "" {
			log.Fatal("--advertise is required when not using --config")
		}
		cfg = &config.Config{
			Version: 1,
			Node: config.NodeConfig{
				ID:            *nodeID,
				ListenAddr:    *listenAddr,
				AdvertiseAddr: *advertiseAddr,
				HTTPAddr:      *httpAddr,
			},
			Mesh: config.DefaultMeshConfig(),
			Etcd: config.EtcdConfig{
				Endpoints: []string{*etcdAddr},
				Prefix:    *etcdPrefix,
			},
		}
		if *strategyName != "" {
			cfg.Mesh.Strategy = *strategyName
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid configuration: %v", err)
		}
		log.Printf("Starting node %s with direct configuration (listen: %s, advertise: %s)", *nodeID, *listenAddr, *advertiseAddr)
	}

	logger.SetDefaultLevel(logger.ParseLevel(cfg.Node.LogLevel))

	reg := registry.New(cfg.Etcd, cfg.Node.ID, cfg.Node.AdvertiseAddr)
	if err := reg.Connect(); err != nil {
		log.Fatalf("Failed to connect to etcd: %v", err)
	}
	defer reg.Close()

	tr := tcptransport.New(meshstate.DeviceIdentity(cfg.Node.ID), cfg.Node.ListenAddr, cfg.Node.AdvertiseAddr, reg)

	n, err := node.New(cfg.Mesh, meshstate.DeviceIdentity(cfg.Node.ID), tr)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Start(ctx); err != nil {
		log.Fatalf("Failed to start transport: %v", err)
	}
	defer tr.Close()

	if err := n.Start(ctx); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	defer n.Stop()

	var httpServer *http.Server
	if cfg.Node.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		httpServer = &http.Server{Addr: cfg.Node.HTTPAddr, Handler: mux}
		go func() {
			log.Printf("Serving metrics on %s", cfg.Node.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	log.Println("Node stopped")
}
