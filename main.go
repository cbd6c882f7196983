package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"luminamesh/config"
	"luminamesh/crypto"
	"luminamesh/discovery"
	"luminamesh/mesh"
	"luminamesh/models"
	"luminamesh/peers"
	"luminamesh/storage"
)

func main() {
	logger := logrus.New()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.WithError(err).Fatal("startup failed while loading config")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warnf("unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	log := logger.WithField("instance_id", cfg.InstanceID)

	keyPolicy, err := peers.ParseKeyPolicy(cfg.KeyPolicy)
	if err != nil {
		log.WithError(err).Fatal("startup failed while reading key policy")
	}

	dataDir := filepath.Dir(cfgPath)

	var securityLog mesh.SecurityLog
	var store *storage.Store
	if cfg.SecurityLog {
		var dbPath string
		store, dbPath, err = storage.Open(dataDir)
		if err != nil {
			log.WithError(err).Fatal("startup failed while opening security log")
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.WithError(err).Warn("security log close error")
			}
		}()
		store.SetSecurityEventRetention(time.Duration(cfg.SecurityLogRetentionDays) * 24 * time.Hour)
		securityLog = store
		log.WithField("path", dbPath).Debug("security log opened")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	node, err := mesh.New(mesh.Options{
		Role:              cfg.Role,
		DeviceName:        cfg.DeviceName,
		DataAddress:       ":" + strconv.Itoa(cfg.DataListenPort()),
		DiscoveryAddress:  ":" + strconv.Itoa(cfg.DiscoveryPort),
		BroadcastAddress:  net.JoinHostPort(cfg.BroadcastAddress, strconv.Itoa(cfg.DiscoveryPort)),
		BroadcastInterval: time.Duration(cfg.BroadcastIntervalSeconds) * time.Second,
		PeerTimeout:       time.Duration(cfg.PeerTimeoutSeconds) * time.Second,
		KeyPolicy:         keyPolicy,
		MDNS:              discovery.MDNSConfig{Enabled: cfg.MDNS},
		SecurityLog:       securityLog,
		Registerer:        registry,
		Logger:            log,
	})
	if err != nil {
		log.WithError(err).Fatal("startup failed while creating mesh node")
	}

	node.OnPeerDiscovered(func(peer models.Peer) {
		log.WithFields(logrus.Fields{
			"peer":        peer.MeshID,
			"hostname":    peer.Hostname,
			"peer_role":   peer.Role,
			"addr":        peer.Addr(),
			"fingerprint": crypto.FormatFingerprint(crypto.KeyFingerprint(peer.PublicKey[:])),
		}).Info("new peer")
	})
	node.OnData(func(msg models.Message) {
		log.WithFields(logrus.Fields{
			"peer":  msg.From.MeshID,
			"type":  msg.Type,
			"bytes": len(msg.Payload),
		}).Info("message received")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		log.WithError(err).Fatal("startup failed while starting mesh node")
	}

	var metricsServer *http.Server
	if cfg.MetricsAddress != "" {
		metricsServer = startMetricsServer(cfg.MetricsAddress, registry, log)
	}

	printBanner(cfg, cfgPath, node)

	<-ctx.Done()
	color.Yellow("Status:          shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), mesh.DefaultShutdownTimeout)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown error")
		}
		cancel()
	}
	if err := node.Stop(); err != nil {
		log.WithError(err).Warn("mesh node stopped with errors")
	}
}

func startMetricsServer(addr string, registry *prometheus.Registry, log logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	return server
}

func printBanner(cfg *config.NodeConfig, cfgPath string, node *mesh.Protocol) {
	publicKey := node.PublicKey()
	bold := color.New(color.Bold)

	bold.Printf("Mesh ID:         %s\n", node.MeshID())
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Role:            %s\n", node.Role())
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(publicKey[:])))
	if addr := node.DataAddr(); addr != nil {
		fmt.Printf("Data Channel:    %s\n", addr)
	} else {
		color.Red("Data Channel:    unavailable (port %d)", cfg.DataListenPort())
	}
	if node.DiscoveryListening() {
		fmt.Printf("Discovery:       udp/%d\n", cfg.DiscoveryPort)
	} else {
		color.Red("Discovery:       degraded, udp/%d not bound", cfg.DiscoveryPort)
	}
	fmt.Printf("Key Policy:      %s\n", cfg.KeyPolicy)
	if cfg.MetricsAddress != "" {
		fmt.Printf("Metrics:         http://%s/metrics\n", cfg.MetricsAddress)
	}
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", filepath.Dir(cfgPath))
	color.Green("Status:          running (press Ctrl+C to stop)")
}
