// Command meshboardd runs a MeshCore bulletin-board server node as a
// daemon, bridged onto a mesh via MQTT and/or a serial radio bridge.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kabili207/meshboard-go/core"
	"github.com/kabili207/meshboard-go/core/clock"
	"github.com/kabili207/meshboard-go/device/bulletin"
	"github.com/kabili207/meshboard-go/device/metrics"
	"github.com/kabili207/meshboard-go/device/router"
	"github.com/kabili207/meshboard-go/device/storage"
	"github.com/kabili207/meshboard-go/transport"
	"github.com/kabili207/meshboard-go/transport/mqtt"
	serialtransport "github.com/kabili207/meshboard-go/transport/serial"
)

const version = "meshboard-go v1.0.0"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger error:", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), nil
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Storage: primary data dir plus optional mirror.
	primary, err := storage.NewDirStore(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	var store storage.BlobStore = primary
	if cfg.MirrorDir != "" {
		mirror, err := storage.NewDirStore(cfg.MirrorDir, logger)
		if err != nil {
			return err
		}
		store = storage.NewMirroredStore(primary, mirror, logger)
	}

	keyPair, err := bulletin.LoadOrCreateIdentity(store, logger)
	if err != nil {
		return err
	}
	var pubKey [32]byte
	copy(pubKey[:], keyPair.PublicKey)

	r := router.New(router.Config{
		SelfID:         core.MeshCoreID(pubKey),
		ForwardPackets: cfg.ForwardPackets,
		Logger:         logger,
	})

	var lat, lon *float64
	if cfg.HasLocation {
		lat, lon = &cfg.Lat, &cfg.Lon
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	srv := bulletin.NewServer(bulletin.ServerConfig{
		PrivateKey:    keyPair.PrivateKey,
		PublicKey:     pubKey,
		Clock:         clock.New(),
		Store:         store,
		AdminPassword: cfg.AdminPassword,
		GuestPassword: cfg.GuestPassword,
		AllowReadOnly: cfg.AllowReadOnly,
		MaxClients:    cfg.MaxClients,
		Router:        r,
		Name:          cfg.Name,
		Version:       version,
		Lat:           lat,
		Lon:           lon,
		MultiAcks:     uint8(cfg.MultiAcks),
		PacketLogging: cfg.PacketLogging,
		Metrics:       m,
		Logger:        logger,
	})

	if err := srv.Begin(); err != nil {
		return err
	}
	r.SetPacketHandler(srv.HandlePacket)
	r.Start(ctx)

	// Transports
	if cfg.MQTT.Broker != "" {
		t := mqtt.New(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			UseTLS:      cfg.MQTT.UseTLS,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			MeshID:      cfg.MQTT.MeshID,
			Logger:      logger,
		})
		r.AddTransport(t, transport.PacketSourceMQTT)
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("starting MQTT transport: %w", err)
		}
		defer t.Stop()
	}
	if cfg.Serial.Port != "" {
		t := serialtransport.New(serialtransport.Config{
			Port:     cfg.Serial.Port,
			BaudRate: cfg.Serial.BaudRate,
			Logger:   logger,
		})
		r.AddTransport(t, transport.PacketSourceSerial)
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("starting serial transport: %w", err)
		}
		defer t.Stop()
	}

	// Metrics endpoint
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer httpSrv.Close()

		// Keep the gauges fresh.
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					snap := r.Counters().Snapshot()
					m.SetPacketCounts(snap.PacketsRecv, snap.PacketsSent)
					m.SetClientCount(srv.ACL().NumClients())
				}
			}
		}()
	}

	go srv.Start(ctx)
	go srv.RunAdvertTimers(ctx, uint8(cfg.Adverts.LocalInterval), uint8(cfg.Adverts.FloodInterval))
	srv.SendSelfAdvert(true)

	if !cfg.NoConsole {
		go runConsole(ctx, srv, logger)
	}

	logger.Info("meshboard daemon running",
		"name", cfg.Name,
		"pubkey", fmt.Sprintf("%x", keyPair.PublicKey),
		"data_dir", filepath.Clean(cfg.DataDir))

	<-ctx.Done()
	srv.Stop()
	r.Stop()
	logger.Info("shutting down")
	return nil
}

// runConsole reads admin CLI commands from stdin, the daemon equivalent of
// the firmware's serial console.
func runConsole(ctx context.Context, srv *bulletin.Server, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if reply := srv.HandleConsoleCommand(line); reply != "" {
			fmt.Println(reply)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("console closed", "error", err)
	}
}
