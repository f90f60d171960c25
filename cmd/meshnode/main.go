// Package main runs a mesh relay node over libp2p with an optional HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	lp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/api"
	"github.com/ZentaChain/zentalk-mesh/pkg/config"
	"github.com/ZentaChain/zentalk-mesh/pkg/crypto"
	"github.com/ZentaChain/zentalk-mesh/pkg/logging"
	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
	"github.com/ZentaChain/zentalk-mesh/pkg/storage"
	"github.com/ZentaChain/zentalk-mesh/pkg/transport"
)

const (
	version           = "1.0.0"
	heartbeatInterval = 5 * time.Minute
)

var (
	configPath  = flag.String("config", "", "Path to YAML config file")
	keyPath     = flag.String("key", "", "Path to identity key file (overrides config)")
	nickname    = flag.String("nick", "", "Nickname announced to neighbours (overrides config)")
	listenAddr  = flag.String("listen", "", "libp2p listen multiaddr (overrides config)")
	bootstrap   = flag.String("bootstrap", "", "Comma-separated bootstrap multiaddrs (overrides config)")
	batteryMode = flag.String("battery", "", "Battery mode: aggressive, balanced, performance, maximum")
	apiAddr     = flag.String("api", "", "HTTP API listen address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable the HTTP API")
	archivePath = flag.String("archive", "", "Packet archive database path (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error")
	devLog      = flag.Bool("dev", false, "Human-readable development logging")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("Node failed", zap.Error(err))
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if *keyPath != "" {
		cfg.Identity.KeyPath = *keyPath
	}
	if *nickname != "" {
		cfg.Identity.Nickname = *nickname
	}
	if *listenAddr != "" {
		cfg.Transport.ListenAddrs = []string{*listenAddr}
	}
	if *bootstrap != "" {
		cfg.Transport.BootstrapPeers = strings.Split(*bootstrap, ",")
	}
	if *batteryMode != "" {
		mode, err := mesh.ParseBatteryMode(*batteryMode)
		if err != nil {
			return cfg, err
		}
		cfg.Mesh.BatteryMode = mode
	}
	if *apiAddr != "" {
		cfg.API.ListenAddr = *apiAddr
	}
	if *noAPI {
		cfg.API.Enabled = false
	}
	if *archivePath != "" {
		cfg.Storage.Path = *archivePath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *devLog {
		cfg.Log.Development = true
	}

	return cfg, cfg.Validate()
}

func run(cfg config.Config, logger *zap.Logger) error {
	printBanner()

	identity, created, err := crypto.LoadOrGenerateIdentity(cfg.Identity.KeyPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if created {
		pterm.Success.Printfln("New identity saved to %s", cfg.Identity.KeyPath)
	}

	hostKey, err := lp2pcrypto.UnmarshalEd25519PrivateKey(identity.PrivateKey())
	if err != nil {
		return fmt.Errorf("derive libp2p key: %w", err)
	}
	p2pCfg := cfg.Transport.P2P()
	p2pCfg.PrivateKey = hostKey

	tr, err := transport.NewP2P(p2pCfg, logger)
	if err != nil {
		return err
	}
	defer tr.Close()

	keyring := crypto.NewKeyRing(identity)
	opts := []mesh.Option{
		mesh.WithLogger(logger),
		mesh.WithSigner(identity),
		mesh.WithVerifier(keyring),
		mesh.WithSealer(keyring),
		mesh.WithAnnounceHandler(keyring),
		mesh.WithAnnouncement(identity.AnnouncePayload(cfg.Identity.Nickname)),
		mesh.WithMetrics(mesh.NewMetrics(prometheus.DefaultRegisterer)),
	}

	var archive *storage.PacketArchive
	if cfg.Storage.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
			return fmt.Errorf("create archive directory: %w", err)
		}
		archive, err = storage.NewPacketArchive(cfg.Storage.Path, cfg.Storage.Retention)
		if err != nil {
			return err
		}
		defer archive.Close()
		opts = append(opts, mesh.WithArchive(archive))
	}

	engine, err := mesh.New(tr, identity.PeerID(), cfg.Mesh, opts...)
	if err != nil {
		return err
	}
	if err := engine.Initialize(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	apiErr := make(chan error, 1)
	if cfg.API.Enabled {
		hub := api.NewHub(engine.Events(), logger)
		go hub.Run(ctx)
		go logEvents(ctx, hub, logger)

		serverOpts := []api.Option{api.WithHub(hub), api.WithLogger(logger)}
		if archive != nil {
			serverOpts = append(serverOpts, api.WithArchive(archive))
		}
		server := api.NewServer(engine, cfg.API.Config, serverOpts...)
		go func() { apiErr <- server.Start(ctx) }()
	} else {
		go drainEvents(ctx, engine.Events(), logger)
	}

	printStatus(cfg, engine, tr)
	go heartbeat(ctx, engine, logger)

	select {
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			logger.Error("API server stopped", zap.Error(err))
		}
	}

	pterm.Info.Println("Shutting down...")
	if err := engine.Stop(); err != nil && !errors.Is(err, mesh.ErrStopped) {
		return err
	}
	if archive != nil {
		if n, err := archive.PurgeExpired(); err == nil && n > 0 {
			logger.Info("Purged expired archive entries", zap.Int64("count", n))
		}
	}
	pterm.Success.Println("Goodbye!")
	return nil
}

func printBanner() {
	pterm.DefaultHeader.WithFullWidth().Println(fmt.Sprintf("Zentalk Mesh Node v%s", version))
	pterm.Println()
}

func printStatus(cfg config.Config, engine *mesh.Engine, tr *transport.P2PTransport) {
	dc := engine.DutyCycle()
	data := pterm.TableData{
		{"Field", "Value"},
		{"Peer ID", engine.LocalID().String()},
		{"Session", engine.SessionID()},
		{"Host", string(tr.ID())},
		{"Battery mode", engine.BatteryMode().String()},
		{"Duty cycle", fmt.Sprintf("scan %s / pause %s, max %d peers", dc.ScanActive, dc.ScanPause, dc.MaxConnections)},
		{"Cover traffic", fmt.Sprintf("%t", cfg.Mesh.CoverTraffic)},
	}
	for _, addr := range tr.Addrs() {
		data = append(data, []string{"Listening", addr})
	}
	if cfg.Storage.Path != "" {
		data = append(data, []string{"Archive", cfg.Storage.Path})
	}
	if cfg.API.Enabled {
		data = append(data, []string{"HTTP API", cfg.API.ListenAddr})
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		fmt.Println(err)
	}
	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}

func heartbeat(ctx context.Context, engine *mesh.Engine, logger *zap.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := engine.Stats()
			logger.Info("Heartbeat",
				zap.Int("connected_peers", stats.ConnectedPeers),
				zap.Int("known_peers", stats.KnownPeers),
				zap.Uint64("received", stats.PacketsReceived),
				zap.Uint64("relayed", stats.PacketsRelayed),
				zap.Uint64("delivered", stats.MessagesDelivered),
				zap.Int("cached", stats.CachedMessages),
			)
		}
	}
}

func logEvents(ctx context.Context, hub *api.Hub, logger *zap.Logger) {
	events, cancel := hub.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logEvent(ev, logger)
		}
	}
}

func drainEvents(ctx context.Context, events <-chan mesh.Event, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			logEvent(ev, logger)
		}
	}
}

func logEvent(ev mesh.Event, logger *zap.Logger) {
	switch ev.Kind {
	case mesh.EventPeerConnected, mesh.EventPeerDisconnected:
		logger.Info("Peer "+strings.TrimPrefix(ev.Kind.String(), "peer_"), zap.String("ref", string(ev.Ref)))
	case mesh.EventMessageDelivered:
		m := ev.Message
		logger.Info("Message delivered",
			zap.Stringer("id", m.ID),
			zap.Stringer("type", m.Type),
			zap.Stringer("from", m.From),
			zap.Bool("private", m.Private),
			zap.Int("bytes", len(m.Payload)),
		)
	case mesh.EventError:
		logger.Warn("Mesh error", zap.String("kind", string(ev.ErrorKind)), zap.String("ref", string(ev.Ref)), zap.Error(ev.Err))
	}
}
