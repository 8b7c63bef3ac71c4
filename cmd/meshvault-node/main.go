// Command meshvault-node starts a single meshvault DHT node: it brings up
// the libp2p transport, the routing table and DHT node, and the storage
// manager + content publisher on top of them, then blocks until
// interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nmxmxh/meshvault/internal/dhtnode"
	"github.com/nmxmxh/meshvault/internal/events"
	"github.com/nmxmxh/meshvault/internal/identity"
	"github.com/nmxmxh/meshvault/internal/publisher"
	"github.com/nmxmxh/meshvault/internal/routing"
	"github.com/nmxmxh/meshvault/internal/storage"
	"github.com/nmxmxh/meshvault/internal/transport"
)

func main() {
	var (
		dataDir  = flag.String("data-dir", "./meshvault-data", "directory for identity, chunk and metadata storage")
		strategy = flag.String("strategy", string(storage.LocalOnly), "storage strategy: local-only, network-only, p2p-only, hybrid")
		bootstrap = flag.String("bootstrap", "", "comma-separated multiaddrs of peers to dial at startup")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(*dataDir, storage.Strategy(*strategy), *bootstrap, logger); err != nil {
		logger.Error("meshvault-node exited with error", "error", err)
		os.Exit(1)
	}
}

func run(dataDir string, strategy storage.Strategy, bootstrap string, logger *slog.Logger) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}

	nodeID, err := identity.Persistent(filepath.Join(dataDir, "node_id"))
	if err != nil {
		return err
	}
	logger.Info("node identity loaded", "id", nodeID.String())

	tr, err := transport.NewLibp2pTransport(filepath.Join(dataDir, "libp2p_identity.json"), transport.DefaultConfig(), logger)
	if err != nil {
		return err
	}

	table := routing.NewTable(nodeID)
	bus := events.New()
	logSubscriptions(bus, logger)

	node := dhtnode.New(nodeID, table, tr, bus, dhtnode.DefaultConfig())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Stop()

	if bootstrap != "" {
		dialBootstrapPeers(ctx, tr, bootstrap, logger)
	}

	local := storage.NewLocalProvider(dataDir)
	var network, p2p storage.Provider
	switch strategy {
	case storage.NetworkOnly, storage.Hybrid:
		network = storage.NewNetworkProvider(node)
	}
	switch strategy {
	case storage.P2POnly, storage.Hybrid:
		p2pProvider := storage.NewP2PProvider(node)
		p2pProvider.StartAnnouncing(ctx)
		defer p2pProvider.StopAnnouncing()
		p2p = p2pProvider
	}

	manager := storage.NewManager(strategy, local, network, p2p, bus)
	pub := publisher.New(manager, node, bus)
	_ = pub // exposed to embedders via package import; the CLI itself is a bare node

	logger.Info("meshvault node running", "strategy", string(strategy), "data_dir", dataDir)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// logSubscriptions wires every named event to a structured log line,
// the minimal observability a bare node offers on its own.
func logSubscriptions(bus *events.Bus, logger *slog.Logger) {
	for _, name := range []events.Name{
		events.Started, events.Stopped, events.Error,
		events.PeerConnect, events.PeerDisconnect,
		events.MessageReceived, events.MessageSent,
		events.Stored, events.Retrieved, events.Deleted,
		events.Replicated, events.ReplicationFailed,
		events.ContentPublished, events.VersionCreated,
	} {
		name := name
		bus.Subscribe(name, func(payload interface{}) {
			logger.Info("event", "name", string(name), "payload", payload)
		})
	}
}

// dialBootstrapPeers dials each configured bootstrap multiaddr, logging
// failures. It only opens connections; the dialed peers are not added to
// the routing table.
func dialBootstrapPeers(ctx context.Context, tr transport.Transport, bootstrap string, logger *slog.Logger) {
	for _, addr := range splitNonEmpty(bootstrap, ',') {
		if _, err := tr.Dial(ctx, addr); err != nil {
			logger.Warn("failed to dial bootstrap peer", "addr", addr, "error", err)
		}
	}
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
