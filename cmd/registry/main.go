// Command registry runs the federation fabric's Registry (spec §4.1): the
// authoritative node directory, ledger, and knowledge pack store.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/federated/agentfabric/pkg/registry"
)

// envConfig is parsed straight from the process environment, the same
// struct-with-env-tags shape the fleet store's PostgresConfig uses.
type envConfig struct {
	ListenAddr       string        `env:"REGISTRY_LISTEN_ADDR" envDefault:":8081"`
	HealthHost       string        `env:"REGISTRY_HEALTH_HOST" envDefault:"127.0.0.1"`
	HealthPort       int           `env:"REGISTRY_HEALTH_PORT" envDefault:"8082"`
	MetricsAddr      string        `env:"REGISTRY_METRICS_ADDR"`
	RegistryToken    string        `env:"REGISTRY_TOKEN"`
	SnapshotPath     string        `env:"REGISTRY_SNAPSHOT_PATH"`
	SnapshotInterval time.Duration `env:"REGISTRY_SNAPSHOT_INTERVAL" envDefault:"30s"`
	RateLimitPerMin  float64       `env:"REGISTRY_RATE_LIMIT_PER_MIN" envDefault:"600"`
	RateLimitBurst   int           `env:"REGISTRY_RATE_LIMIT_BURST" envDefault:"60"`
	AuditDBPath      string        `env:"REGISTRY_AUDIT_DB_PATH"`

	InitialPoints         int64         `env:"REGISTRY_INITIAL_POINTS" envDefault:"100"`
	NodeTTL               time.Duration `env:"REGISTRY_NODE_TTL" envDefault:"90s"`
	PreauthTTL            time.Duration `env:"REGISTRY_PREAUTH_TTL" envDefault:"2m"`
	MaxKnowledgeBytes     int           `env:"REGISTRY_MAX_KNOWLEDGE_BYTES" envDefault:"65536"`
	AllowMintWithoutPayer bool          `env:"REGISTRY_ALLOW_MINT_WITHOUT_PAYER" envDefault:"false"`

	// Bridge: periodic outbound sync push to peer registries (§ bridge
	// Supplemented Feature). BridgePeerURLs seeds an in-memory peer list;
	// setting BridgePg.Host (BRIDGE_PG_HOST) switches to a durable
	// Postgres-backed one.
	BridgePeerURLs   []string              `env:"REGISTRY_BRIDGE_PEER_URLS" envSeparator:","`
	BridgeInterval   time.Duration         `env:"REGISTRY_BRIDGE_INTERVAL" envDefault:"60s"`
	BridgePg         registry.PostgresConfig

	Debug bool `env:"REGISTRY_DEBUG" envDefault:"false"`
}

// newPeerDirectory picks the Postgres-backed peer directory when
// BridgePg.Host is set, falling back to an in-memory one seeded from
// REGISTRY_BRIDGE_PEER_URLS otherwise.
func newPeerDirectory(cfg envConfig) (registry.PeerDirectory, error) {
	if cfg.BridgePg.Host != "" {
		return registry.NewPostgresPeerDirectory(cfg.BridgePg)
	}
	return registry.NewMemoryPeerDirectory(cfg.BridgePeerURLs), nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "registry",
		Short:         "Run the federation fabric registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg envConfig
			if err := env.Parse(&cfg); err != nil {
				return fmt.Errorf("parse environment: %w", err)
			}
			logger := newLogger(cfg.Debug)

			state := registry.NewState(registry.Config{
				InitialPoints:         cfg.InitialPoints,
				TTL:                   cfg.NodeTTL,
				PreauthTTL:            cfg.PreauthTTL,
				MaxKnowledgeBytes:     cfg.MaxKnowledgeBytes,
				AllowMintWithoutPayer: cfg.AllowMintWithoutPayer,
			})
			srv := registry.NewServer(registry.ServerConfig{
				ListenAddr:       cfg.ListenAddr,
				HealthHost:       cfg.HealthHost,
				HealthPort:       cfg.HealthPort,
				MetricsAddr:      cfg.MetricsAddr,
				RegistryToken:    cfg.RegistryToken,
				SnapshotPath:     cfg.SnapshotPath,
				SnapshotInterval: cfg.SnapshotInterval,
				RateLimitPerMin:  cfg.RateLimitPerMin,
				RateLimitBurst:   cfg.RateLimitBurst,
				AuditDBPath:      cfg.AuditDBPath,
			}, state, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.BridgePg.Host != "" || len(cfg.BridgePeerURLs) > 0 {
				directory, err := newPeerDirectory(cfg)
				if err != nil {
					return fmt.Errorf("open bridge peer directory: %w", err)
				}
				bridge := registry.NewBridge(state, directory, registry.WSSyncPusher{}, cfg.RegistryToken, cfg.BridgeInterval, logger)
				go bridge.Run(ctx)
			}

			return srv.Run(ctx)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "registry: %v\n", err)
		os.Exit(1)
	}
}
