// Command relay runs the federation fabric's Relay (spec §4.2): the
// forwarding hop that lets a client reach a node with no inbound port.
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

	"github.com/federated/agentfabric/pkg/relay"
)

type envConfig struct {
	ListenAddr       string        `env:"RELAY_LISTEN_ADDR" envDefault:":8091"`
	HealthHost       string        `env:"RELAY_HEALTH_HOST" envDefault:"127.0.0.1"`
	HealthPort       int           `env:"RELAY_HEALTH_PORT" envDefault:"8092"`
	RelayToken       string        `env:"RELAY_TOKEN"`
	PendingTTL       time.Duration `env:"RELAY_PENDING_TTL" envDefault:"60s"`
	RateLimitPerMin  float64       `env:"RELAY_RATE_LIMIT_PER_MIN" envDefault:"600"`
	RateLimitBurst   int           `env:"RELAY_RATE_LIMIT_BURST" envDefault:"60"`
	Debug            bool          `env:"RELAY_DEBUG" envDefault:"false"`
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
		Use:           "relay",
		Short:         "Run the federation fabric relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg envConfig
			if err := env.Parse(&cfg); err != nil {
				return fmt.Errorf("parse environment: %w", err)
			}
			logger := newLogger(cfg.Debug)

			srv := relay.NewServer(relay.ServerConfig{
				ListenAddr:       cfg.ListenAddr,
				HealthHost:       cfg.HealthHost,
				HealthPort:       cfg.HealthPort,
				RelayToken:       cfg.RelayToken,
				PendingTTL:       cfg.PendingTTL,
				RateLimitPerMin:  cfg.RateLimitPerMin,
				RateLimitBurst:   cfg.RateLimitBurst,
			}, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}
