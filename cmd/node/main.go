// Command node runs the federation fabric's Node Service (spec §4.4): the
// direct task execution endpoint a caller talks to once it holds a node's
// endpoint URL. If RELAY_URL is set, it additionally dials out to a relay
// (spec §4.5) so the node never needs an inbound port at all.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/federated/agentfabric/pkg/nodesvc"
	"github.com/federated/agentfabric/pkg/registrar"
	"github.com/federated/agentfabric/pkg/relayclient"
	"github.com/federated/agentfabric/pkg/taskexec"
)

type envConfig struct {
	ListenAddr   string `env:"NODE_LISTEN_ADDR" envDefault:":8071"`
	HealthHost   string `env:"NODE_HEALTH_HOST" envDefault:"127.0.0.1"`
	HealthPort   int    `env:"NODE_HEALTH_PORT" envDefault:"8072"`
	ServiceToken string `env:"NODE_SERVICE_TOKEN"`

	IPRateLimitPerMin   float64 `env:"NODE_IP_RATE_LIMIT_PER_MIN" envDefault:"60"`
	IPRateLimitBurst    int     `env:"NODE_IP_RATE_LIMIT_BURST" envDefault:"60"`
	NodeRateLimitPerMin float64 `env:"NODE_CLIENT_RATE_LIMIT_PER_MIN" envDefault:"60"`
	NodeRateLimitBurst  int     `env:"NODE_CLIENT_RATE_LIMIT_BURST" envDefault:"60"`

	AllowAgentTasks    bool     `env:"NODE_ALLOW_AGENT_TASKS" envDefault:"false"`
	MaxTokens          int      `env:"NODE_MAX_TOKENS" envDefault:"1024"`
	AgentMaxIterations int      `env:"NODE_AGENT_MAX_ITERATIONS" envDefault:"8"`
	ToolAllowlist      []string `env:"NODE_TOOL_ALLOWLIST" envSeparator:","`

	NodeID      string `env:"NODE_ID"`
	NodeName    string `env:"NODE_NAME"`
	EndpointURL string `env:"NODE_ENDPOINT_URL"`
	RelayURL    string `env:"RELAY_URL"`
	RelayToken  string `env:"RELAY_TOKEN"`

	RegistryURL    string `env:"REGISTRY_URL"`
	RegistryToken  string `env:"REGISTRY_TOKEN"`
	PricePoints    int64  `env:"NODE_PRICE_POINTS" envDefault:"1"`
	CapabilityCardFile string `env:"NODE_CAPABILITY_CARD_FILE"`

	Debug bool `env:"NODE_DEBUG" envDefault:"false"`
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
		Use:           "node",
		Short:         "Run a federation fabric node service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg envConfig
			if err := env.Parse(&cfg); err != nil {
				return fmt.Errorf("parse environment: %w", err)
			}
			logger := newLogger(cfg.Debug)

			card, err := loadCapabilityCard(cfg.CapabilityCardFile)
			if err != nil {
				return err
			}

			executor := taskexec.New(taskexec.Config{
				AllowAgentTasks:    cfg.AllowAgentTasks,
				MaxTokens:          cfg.MaxTokens,
				AgentMaxIterations: cfg.AgentMaxIterations,
				ToolAllowlist:      cfg.ToolAllowlist,
			}, nil, nil)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc := nodesvc.NewServer(nodesvc.ServerConfig{
				ListenAddr:   cfg.ListenAddr,
				HealthHost:   cfg.HealthHost,
				HealthPort:   cfg.HealthPort,
				ServiceToken: cfg.ServiceToken,
				IPRateLimit:   nodesvc.RateLimitConfig{PerMin: cfg.IPRateLimitPerMin, Burst: cfg.IPRateLimitBurst},
				NodeRateLimit: nodesvc.RateLimitConfig{PerMin: cfg.NodeRateLimitPerMin, Burst: cfg.NodeRateLimitBurst},
			}, executor, logger)

			var wg sync.WaitGroup
			if cfg.RegistryURL != "" {
				caps := map[string]bool{"echo": true, "llm.chat": true}
				if cfg.AllowAgentTasks {
					caps["agent"] = true
				}
				reg := registrar.New(registrar.Config{
					RegistryURL:    cfg.RegistryURL,
					RegistryToken:  cfg.RegistryToken,
					NodeID:         cfg.NodeID,
					NodeName:       cfg.NodeName,
					EndpointURL:    cfg.EndpointURL,
					Capabilities:   caps,
					CapabilityCard: card,
					PricePoints:    cfg.PricePoints,
				}, logger)
				wg.Add(1)
				go func() {
					defer wg.Done()
					reg.Run(ctx)
				}()
			}
			if cfg.RelayURL != "" {
				rc := relayclient.New(relayclient.Config{
					RelayURL:     cfg.RelayURL,
					NodeID:       cfg.NodeID,
					RelayToken:   cfg.RelayToken,
					ServiceToken: cfg.ServiceToken,
				}, relayclient.RateLimitConfig{PerMin: cfg.IPRateLimitPerMin, Burst: cfg.IPRateLimitBurst},
					relayclient.RateLimitConfig{PerMin: cfg.NodeRateLimitPerMin, Burst: cfg.NodeRateLimitBurst},
					executor, logger)
				wg.Add(1)
				go func() {
					defer wg.Done()
					rc.Run(ctx)
				}()
			}

			svcErr := svc.Run(ctx)
			wg.Wait()
			return svcErr
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}
