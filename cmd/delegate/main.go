// Command delegate runs one end-to-end delegation (spec §4.6): discover a
// capable node, preauthorize spend, dispatch the task, and reconcile the
// ledger, then print the result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/federated/agentfabric/pkg/delegate"
)

type envConfig struct {
	RegistryURL   string `env:"DELEGATE_REGISTRY_URL,required"`
	RegistryToken string `env:"DELEGATE_REGISTRY_TOKEN"`
	RelayURL      string `env:"DELEGATE_RELAY_URL"`
	RelayToken    string `env:"DELEGATE_RELAY_TOKEN"`
	ServiceToken  string `env:"DELEGATE_SERVICE_TOKEN"`
	ClientID      string `env:"DELEGATE_CLIENT_ID"`

	PreauthEnabled  bool          `env:"DELEGATE_PREAUTH_ENABLED" envDefault:"true"`
	PreauthRequired bool          `env:"DELEGATE_PREAUTH_REQUIRED" envDefault:"false"`
	RelayOnly       bool          `env:"DELEGATE_RELAY_ONLY" envDefault:"false"`
	RequestTimeout  time.Duration `env:"DELEGATE_REQUEST_TIMEOUT" envDefault:"120s"`
}

func newRootCmd() *cobra.Command {
	var kind, prompt, requireCapability, toNodeID string
	var maxPricePoints int64
	var hasMaxPrice bool

	cmd := &cobra.Command{
		Use:           "delegate",
		Short:         "Delegate one task to the best available node",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg envConfig
			if err := env.Parse(&cfg); err != nil {
				return fmt.Errorf("parse environment: %w", err)
			}
			if kind == "" || prompt == "" {
				return fmt.Errorf("--kind and --prompt are required")
			}

			client := delegate.New(delegate.Config{
				RegistryURL:     cfg.RegistryURL,
				RegistryToken:   cfg.RegistryToken,
				RelayURL:        cfg.RelayURL,
				RelayToken:      cfg.RelayToken,
				ServiceToken:    cfg.ServiceToken,
				ClientID:        cfg.ClientID,
				PreauthEnabled:  cfg.PreauthEnabled,
				PreauthRequired: cfg.PreauthRequired,
				RelayOnly:       cfg.RelayOnly,
				RequestTimeout:  cfg.RequestTimeout,
			})

			req := delegate.Request{
				Kind:              kind,
				Prompt:            prompt,
				RequireCapability: requireCapability,
				ToNodeID:          toNodeID,
			}
			if hasMaxPrice {
				req.MaxPricePoints = &maxPricePoints
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout+10*time.Second)
			defer cancel()

			result, warnings, err := client.Delegate(ctx, req)
			if err != nil {
				return fmt.Errorf("delegate: %w", err)
			}
			for _, w := range []struct {
				name string
				err  error
			}{{"commit", warnings.CommitErr}, {"cancel", warnings.CancelErr}, {"report", warnings.ReportErr}, {"award", warnings.AwardErr}} {
				if w.err != nil {
					fmt.Fprintf(os.Stderr, "delegate: %s reconciliation warning: %v\n", w.name, w.err)
				}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"nodeId":  result.Node.NodeID,
				"content": result.Content,
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "task kind: echo, llm.chat, or agent")
	cmd.Flags().StringVar(&prompt, "prompt", "", "task prompt")
	cmd.Flags().StringVar(&requireCapability, "capability", "", "required capability (defaults to --kind)")
	cmd.Flags().StringVar(&toNodeID, "node", "", "pin a specific node id instead of scoring candidates")
	cmd.Flags().Int64Var(&maxPricePoints, "max-price", 0, "reject candidates above this many price points")
	cmd.Flags().BoolVar(&hasMaxPrice, "limit-price", false, "enable the --max-price ceiling")

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "delegate: %v\n", err)
		os.Exit(1)
	}
}
