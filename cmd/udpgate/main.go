// Package main provides the CLI entry point for the udpgate relay.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/udpgate/internal/config"
	"github.com/postalsys/udpgate/internal/gateway"
	"github.com/postalsys/udpgate/internal/logging"
	"github.com/postalsys/udpgate/internal/metrics"
	"github.com/postalsys/udpgate/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "udpgate",
		Short: "udpgate - UDP flood-protection relay for game servers",
		Long: `udpgate sits in front of a UDP game server and relays traffic for
each configured port. New clients are held back for a short admission
delay, so flood tools that give up after a couple of seconds never reach
the server. IPs that keep abandoning sessions are banned.

The relay binds a concrete external IPv4 address, which takes priority
over a server bound to 0.0.0.0 on the same ports.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run [<IPv4> <port> [<port>...]]",
		Short: "Run the relays",
		Long: `Start one relay per port. The listen address and ports come from the
config file and may be overridden by positional arguments.`,
		Example: `  udpgate run 203.0.113.10 7777 7778
  udpgate run -c udpgate.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, args)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			for _, w := range cfg.Warnings() {
				logger.Warn("configuration warning", "warning", w)
			}

			g, err := gateway.New(cfg, logger, metrics.Default())
			if err != nil {
				return fmt.Errorf("failed to create gateway: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting udpgate",
				"version", Version,
				"address", cfg.Listen.Address,
				"ports", g.Ports(),
				"backend", cfg.Backend.Address)

			if err := g.Run(ctx); err != nil {
				return fmt.Errorf("gateway stopped with error: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}

// loadConfig reads the config file if given, applies positional arguments
// and validates the result.
func loadConfig(path string, args []string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if err := cfg.ApplyArgs(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Long:  "Run the setup wizard and write a relay configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists", output)
			}

			if _, err := wizard.New().Run(output); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "./udpgate.yaml", "Where to write the configuration file")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("udpgate %s\n", Version)
		},
	}
}
