package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/MegaGrindStone/scout-web-ui/internal/config"
	"github.com/MegaGrindStone/scout-web-ui/internal/services"
	"github.com/spf13/cobra"
)

type cliConfig struct {
	AgentURL string `yaml:"agentURL" env:"SCOUT_AGENT_URL"`
	LogLevel string `yaml:"logLevel" env:"SCOUT_LOG_LEVEL"`
}

// app holds what every command needs once the persistent flags are parsed.
type app struct {
	cfg    cliConfig
	scout  services.Scout
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	var agentURL, logLevel string

	root := &cobra.Command{
		Use:   "scout",
		Short: "Talk to the Scout data analysis agent from the terminal",
		Long: `scout is a terminal client of the Scout agent API.

Settings are read from scoutwebui/scout.yaml in the user config directory, or the file named by
SCOUT_CONFIG, then from the SCOUT_AGENT_URL and SCOUT_LOG_LEVEL environment variables. Flags win
over both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a.cfg = cliConfig{AgentURL: "http://localhost:8000", LogLevel: "warn"}
			if err := config.Load("scout", &a.cfg, &a.cfg); err != nil {
				return err
			}
			if cmd.Flags().Changed("agent-url") {
				a.cfg.AgentURL = agentURL
			}
			if cmd.Flags().Changed("log-level") {
				a.cfg.LogLevel = logLevel
			}

			logger, err := config.NewLogger(cmd.ErrOrStderr(), a.cfg.LogLevel)
			if err != nil {
				return err
			}
			a.logger = logger
			a.scout = services.NewScout(a.cfg.AgentURL, &http.Client{}, logger)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&agentURL, "agent-url", "", "base URL of the agent API")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		a.chatCmd(),
		a.healthCmd(),
		a.chartCmd(),
		a.historyCmd(),
	)

	return root
}

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the agent API is up and ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := a.scout.Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "status: %s\nagent ready: %t\n", h.Status, h.AgentReady)
			if !h.AgentReady {
				return fmt.Errorf("agent is not ready")
			}
			return nil
		},
	}
}
