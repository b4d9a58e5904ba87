package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joelkehle/ratio-decidendi/internal/config"
	"github.com/joelkehle/ratio-decidendi/internal/logging"
	"github.com/joelkehle/ratio-decidendi/internal/ratio"
	"github.com/joelkehle/ratio-decidendi/internal/runstore"
	"github.com/joelkehle/ratio-decidendi/internal/telemetry"
)

var (
	configPath string
	busURL     string
	agentID    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "ratio-agent",
	Short:        "Bus agent that identifies the ratio decidendi of submitted judgments",
	SilenceUsage: true,
	RunE:         runAgent,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config")
	rootCmd.Flags().StringVar(&busURL, "bus-url", "", "Bus base URL (overrides config)")
	rootCmd.Flags().StringVar(&agentID, "agent-id", "", "Agent ID (overrides config)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
	logger, err := logging.New(verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if busURL != "" {
		cfg.Agent.BusURL = busURL
	}
	if agentID != "" {
		cfg.Agent.AgentID = agentID
	}
	secret, err := config.RequiredEnv("RATIO_AGENT_SECRET")
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.Init(ctx, telemetry.ConfigFromEnv("ratio-agent"))
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	invoker, err := cfg.NewInvoker()
	if err != nil {
		return err
	}
	pipelines, err := cfg.BuildPipelines(invoker)
	if err != nil {
		return err
	}

	var recorder ratio.RunRecorder
	if cfg.StoreDB != "" {
		store, err := runstore.NewSQLiteStore(cfg.StoreDB)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = store
	}

	agent := ratio.NewAgent(ratio.AgentConfig{
		BusURL:         cfg.Agent.BusURL,
		AgentID:        cfg.Agent.AgentID,
		Secret:         secret,
		PollWaitSec:    cfg.Agent.PollWaitSec,
		DefaultVariant: cfg.Variant,
		AttachmentRoot: cfg.Agent.AttachmentRoot,
	}, pipelines, recorder, logger)

	logger.Info("starting ratio agent",
		zap.String("bus", cfg.Agent.BusURL),
		zap.String("agent", cfg.Agent.AgentID),
		zap.String("provider", cfg.Model.Provider),
		zap.String("default_variant", cfg.Variant),
		zap.String("attachment_root", cfg.Agent.AttachmentRoot),
	)
	if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
