package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/mahmut-Abi/openclaw-feishu/internal/agent"
	"github.com/mahmut-Abi/openclaw-feishu/internal/config"
	"github.com/mahmut-Abi/openclaw-feishu/internal/dispatch"
	"github.com/mahmut-Abi/openclaw-feishu/internal/feishu"
	"github.com/mahmut-Abi/openclaw-feishu/internal/logging"
	"github.com/mahmut-Abi/openclaw-feishu/internal/pairing"
)

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return path
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the adapter",
		Long:  `Connect to Feishu over the long connection and serve agent turns until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return err
			}
			log := logging.WithComponent("serve")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := feishu.NewClient(cfg.Feishu)

			store, err := pairing.Open(cfg.Pairing.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runner := agent.NewRunner(cfg.Agent)
			if !runner.Available() {
				log.Warn("agent binary not found on PATH; turns will fail",
					slog.String("command", cfg.Agent.Command[0]))
			}

			handler := dispatch.NewHandler(client, runner, store,
				cfg.Pairing, cfg.Typing, cfg.Streaming, cfg.Render)
			defer handler.Close()

			sweeper := cron.New()
			if _, err := sweeper.AddFunc(cfg.Pairing.SweepSchedule, func() {
				if n, err := store.SweepExpired(); err != nil {
					log.Error("pairing sweep failed", slog.Any("error", err))
				} else if n > 0 {
					log.Info("expired pairing requests removed", slog.Int("count", n))
				}
			}); err != nil {
				return fmt.Errorf("invalid pairing sweep schedule: %w", err)
			}
			sweeper.Start()
			defer sweeper.Stop()

			log.Info("adapter starting",
				slog.String("app_id", cfg.Feishu.AppID),
				slog.String("policy", cfg.Pairing.Policy),
				slog.Bool("streaming", cfg.Streaming.Enabled))

			transport := feishu.NewTransport(client, handler)
			if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			if ctx.Err() == context.Canceled {
				log.Info("shutting down")
			}
			return nil
		},
	}
}
