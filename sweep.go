package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"PPChat/global"
	"PPChat/global/config"
	"PPChat/logger"
)

// NewSweepCommand 一次性清理离线队列（过期 + 已投递超过保留期），给 cron 用
func NewSweepCommand(cfgPath *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired and old delivered offline records once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			global.ConfigLogger(cfg)
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			app, err := global.NewApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer app.Close()
			app.Queue.SweepOnce(ctx)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline")
	return cmd
}
