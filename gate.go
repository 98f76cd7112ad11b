package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"PPChat/global"
	"PPChat/global/config"
	"PPChat/logger"
	"PPChat/tools/errs"
)

func NewGatewayCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "gateway",
		Aliases: []string{"g"},
		Short:   "Start the websocket gateway node",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			global.ConfigLogger(cfg)
			defer logger.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, cfg)
		},
	}
}

func runGateway(ctx context.Context, cfg *config.Config) error {
	app, err := global.NewApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer app.Close()

	lis, err := net.Listen("tcp", cfg.Node.GRPCAddr)
	if err != nil {
		return errs.WrapMsg(err, "grpc listen", "addr", cfg.Node.GRPCAddr)
	}
	gs := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(gs, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	hs := &http.Server{Addr: cfg.Node.HTTPAddr, Handler: app.Engine, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("[gRPC] health listening", zap.String("addr", cfg.Node.GRPCAddr))
		return gs.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("[HTTP] listening", zap.String("addr", cfg.Node.HTTPAddr), zap.String("node", cfg.Node.ID))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return app.Registry.Run(gctx) })
	g.Go(func() error { return app.Queue.Run(gctx) })
	g.Go(func() error { return app.Server.Run(gctx) })
	if app.Publisher != nil {
		g.Go(func() error { return app.Publisher.Run(gctx) })
	}
	if app.Presence != nil {
		g.Go(func() error { return app.Presence.Run(gctx, app.Registry) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("[Gateway] shutting down")
		healthServer.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := hs.Shutdown(sctx); err != nil {
			logger.Warn("[HTTP] shutdown", zap.Error(err))
		}
		if app.Kicker != nil {
			_ = app.Kicker.Stop()
		}
		// 升级后的 websocket 不受 http.Server.Shutdown 管理，单独关闭
		app.Server.Shutdown()
		gs.GracefulStop()
		return nil
	})

	err = g.Wait()
	if app.Publisher != nil {
		if cerr := app.Publisher.Close(); cerr != nil {
			logger.Warn("[Kafka] close producer", zap.Error(cerr))
		}
	}
	return err
}
