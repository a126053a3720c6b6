package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/speakle/rewards/internal/cache/rediscache"
	"github.com/speakle/rewards/internal/grpcserver"
	"github.com/speakle/rewards/internal/httpapi"
	"github.com/speakle/rewards/internal/logging"
	"github.com/speakle/rewards/internal/reconcile"
	"github.com/speakle/rewards/pkg/points"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Path: cfg.LogPath})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() {
		if closeErr := cleanup(); closeErr != nil {
			logger.Warn("database close", zap.Error(closeErr))
		}
	}()

	engineOptions := []points.EngineOption{points.WithOperationLogger(logging.NewOperationLogger(logger))}
	if cfg.RedisAddr != "" {
		client := rediscache.NewClient(rediscache.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer func() { _ = client.Close() }()
		engineOptions = append(engineOptions, points.WithAccountCache(rediscache.New(client, cfg.CacheTTL, rediscache.WithLogger(logger))))
	}
	engine, err := points.NewEngine(store, time.Now, points.EngineConfig{
		LockTimeout:  cfg.LockTimeout,
		BalanceFloor: points.BalanceFloor(cfg.BalanceFloor),
	}, engineOptions...)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	location, err := time.LoadLocation(cfg.AttendanceTimezone)
	if err != nil {
		return fmt.Errorf("attendance timezone: %w", err)
	}
	attendance, err := points.NewAttendanceService(engine, points.AttendanceConfig{
		Policy: points.RewardPolicy{
			BaseReward:        cfg.BaseReward,
			StreakBonusEvery:  cfg.StreakBonusEvery,
			StreakBonusAmount: cfg.StreakBonusAmount,
		},
		Location: location,
	})
	if err != nil {
		return fmt.Errorf("attendance init: %w", err)
	}

	reconciler, err := reconcile.New(engine, logger)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupCtx, cfg.HTTP, engine, attendance, logger)
	})
	if cfg.GRPCListenAddr != "" {
		group.Go(func() error {
			return serveGRPC(groupCtx, cfg.GRPCListenAddr, grpcserver.NewPointsServer(engine, attendance, logger), logger)
		})
	}
	if cfg.ReconcileInterval > 0 {
		group.Go(func() error {
			return reconciler.Serve(groupCtx, cfg.ReconcileInterval)
		})
	}
	return group.Wait()
}

func serveGRPC(ctx context.Context, listenAddr string, server grpcserver.PointsServiceServer, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer()
	grpcserver.Register(grpcServer, server)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
