// Package main provides the entry point for the fleet control plane.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/narvanalabs/fleet/internal/api"
	"github.com/narvanalabs/fleet/internal/events"
	"github.com/narvanalabs/fleet/internal/fleet"
	fleetgrpc "github.com/narvanalabs/fleet/internal/grpc"
	"github.com/narvanalabs/fleet/internal/leader"
	"github.com/narvanalabs/fleet/internal/scheduler"
	"github.com/narvanalabs/fleet/internal/shutdown"
	"github.com/narvanalabs/fleet/internal/store"
	"github.com/narvanalabs/fleet/internal/store/memory"
	pgstore "github.com/narvanalabs/fleet/internal/store/postgres"
	"github.com/narvanalabs/fleet/pkg/config"
	"github.com/narvanalabs/fleet/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	slog.SetDefault(log.Logger)

	if err := run(cfg, log.Logger); err != nil {
		log.Error("control plane failed", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if strings.HasPrefix(cfg.DatabaseDSN, "memory://") {
		log.Warn("using in-memory store, state is lost on exit")
		return memory.New(), nil
	}
	st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// lead reloads state for a new leadership term, retrying until it succeeds or ctx ends.
func lead(ctx context.Context, svc *fleet.Service, log *slog.Logger) bool {
	for {
		err := svc.Lead(ctx)
		if err == nil {
			return true
		}
		log.Error("failed to take over as leader, retrying", "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	coord := shutdown.NewCoordinator(shutdown.WithTimeout(cfg.ShutdownTimeout), shutdown.WithLogger(log))
	ctx, cancel := context.WithCancel(coord.NotifyContext(context.Background()))
	defer cancel()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	coord.Register(shutdown.NewCloserComponent("store", st))

	broker := events.NewBroker(cfg.EventBuffer, log)
	fleetCfg := fleet.ConfigFrom(&cfg.Scheduler)
	fleetCfg.Standby = cfg.Leader.Enabled()
	svc := fleet.New(st, broker, fleetCfg, log)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	if err := svc.Bootstrap(ctx, cfg.Bootstrap); err != nil {
		return err
	}

	identity, _ := os.Hostname()
	elector, err := leader.New(cfg.Leader, identity, log)
	if err != nil {
		return err
	}
	coord.Register(shutdown.NewCloserComponent("leader", elector))

	monitor := scheduler.NewMonitor(svc.Scheduler(), svc.Reconciler(), &cfg.Scheduler, log)
	coord.Register(shutdown.NewStopperComponent("monitor", monitor))
	go elector.Run(ctx, func(ctx context.Context) {
		if fleetCfg.Standby {
			if !lead(ctx, svc, log) {
				return
			}
			defer svc.StepDown()
		}
		if err := monitor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduling monitor exited", "error", err)
		}
	})

	grpcServer, err := fleetgrpc.NewServer(fleetgrpc.ConfigFrom(cfg), svc, log)
	if err != nil {
		return err
	}
	coord.Register(shutdown.NewFuncComponent("grpc", grpcServer.Stop))

	server := api.NewServer(cfg, svc, broker, log)
	server.Health().AddProbe("leader", leader.Probe(elector), false)
	coord.Register(shutdown.NewFuncComponent("http", server.Shutdown))

	errCh := make(chan error, 2)
	go func() { errCh <- grpcServer.Start(ctx) }()
	go func() { errCh <- server.Start(ctx) }()

	log.Info("fleet control plane started",
		"api_port", cfg.APIPort,
		"grpc_port", cfg.GRPCPort,
		"leader_election", cfg.Leader.Enabled(),
	)

	select {
	case err = <-errCh:
		if err != nil {
			log.Error("server failed", "error", err)
		}
		cancel()
		coord.Shutdown()
	case <-ctx.Done():
	}

	coord.Wait()
	if err == nil && coord.ExitCode() != 0 {
		err = errors.New("graceful shutdown timed out")
	}
	return err
}
