// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skobkin/gpumon/internal/config"
	"github.com/skobkin/gpumon/internal/httpserver"
	"github.com/skobkin/gpumon/internal/monitor"
	"github.com/skobkin/gpumon/internal/sampler"
)

const shutdownTimeout = 10 * time.Second

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	mon, ok := monitor.Select(monitor.Options{
		SysfsRoot:   cfg.Sources.SysfsRoot,
		ProcRoot:    cfg.Sources.ProcRoot,
		DisableNVML: !cfg.Sources.EnableNVML,
	}, baseLogger.With("component", "monitor"))
	if ok {
		info := mon.StaticInfo()
		appLogger.Info("GPU monitor selected",
			"backend", mon.Backend(),
			"name", info.Name,
			"driver", info.DriverVersion,
			"pcie", fmt.Sprintf("gen%d x%d", info.PCIeGeneration, info.PCIeWidth),
		)
	} else {
		appLogger.Warn("serving without GPU telemetry")
	}

	return serve(ctx, baseLogger, cfg, mon)
}

// serve runs the sampler and HTTP server around an already selected monitor,
// which may be nil.
func serve(ctx context.Context, baseLogger *slog.Logger, cfg config.Config, mon monitor.Monitor) error {
	appLogger := baseLogger.With("component", "app")

	samplerManager, err := sampler.NewManager(cfg.SampleInterval, mon, baseLogger.With("component", "sampler"))
	if err != nil {
		if mon != nil {
			_ = mon.Close()
		}
		return fmt.Errorf("init sampler manager: %w", err)
	}
	defer func() {
		if err := samplerManager.Close(); err != nil {
			appLogger.Warn("sampler manager close", "err", err)
		}
	}()

	samplerCtx, samplerCancel := context.WithCancel(ctx)
	defer samplerCancel()

	samplerErrCh := make(chan error, 1)
	go func() {
		samplerErrCh <- samplerManager.Run(samplerCtx)
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), samplerManager)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stopSampler := func() error {
		samplerCancel()
		if samplerErrCh == nil {
			return nil
		}
		if err := <-samplerErrCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	for {
		select {
		case err := <-errCh:
			samplerErr := stopSampler()
			if err != nil {
				return err
			}
			return samplerErr
		case err := <-samplerErrCh:
			samplerErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			if err := <-errCh; err != nil {
				return err
			}
			if err := stopSampler(); err != nil {
				return err
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}
