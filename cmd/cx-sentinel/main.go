package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cxpulse/cx-sentinel/internal/api"
	"github.com/cxpulse/cx-sentinel/internal/cache"
	"github.com/cxpulse/cx-sentinel/internal/config"
	"github.com/cxpulse/cx-sentinel/internal/cxmetrics"
	"github.com/cxpulse/cx-sentinel/internal/dataset"
	"github.com/cxpulse/cx-sentinel/internal/detect"
	"github.com/cxpulse/cx-sentinel/internal/service"
	"github.com/cxpulse/cx-sentinel/internal/telemetry"
	"github.com/cxpulse/cx-sentinel/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting cx-sentinel", slog.String("address", cfg.Server.Address))

	if err := telemetry.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	calc := cxmetrics.NewCalculator()
	slicer := cxmetrics.NewSlicer(calc, cfg.Detection.MaxCohorts)
	pipeline := detect.NewPipeline(logger, calc, slicer, detect.NewSlicingEngine(), detect.NewManager(), detect.Params{
		MetricsToCheck:    cfg.Detection.MetricsToCheck,
		Dimensions:        cfg.Detection.Dimensions,
		MinOrders:         cfg.Detection.MinOrders,
		TopSlices:         cfg.Detection.TopSlices,
		CXScoreDeltaFloor: cfg.Detection.CXScoreDeltaFloor,
		RateDeltaPctFloor: cfg.Detection.RateDeltaPctFloor,
	})

	detector := detect.NewDetector(
		cfg.Detection.ZScoreThreshold,
		cfg.Detection.ZScoreWindow,
		cfg.Detection.EWMAAlpha,
		cfg.Detection.EWMAThreshold,
		cfg.Detection.MinSegmentSize,
	)

	var grids *cache.CohortCache
	if cfg.Cache.Enabled {
		grids = cache.New(cfg.Cache.TTL)
	}
	svc := service.NewDetectorService(logger, pipeline, slicer, detector, grids)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Data.Dir != "" {
		ds, err := dataset.LoadDir(cfg.Data.Dir)
		if err != nil {
			logger.Error("failed to load dataset", slog.String("dir", cfg.Data.Dir), slog.Any("error", err))
			os.Exit(1)
		}
		svc.SetDataset(ds)

		if cfg.Data.DetectOnBoot {
			created, err := svc.RunDetectionAuto(ctx, nil)
			if err != nil {
				logger.Warn("boot detection pass failed", slog.Any("error", err))
			} else {
				logger.Info("boot detection pass complete", slog.Int("incidents", len(created)))
			}
		}
	}

	server := api.NewServer(cfg.Server, logger, svc)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("cx-sentinel stopped")
}
