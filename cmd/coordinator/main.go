package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/ramstore/internal/coordinator"
	"github.com/DeltaLaboratory/ramstore/internal/discovery"
	"github.com/DeltaLaboratory/ramstore/internal/dlog"
	"github.com/DeltaLaboratory/ramstore/internal/rpc"
	"github.com/DeltaLaboratory/ramstore/internal/server"
	alog "github.com/lesismal/arpc/log"
)

type Config struct {
	RPCAddr     string
	MetricsAddr string
	DataDir     string
	EtcdAddrs   string
	RPCTimeout  time.Duration
}

// ALogAdapter routes arpc's internal logging through zerolog.
type ALogAdapter struct {
	logger zerolog.Logger
}

func (a *ALogAdapter) SetLevel(level int) {
	switch level {
	case alog.LevelDebug:
		a.logger = a.logger.Level(zerolog.DebugLevel)
	case alog.LevelInfo:
		a.logger = a.logger.Level(zerolog.InfoLevel)
	case alog.LevelWarn:
		a.logger = a.logger.Level(zerolog.WarnLevel)
	case alog.LevelError:
		a.logger = a.logger.Level(zerolog.ErrorLevel)
	}
}

func (a *ALogAdapter) Debug(format string, v ...interface{}) {
	a.logger.Debug().Msgf(format, v...)
}

func (a *ALogAdapter) Info(format string, v ...interface{}) {
	a.logger.Info().Msgf(format, v...)
}

func (a *ALogAdapter) Warn(format string, v ...interface{}) {
	a.logger.Warn().Msgf(format, v...)
}

func (a *ALogAdapter) Error(format string, v ...interface{}) {
	a.logger.Error().Msgf(format, v...)
}

// loggingRecovery stands in for the master recovery manager, which runs as
// a separate service; the coordinator only needs to hand it crash
// snapshots.
type loggingRecovery struct {
	logger zerolog.Logger
}

func (r *loggingRecovery) StartMasterRecovery(srv coordinator.Entry) {
	if !srv.IsMaster() {
		return
	}
	r.logger.Info().
		Str("server_id", srv.ServerID.String()).
		Str("locator", srv.ServiceLocator).
		Msg("master recovery requested")
}

func main() {
	logger := zerolog.New(zerolog.NewConsoleWriter()).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	alog.DefaultLogger = &ALogAdapter{logger: logger}

	cfg := parseFlags()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal().Err(err).Msg("Failed to create data directory")
	}

	logger.Info().
		Str("rpc_addr", cfg.RPCAddr).
		Str("metrics_addr", cfg.MetricsAddr).
		Str("data_dir", cfg.DataDir).
		Dur("rpc_timeout", cfg.RPCTimeout).
		Msg("Starting coordinator")

	durableLog, err := dlog.OpenBoltLog(filepath.Join(cfg.DataDir, "coordinator-log.db"), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open durable log")
	}

	pool := rpc.NewPool()
	list := coordinator.New(coordinator.Config{
		Log:        durableLog,
		Transport:  pool,
		Recovery:   &loggingRecovery{logger: logger.With().Str("layer", "recovery").Logger()},
		RPCTimeout: cfg.RPCTimeout,
		Logger:     logger,
	})

	tablets := coordinator.NewTabletDirectory(logger)
	list.AddTracker(tablets)

	srv := server.NewServer(list, tablets, logger)

	go func() {
		if err := srv.Start(cfg.RPCAddr); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start RPC server")
		}
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := srv.ServeMetrics(cfg.MetricsAddr); err != nil {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	if cfg.EtcdAddrs != "" {
		cli, err := discovery.NewClient(strings.Split(cfg.EtcdAddrs, ","))
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to etcd")
		}
		if _, err := discovery.RegisterCoordinator(cli, cfg.RPCAddr, 10); err != nil {
			logger.Fatal().Err(err).Msg("Failed to register coordinator")
		}
		logger.Info().Str("etcd", cfg.EtcdAddrs).Msg("Registered coordinator in etcd")
	}

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, os.Interrupt, syscall.SIGTERM)
	<-terminate

	logger.Info().Msg("Shutting down coordinator")
	list.HaltUpdater()
	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop RPC server")
	}
	pool.Close()
	if err := durableLog.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close durable log")
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.RPCAddr, "rpc-addr", "localhost:7070", "Coordinator RPC address")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Prometheus metrics address (empty = disabled)")
	flag.StringVar(&cfg.DataDir, "data-dir", "data", "Directory for the durable coordinator log")
	flag.StringVar(&cfg.EtcdAddrs, "etcd", "", "Comma-separated etcd endpoints for discovery (optional)")
	flag.DurationVar(&cfg.RPCTimeout, "rpc-timeout", 0, "Timeout for a single membership update RPC (0 = none)")

	flag.Parse()

	if cfg.RPCAddr == "" {
		log.Fatal("RPC address is required")
	}

	return cfg
}
