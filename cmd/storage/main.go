package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lesismal/arpc"
	"github.com/rs/zerolog"

	"github.com/DeltaLaboratory/ramstore/internal/backup"
	"github.com/DeltaLaboratory/ramstore/internal/discovery"
	"github.com/DeltaLaboratory/ramstore/internal/node"
	"github.com/DeltaLaboratory/ramstore/internal/protocol"
)

type Config struct {
	Locator     string
	Coordinator string
	EtcdAddrs   string
	Services    string
	ReadSpeed   uint
	ReplacesID  string
	DataDir     string
}

func main() {
	logger := zerolog.New(zerolog.NewConsoleWriter()).Level(zerolog.DebugLevel).With().Timestamp().Logger()

	cfg := parseFlags()

	services, err := protocol.ParseServiceMask(cfg.Services)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid service list")
	}

	replacesID := protocol.InvalidServerId
	if cfg.ReplacesID != "" {
		replacesID, err = protocol.ParseServerId(cfg.ReplacesID)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid replaces id")
		}
	}

	logger.Info().
		Str("locator", cfg.Locator).
		Str("services", services.String()).
		Uint("read_speed", cfg.ReadSpeed).
		Msg("Starting storage node")

	var replicas *backup.Store
	if services.Has(protocol.BackupService) {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			logger.Fatal().Err(err).Msg("Failed to create data directory")
		}
		replicas, err = backup.NewStore(filepath.Join(cfg.DataDir, "replicas"), logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open replica store")
		}
	}

	n := node.NewNode(replicas, logger)

	go func() {
		if err := n.Start(cfg.Locator); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start node server")
		}
	}()

	coordinatorAddr := cfg.Coordinator
	if coordinatorAddr == "" && cfg.EtcdAddrs != "" {
		cli, err := discovery.NewClient(strings.Split(cfg.EtcdAddrs, ","))
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to etcd")
		}
		coordinatorAddr, err = discovery.LookupCoordinator(cli)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to look up coordinator")
		}
	}
	if coordinatorAddr == "" {
		logger.Fatal().Msg("No coordinator address: pass -coordinator or -etcd")
	}

	id, err := enlist(coordinatorAddr, replacesID, services, uint32(cfg.ReadSpeed), cfg.Locator)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to enlist")
	}
	n.SetServerID(id)
	logger.Info().Str("server_id", id.String()).Msg("Enlisted with coordinator")

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, os.Interrupt, syscall.SIGTERM)
	<-terminate

	logger.Info().Msg("Shutting down storage node")
	if err := n.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop node server")
	}
	if replicas != nil {
		if err := replicas.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close replica store")
		}
	}
}

func enlist(coordinatorAddr string, replacesID protocol.ServerId,
	services protocol.ServiceMask, readSpeed uint32, locator string) (protocol.ServerId, error) {

	client, err := arpc.NewClient(func() (net.Conn, error) {
		return net.Dial("tcp", coordinatorAddr)
	})
	if err != nil {
		return protocol.InvalidServerId, err
	}
	defer client.Stop()

	req := &protocol.EnlistRequest{
		ReplacesID:     replacesID,
		Services:       services.Serialize(),
		ReadSpeed:      readSpeed,
		ServiceLocator: locator,
	}
	var resp protocol.EnlistResponse
	if err := client.Call("/coordinator/enlist", req, &resp, 10*time.Second); err != nil {
		return protocol.InvalidServerId, err
	}
	if resp.Error != "" {
		return protocol.InvalidServerId, &enlistError{msg: resp.Error}
	}
	return resp.ServerID, nil
}

type enlistError struct {
	msg string
}

func (e *enlistError) Error() string {
	return "enlist rejected: " + e.msg
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Locator, "locator", "localhost:8080", "Address this node serves RPCs on")
	flag.StringVar(&cfg.Coordinator, "coordinator", "", "Coordinator RPC address")
	flag.StringVar(&cfg.EtcdAddrs, "etcd", "", "Comma-separated etcd endpoints for coordinator discovery")
	flag.StringVar(&cfg.Services, "services", "master,backup,membership", "Comma-separated services this node offers")
	flag.UintVar(&cfg.ReadSpeed, "read-speed", 100, "Advertised storage read speed in MB/s (backup service)")
	flag.StringVar(&cfg.ReplacesID, "replaces", "", "Server id this node replaces (index.generation)")
	flag.StringVar(&cfg.DataDir, "data-dir", "data", "Directory for replica storage")

	flag.Parse()

	if cfg.Locator == "" {
		log.Fatal("Locator is required")
	}

	return cfg
}
