package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"peer-chat/internal"
	"peer-chat/relay"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	config, err := internal.Load[internal.RelayConfig]()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	hub := relay.NewHub(log)
	server := relay.NewServer(hub, log, config.OpsPerSecond, config.Burst)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthListener, err := net.Listen("tcp", config.HealthAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.HealthAddress, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	errChan := make(chan error, 2)
	go func() {
		log.Info("Starting health server", "address", config.HealthAddress)
		if err := grpcServer.Serve(healthListener); err != nil && err != grpc.ErrServerStopped {
			errChan <- fmt.Errorf("health server error: %w", err)
		}
	}()
	go func() {
		log.Info("Starting relay", "address", config.Address, "path", relay.Path, "at", time.Now().UTC())
		if err := server.Listen(config.Address); err != nil {
			errChan <- fmt.Errorf("relay server error: %w", err)
		}
	}()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		grpcServer.Stop()
		return err
	}

	healthServer.Shutdown()
	if err := server.Shutdown(); err != nil {
		log.Warn("Relay shutdown failed", "error", err)
	}
	grpcServer.GracefulStop()
	log.Info("Relay stopped cleanly", "connections", hub.Connections())
	return nil
}
