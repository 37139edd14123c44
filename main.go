package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mtaylor91/signal-relay/pkg"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	config, envErr := pkg.LoadConfigFromEnv()

	cmd := &cobra.Command{
		Use:   "signal-relay",
		Short: "Rendezvous relay for WebRTC signaling",
		Long: `signal-relay tracks ephemeral rooms and forwards offers, answers and ICE
candidates between the members of each room over websockets.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return fmt.Errorf("invalid environment: %w", envErr)
			}
			return run(config)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&config.Port, "port", config.Port, "signaling listen port (env PORT)")
	flags.IntVar(&config.MetricsPort, "metrics-port", config.MetricsPort,
		"metrics listen port, 0 disables (env METRICS_PORT)")
	flags.IntVar(&config.MaxRoomMembers, "max-room-members", config.MaxRoomMembers,
		"members allowed per room including the creator, 0 for unlimited (env MAX_ROOM_MEMBERS)")
	flags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level (env LOG_LEVEL)")

	return cmd
}

func run(config pkg.Config) error {
	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)

	manager := pkg.NewManager(config)

	relayServer := &http.Server{
		Addr: fmt.Sprintf(":%d", config.Port),
		Handler: promhttp.InstrumentHandlerInFlight(pkg.RelayInFlightGauge,
			promhttp.InstrumentHandlerCounter(pkg.RelayRequestsCounter,
				manager.Router())),
	}

	var metricsServer *http.Server
	if config.MetricsPort > 0 {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", config.MetricsPort),
			Handler: metricsRouter,
		}
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	log.Infof("Starting signaling relay on port %d...", config.Port)
	go func() {
		err := relayServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("Signaling relay failed: ", err)
		}
	}()

	if metricsServer != nil {
		log.Infof("Starting metrics server on port %d...", config.MetricsPort)
		go func() {
			err := metricsServer.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				log.Fatal("Metrics server failed: ", err)
			}
		}()
	}

	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Info("Shutting down signaling relay...")
	if err := relayServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("signaling relay shutdown failed: %w", err)
	}

	if metricsServer != nil {
		log.Info("Shutting down metrics server...")
		if err := metricsServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("metrics server shutdown failed: %w", err)
		}
	}

	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
