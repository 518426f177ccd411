package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iudanet/flightlink/internal/engine"
	"github.com/iudanet/flightlink/internal/history/boltdb"
	"github.com/iudanet/flightlink/internal/settings"
	"github.com/iudanet/flightlink/internal/transport/httppeer"
	"github.com/iudanet/flightlink/pkg/wire"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Глобальные флаги
	showVersion := flag.Bool("version", false, "Show version information")
	listenAddr := flag.String("listen", ":8091", "Address to serve the primary peer on")
	peerURL := flag.String("peer", "http://localhost:8090", "Primary peer base URL")
	dbPath := flag.String("db", "flightlink-companion.db", "Path to completed-leg history database")
	prefsPath := flag.String("prefs", "flightlink-companion-prefs.db", "Path to preference database")

	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Открываем BoltDB хранилище истории
	hist, err := boltdb.New(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := hist.Close(); err != nil {
			slog.Error("failed to close history database", "error", err)
		}
	}()

	// Открываем preference store
	prefs, err := settings.NewBoltStore(ctx, *prefsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open preference database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := prefs.Close(); err != nil {
			slog.Error("failed to close preference database", "error", err)
		}
	}()

	// Канал к primary-устройству
	peer := httppeer.NewPeer(*peerURL, logger)

	eng := engine.New(engine.Config{
		Channel:   peer,
		History:   hist,
		Prefs:     prefs,
		Authority: engine.CompanionAuthority{},
		Grant:     engine.NoopGrant{},
		Render: func(elapsed string) {
			fmt.Printf("\rDuty: %s", elapsed)
		},
		Notifier: func(alert wire.FBOAlert) {
			logger.Info("FBO alert",
				"airport", alert.AirportCode,
				"fbo", alert.FBOName,
				"distance_nm", alert.DistanceNM)
		},
		Logger: logger,
	})
	defer eng.Close()

	eng.SetStatusListener(func(status engine.SyncStatus, pending int) {
		logger.Info("Sync status", "status", status, "pending", pending)
	})

	if err := eng.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start sync engine: %v\n", err)
		os.Exit(1)
	}

	peer.StartProbing(ctx)
	defer peer.StopProbing()

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           peer.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown failed", "error", err)
		}
	}()

	logger.Info("FlightLink companion started",
		"version", Version,
		"listen", *listenAddr,
		"peer", *peerURL)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("FlightLink Companion\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
