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
	"github.com/iudanet/flightlink/internal/history/sqlite"
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
	listenAddr := flag.String("listen", ":8090", "Address to serve the companion peer on")
	peerURL := flag.String("peer", "http://localhost:8091", "Companion peer base URL")
	dbPath := flag.String("db", "flightlink-primary.db", "Path to completed-leg history database")
	prefsPath := flag.String("prefs", "flightlink-primary-prefs.db", "Path to preference database")

	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Открываем SQLite хранилище истории
	hist, err := sqlite.New(ctx, *dbPath)
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

	// Канал к компаньону
	peer := httppeer.NewPeer(*peerURL, logger)

	eng := engine.New(engine.Config{
		Channel:   peer,
		History:   hist,
		Prefs:     prefs,
		Authority: engine.PrimaryAuthority{},
		Grant:     engine.NoopGrant{},
		Notifier: func(alert wire.FBOAlert) {
			logger.Info("FBO alert",
				"airport", alert.AirportCode,
				"fbo", alert.FBOName,
				"distance_nm", alert.DistanceNM)
		},
		Logger: logger,
	})
	defer eng.Close()

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

	logger.Info("FlightLink primary started",
		"version", Version,
		"listen", *listenAddr,
		"peer", *peerURL)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("FlightLink Primary\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
