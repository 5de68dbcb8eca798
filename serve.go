package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gsrlab/uploadrelay/internal/config"
	"github.com/gsrlab/uploadrelay/internal/credentials"
	"github.com/gsrlab/uploadrelay/internal/events"
	"github.com/gsrlab/uploadrelay/internal/gdrive"
	"github.com/gsrlab/uploadrelay/internal/graph"
	"github.com/gsrlab/uploadrelay/internal/ledger"
	"github.com/gsrlab/uploadrelay/internal/localstore"
	"github.com/gsrlab/uploadrelay/internal/onedrive"
	"github.com/gsrlab/uploadrelay/internal/relay"
	"github.com/gsrlab/uploadrelay/internal/server"
	"github.com/gsrlab/uploadrelay/internal/watcher"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload relay server",
		Long:  "Serves the upload API and retries locally-fallen-back files until they reach the cloud. Runs until interrupted.",
		RunE:  runServe,
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := buildLogger()
	cfg := resolvedCfg

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ldg, err := ledger.Open(cfg.Storage.LedgerPath, logger)
	if err != nil {
		return err
	}
	defer ldg.Close()

	provider, err := buildProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	hub := events.NewHub(logger)
	local := localstore.New(cfg.Storage.UploadsRoot, logger)
	orch := relay.NewOrchestrator(provider, local, ldg, hub, logger)

	srv := server.New(cfg.Server.ListenAddr, orch, ldg, hub, logger)
	retrier := watcher.New(orch, ldg, cfg.Storage.UploadsRoot, cfg.RetryEvery(), logger)

	logger.Info("upload relay starting",
		slog.String("version", version),
		slog.String("provider", provider.Name()),
		slog.String("listen_addr", cfg.Server.ListenAddr),
		slog.Bool("cloud_connected", provider.HasCredentials()),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return retrier.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("upload relay stopped")

	return nil
}

// buildProvider constructs the configured cloud provider.
func buildProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (relay.Provider, error) {
	httpClient := defaultHTTPClient()

	switch cfg.Cloud.Provider {
	case config.ProviderOneDrive:
		store := credentials.NewStore(cfg.Storage.TokenPath, logger)
		if err := store.Load(); err != nil {
			return nil, err
		}

		client := graph.NewClient(graph.BaseURL, httpClient, store, logger)
		refresher := credentials.NewRefresher(store, httpClient, logger)

		return onedrive.New(client, store, refresher, cfg.Cloud.RootFolder, logger), nil

	case config.ProviderGDrive:
		return gdrive.New(ctx, cfg.Cloud.GoogleCredentials, cfg.Cloud.RootFolder, httpClient, logger)

	default:
		return nil, fmt.Errorf("unknown cloud provider %q", cfg.Cloud.Provider)
	}
}
