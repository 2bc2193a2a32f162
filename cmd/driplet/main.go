// Command driplet runs the ephemeral file-sharing service.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"driplet/internal/admission"
	"driplet/internal/blob"
	"driplet/internal/config"
	"driplet/internal/ident"
	"driplet/internal/limit"
	"driplet/internal/logging"
	"driplet/internal/meta"
	"driplet/internal/purge"
	"driplet/internal/quota"
	"driplet/internal/report"
	"driplet/internal/server"
	"driplet/internal/session"
	"driplet/internal/sweep"
)

var version = "dev"

func main() {
	var logLevel, envFile string

	rootCmd := &cobra.Command{
		Use:   "driplet",
		Short: "Ephemeral file-sharing service",
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the driplet service",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logging.ParseLevel(logLevel),
			}))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, logger, envFile)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run wires the components and serves until ctx is cancelled.
func run(ctx context.Context, logger *slog.Logger, envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		logger.Error("configuration error", "error", err)
		return err
	}

	dataDir := filepath.Join(cfg.StorageRoot, cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Error("storage root is not writable", "error", err)
		return err
	}

	hasher, err := ident.NewHasher(cfg.Secret)
	if err != nil {
		return err
	}
	resolver := ident.NewResolver(ident.ResolverConfig{
		Hasher:         hasher,
		BehindProxy:    cfg.BehindProxy,
		TrustedProxies: cfg.TrustedProxies,
		Logger:         logger,
	})

	blobs, err := blob.New(blob.Config{
		BlobDir:     filepath.Join(cfg.StorageRoot, cfg.BlobDir),
		StagingDir:  filepath.Join(cfg.StorageRoot, cfg.StagingDir),
		GraceWindow: cfg.BlobGraceWindow,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("open blob store", "error", err)
		return err
	}

	metaStore, err := meta.NewStore(meta.Config{
		Dir:    dataDir,
		Blobs:  blobs,
		Logger: logger,
	})
	if err != nil {
		logger.Error("load metadata mirrors", "error", err)
		return err
	}

	sessions, err := session.NewManager(session.Config{
		Dir:         filepath.Join(cfg.StorageRoot, cfg.ChunkDir),
		Blobs:       blobs,
		Meta:        metaStore,
		IdleTimeout: cfg.SessionIdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("recover chunk sessions", "error", err)
		return err
	}

	limiter := limit.NewLimiter(limit.LimiterConfig{
		PerMinute: cfg.UploadsPerMin,
		Burst:     cfg.RateBurst,
	})

	bans, err := limit.NewBanList(limit.BanListConfig{
		Path:   filepath.Join(dataDir, "ip_bans.json"),
		Logger: logger,
	})
	if err != nil {
		logger.Error("load ban mirror", "error", err)
		return err
	}

	var wg sync.WaitGroup
	if err := bans.Watch(ctx, &wg); err != nil {
		logger.Warn("ban mirror watcher unavailable", "error", err)
	}

	quotaObs := quota.NewObserver(quota.Config{
		Used:     blobs.UsedBytes,
		MaxBytes: cfg.GlobalQuota,
		High:     cfg.QuotaHysteresisHigh,
		Low:      cfg.QuotaHysteresisLow,
	})

	gate := admission.NewGate(admission.Config{
		Meta:                metaStore,
		Quota:               quotaObs,
		Limiter:             limiter,
		Bans:                bans,
		Sessions:            sessions,
		MaxFileSize:         cfg.MaxFileSize,
		MaxActiveFiles:      cfg.MaxActiveFiles,
		ForbiddenExtensions: cfg.ForbiddenExtensions,
	})

	reports, err := report.NewStore(report.Config{
		Path:   filepath.Join(dataDir, "reports.json"),
		Logger: logger,
	})
	if err != nil {
		logger.Error("load report mirror", "error", err)
		return err
	}

	purger := purge.New(purge.Config{
		Endpoint: cfg.PurgeEndpoint,
		Token:    cfg.PurgeToken,
		Host:     cfg.CanonicalHost,
		Logger:   logger,
	})

	sweeper, err := sweep.New(sweep.Config{
		Meta:     metaStore,
		Sessions: sessions,
		Blobs:    blobs,
		Bans:     bans,
		Limiter:  limiter,
		Quota:    quotaObs,
		Interval: cfg.SweepInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := server.New(cfg, server.Deps{
		Resolver: resolver,
		Gate:     gate,
		Limiter:  limiter,
		Bans:     bans,
		Blobs:    blobs,
		Meta:     metaStore,
		Sessions: sessions,
		Quota:    quotaObs,
		Reports:  reports,
		Purger:   purger,
	}, logger, nil)

	err = srv.Start(ctx)
	wg.Wait()
	return err
}
