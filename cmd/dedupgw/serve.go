package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dedupgw/dedupgw/internal/admin"
	"github.com/dedupgw/dedupgw/internal/blob"
	"github.com/dedupgw/dedupgw/internal/blob/fsstore"
	"github.com/dedupgw/dedupgw/internal/blob/miniostore"
	"github.com/dedupgw/dedupgw/internal/blob/pebblestore"
	"github.com/dedupgw/dedupgw/internal/blob/s3store"
	"github.com/dedupgw/dedupgw/internal/config"
	"github.com/dedupgw/dedupgw/internal/dedup"
	"github.com/dedupgw/dedupgw/internal/gateway"
	"github.com/dedupgw/dedupgw/internal/logging/audit"
	"github.com/dedupgw/dedupgw/internal/meta/sqlite"
	"github.com/dedupgw/dedupgw/internal/metrics"
	"github.com/dedupgw/dedupgw/internal/multipart"
	"github.com/dedupgw/dedupgw/internal/svc"
	"github.com/dedupgw/dedupgw/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the S3 gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case <-sigChan:
					log.Info().Msg("shutting down...")
					cancel()
				case <-ctx.Done():
				}
			}()

			return runServe(ctx, cfgFile)
		},
	}
}

// runAsService is the entry point when the service manager starts us.
func runAsService() {
	configPath := svc.DefaultConfigPath()
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}

	prg := &svc.Program{ConfigPath: configPath, Run: runServe}
	if err := svc.Run(prg, &svc.Config{ConfigPath: configPath}); err != nil {
		fmt.Fprintf(os.Stderr, "service failed: %v\n", err)
		os.Exit(1)
	}
}

// runServe serves until ctx is cancelled, then drains in-flight requests.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeBackend.Close() }()

	store, err := sqlite.Open(ctx, cfg.Metadata.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var (
		dedupMetrics *dedup.Metrics
		gwMetrics    *gateway.Metrics
	)
	if cfg.Metrics.IsEnabled() {
		dedupMetrics = dedup.InitMetrics(metrics.Registry)
		gwMetrics = gateway.InitMetrics(metrics.Registry)
		metrics.RegisterBuildInfo(metrics.Registry, Version, Commit)
	}

	service, err := dedup.NewService(ctx, store, backend, dedup.Options{
		AutoCreateBuckets: cfg.Buckets.AutoCreateEnabled(),
		Metrics:           dedupMetrics,
	})
	if err != nil {
		return fmt.Errorf("start dedup service: %w", err)
	}

	auditLog := audit.NewLogger(log.Logger)
	var presigner *gateway.Presigner
	if cfg.Presign.Secret != "" {
		presigner, err = gateway.NewPresigner(cfg.Presign.Secret, cfg.Presign.DefaultExpiry, cfg.Presign.MaxExpiry)
		if err != nil {
			return err
		}
	}

	opts := gateway.Options{
		Auth: gateway.NewAuthenticator(cfg.Auth.IsEnabled(), gateway.Credentials{
			AccessKey: cfg.Auth.AccessKey,
			SecretKey: cfg.Auth.SecretKey,
		}, presigner, auditLog),
		Presigner:     presigner,
		Metrics:       gwMetrics,
		Audit:         auditLog,
		MaxObjectSize: cfg.Limits.MaxObjectSize.Bytes(),
		PublicURL:     cfg.Presign.BaseURL,
	}
	if cfg.Metrics.IsEnabled() {
		opts.MetricsPath = cfg.Metrics.Path
		opts.MetricsHandler = metrics.Handler()
	}
	uploads := multipart.NewManager(gwMetrics.ActiveUploadsGauge())
	srv := gateway.NewServer(service, uploads, opts)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go service.RunStatsLoop(ctx, cfg.Metrics.StatsInterval)

	if cfg.Admin.Listen != "" {
		var tracer *tracing.Recorder
		if cfg.Admin.Tracing {
			if tracer, err = tracing.Start(cfg.Admin.TraceBuffer.Bytes()); err != nil {
				return fmt.Errorf("start trace recorder: %w", err)
			}
			defer tracer.Stop()
		}
		adminOpts := admin.Options{Stats: service, Uploads: uploads, Tracer: tracer}
		if cfg.Metrics.IsEnabled() {
			adminOpts.Metrics = metrics.Handler()
		}
		adminSrv := admin.NewServer(adminOpts)
		if err := adminSrv.Start(cfg.Admin.Listen); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
		defer func() { _ = adminSrv.Stop() }()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("listen", cfg.Listen).
			Str("backend", cfg.Blob.Backend).
			Str("metadata", cfg.Metadata.DSN).
			Bool("auth", cfg.Auth.IsEnabled()).
			Str("version", Version).
			Msg("dedupgw listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("failed to shut down http server cleanly")
	}
	if n := uploads.Active(); n > 0 {
		log.Info().Int("uploads", n).Msg("discarding unfinished multipart uploads")
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openBackend builds the configured blob backend. The returned closer
// releases any local resources it holds.
func openBackend(ctx context.Context, cfg *config.ServerConfig) (blob.Backend, io.Closer, error) {
	switch cfg.Blob.Backend {
	case config.BackendFS:
		opts := fsstore.Options{}
		if cfg.Blob.FS.EncryptionKey != "" {
			opts.EncryptionKey = []byte(cfg.Blob.FS.EncryptionKey)
		}
		s, err := fsstore.Open(cfg.Blob.FS.Dir, opts)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil

	case config.BackendPebble:
		s, err := pebblestore.Open(cfg.Blob.Pebble.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case config.BackendS3:
		c := cfg.Blob.S3
		s, err := s3store.New(ctx, s3store.Config{
			Bucket:         c.Bucket,
			Region:         c.Region,
			Endpoint:       c.Endpoint,
			AccessKey:      c.AccessKey,
			SecretKey:      c.SecretKey,
			ForcePathStyle: c.ForcePathStyle,
			MaxRetries:     c.MaxRetries,
		})
		if err != nil {
			return nil, nil, err
		}
		if c.CreateBucket {
			if err := s.EnsureBucket(ctx); err != nil {
				return nil, nil, err
			}
		}
		return s, nopCloser{}, nil

	case config.BackendMinio:
		c := cfg.Blob.Minio
		s, err := miniostore.New(miniostore.Config{
			Endpoint:       c.Endpoint,
			Bucket:         c.Bucket,
			Region:         c.Region,
			AccessKey:      c.AccessKey,
			SecretKey:      c.SecretKey,
			Insecure:       c.Insecure,
			ForcePathStyle: c.ForcePathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		if c.CreateBucket {
			if err := s.EnsureBucket(ctx); err != nil {
				return nil, nil, err
			}
		}
		return s, nopCloser{}, nil

	default:
		return nil, nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
	}
}
