// Command lamina runs the S3-compatible object storage server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	// SQL metadata drivers.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lamina-storage/lamina/pkg/accesslog"
	"github.com/lamina-storage/lamina/pkg/auth"
	"github.com/lamina-storage/lamina/pkg/config"
	"github.com/lamina-storage/lamina/pkg/lock"
	"github.com/lamina-storage/lamina/pkg/monitoring"
	"github.com/lamina-storage/lamina/pkg/server"
	"github.com/lamina-storage/lamina/pkg/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "lamina",
		Short:         "S3-compatible object storage server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Fatal("lamina failed")
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := cfg.NewLogger()

	facade, cleanup, err := buildFacade(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := []server.Option{
		server.WithRegion(cfg.Region),
		server.WithLogger(logger),
	}
	creds, err := cfg.ParseCredentials()
	if err != nil {
		return err
	}
	if len(creds) > 0 {
		authn := auth.NewAuthenticator(auth.WithLogger(logger))
		for id, secret := range creds {
			authn.AddCredentials(id, secret)
			logger.WithField("access_key_id", id).Info("registered credentials")
		}
		opts = append(opts, server.WithAuthenticator(authn))
	} else {
		logger.Warn("running without authentication, no credentials configured")
	}

	var handler http.Handler = server.NewHandler(facade, opts...)
	if cfg.Log.AccessLog {
		handler = accesslog.Middleware(logger)(handler)
	}

	var monitoringSrv *monitoring.Server
	if cfg.Monitoring.Enabled {
		metrics := monitoring.NewMetrics()
		handler = metrics.Middleware(handler)
		monitoringSrv = monitoring.NewServer(cfg.Monitoring.Listen, metrics, logger)
		go func() {
			if err := monitoringSrv.Start(); err != nil {
				logger.WithError(err).Error("monitoring listener failed")
			}
		}()
	}

	handler = handlers.ProxyHeaders(handler)
	handler = handlers.RecoveryHandler(handlers.RecoveryLogger(logger))(handler)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":     cfg.Listen,
			"region":   cfg.Region,
			"data":     cfg.Storage.Data,
			"metadata": cfg.Storage.Metadata,
			"lock":     cfg.Lock.Backend,
		}).Info("server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if monitoringSrv != nil {
		if err := monitoringSrv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("monitoring shutdown failed")
		}
	}
	return srv.Shutdown(shutdownCtx)
}

// buildFacade wires the configured storage backends together. The
// returned cleanup closes backend handles.
func buildFacade(cfg *config.Config, logger *logrus.Logger) (*storage.Facade, func(), error) {
	var data storage.DataStorage
	var buckets storage.BucketStorage
	var err error

	switch cfg.Storage.Data {
	case config.DataBackendMemory:
		mem := storage.NewMemoryDataStorage()
		data = mem
		buckets = storage.NewMemoryBucketStorage(mem)
	default:
		fsData, err := storage.NewFSDataStorage(cfg.DataDir, storage.WithDataLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		data = fsData
		buckets, err = storage.NewFSBucketStorage(cfg.DataDir, fsData)
		if err != nil {
			return nil, nil, err
		}
	}

	meta, err := buildMetadata(cfg, data)
	if err != nil {
		return nil, nil, err
	}
	repairing := storage.NewRepairingMetadata(meta, data, logger)

	multipartRoot := cfg.DataDir
	if cfg.Storage.Data == config.DataBackendMemory {
		multipartRoot, err = os.MkdirTemp("", "lamina-mpu-*")
		if err != nil {
			return nil, nil, err
		}
	}
	multipart, err := storage.NewMultipartStorage(multipartRoot, data, repairing, logger)
	if err != nil {
		return nil, nil, err
	}

	locks, lockCleanup, err := buildLockManager(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		if err := repairing.Close(); err != nil {
			logger.WithError(err).Warn("metadata close failed")
		}
		lockCleanup()
	}
	return storage.NewFacade(buckets, data, repairing, multipart, locks, logger), cleanup, nil
}

func buildMetadata(cfg *config.Config, data storage.DataStorage) (storage.MetadataStorage, error) {
	switch cfg.Storage.Metadata {
	case config.MetadataBackendMemory:
		return storage.NewMemoryMetadata(), nil
	case config.MetadataBackendInline:
		return storage.NewInlineMetadata(cfg.DataDir)
	case config.MetadataBackendBolt:
		return storage.NewBoltMetadata(cfg.Storage.DSN)
	case config.MetadataBackendSQLite:
		return storage.NewSQLMetadata("sqlite3", cfg.Storage.DSN)
	case config.MetadataBackendPG:
		return storage.NewSQLMetadata("postgres", cfg.Storage.DSN)
	case config.MetadataBackendXattr:
		return storage.NewXattrMetadata(cfg.DataDir, cfg.Storage.XattrName)
	default:
		return storage.NewFSMetadata(filepath.Join(cfg.DataDir, ".lamina-metadata"))
	}
}

func buildLockManager(cfg *config.Config, logger *logrus.Logger) (lock.Manager, func(), error) {
	if cfg.Lock.Backend != config.LockBackendRedis {
		return lock.NewLocalManager(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Lock.RedisAddr,
		Password: cfg.Lock.RedisPassword,
		DB:       cfg.Lock.RedisDB,
	})
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.WithError(err).Warn("redis close failed")
		}
	}
	manager := lock.NewRedisManager(client,
		lock.WithKeyPrefix(cfg.Lock.RedisKeyPrefix),
		lock.WithTTL(cfg.Lock.RedisTTL),
		lock.WithMaxRetries(uint64(cfg.Lock.RedisMaxRetries)),
		lock.WithRedisLogger(logger),
	)
	return manager, cleanup, nil
}
