package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/invoicecat/invoicecat/internal/auth"
	"github.com/invoicecat/invoicecat/internal/awsconf"
	"github.com/invoicecat/invoicecat/internal/batch"
	"github.com/invoicecat/invoicecat/internal/blob"
	"github.com/invoicecat/invoicecat/internal/convert"
	"github.com/invoicecat/invoicecat/internal/ingest"
	"github.com/invoicecat/invoicecat/internal/ledger"
	"github.com/invoicecat/invoicecat/internal/logging"
	"github.com/invoicecat/invoicecat/internal/platform"
	"github.com/invoicecat/invoicecat/internal/upload"
	"github.com/invoicecat/invoicecat/pkg/config"
)

// loadConfig reads the --config file, applies --local and validates.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("local"); f != nil && f.Value.String() == "true" {
		useLocalBackends(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// useLocalBackends switches every backend to its in-process variant.
func useLocalBackends(cfg *config.Config) {
	cfg.Ledger.Backend = "memory"
	cfg.Blob.Backend = "local"
	cfg.Batch.Backend = "local"
	cfg.Batch.Cache = "memory"
}

// app holds the wired components of one process.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	ledger   *ledger.Ledger
	store    blob.Store
	verifier *auth.Verifier
	service  *ingest.Service

	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", zap.Error(err))
		}
	}
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logging.OrNop(log)}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	verifier, err := auth.NewVerifier([]byte(cfg.Auth.Key), cfg.Auth.Algorithm, cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}
	a.verifier = verifier

	store, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	a.ledger = ledger.New(store, ledger.WithLogger(a.log.Named("ledger")))

	if a.store, err = a.openBlob(ctx); err != nil {
		return nil, err
	}

	runner, err := a.openRunner(ctx)
	if err != nil {
		return nil, err
	}
	cache, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}
	jobs := batch.NewBridge(runner, batch.WithCache(cache), batch.WithLogger(a.log.Named("batch")))

	uploads := upload.New(cfg.Upload.TempDir,
		upload.WithLogger(a.log.Named("upload")),
		upload.WithLimits(upload.Limits{
			MaxChunks:       cfg.Upload.MaxChunks,
			MaxPendingBytes: cfg.Upload.MaxPendingBytes,
			MaxSessions:     cfg.Upload.MaxSessions,
		}))
	a.service = ingest.NewService(
		uploads,
		a.ledger,
		blob.NewAdapter(a.store, a.log.Named("blob")),
		jobs,
		ingest.Config{
			ChunkSize:      cfg.Upload.ChunkSize,
			Convert:        cfg.Upload.Convert,
			ConvertOptions: convert.DefaultOptions(),
		},
		ingest.WithLogger(a.log.Named("ingest")),
	)

	ok = true
	return a, nil
}

func (a *app) openLedger(ctx context.Context) (ledger.Store, error) {
	cfg := a.cfg.Ledger
	switch cfg.Backend {
	case "memory":
		return ledger.NewMemoryStore(), nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if err := platform.AutoMigrate(db); err != nil {
			return nil, err
		}
		return ledger.NewPostgresStore(db), nil

	case "dynamodb":
		awsCfg, err := awsconf.Load(ctx, awsconf.Options{Region: cfg.Region})
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
		return ledger.NewDynamoStore(client, cfg.Table, cfg.OwnerIndex), nil
	}
	return nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
}

func (a *app) openBlob(ctx context.Context) (blob.Store, error) {
	cfg := a.cfg.Blob
	switch cfg.Backend {
	case "local":
		return blob.NewLocalStore(cfg.LocalDir), nil

	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})

	case "gcs":
		s, err := blob.NewGCSStore(ctx, cfg.Bucket)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil

	case "minio":
		return blob.NewMinIOStore(ctx, blob.MinIOConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
		}, a.log.Named("blob"))
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
}

func (a *app) openRunner(ctx context.Context) (batch.Runner, error) {
	cfg := a.cfg.Batch
	switch cfg.Backend {
	case "local":
		return batch.NewLocalRunner(a.store, cfg.LocalPolls, a.log.Named("batch")), nil

	case "bedrock":
		awsCfg, err := awsconf.Load(ctx, awsconf.Options{Region: cfg.Region})
		if err != nil {
			return nil, err
		}
		return batch.NewBedrockRunner(bedrock.NewFromConfig(awsCfg), batch.BedrockConfig{
			Bucket:  a.cfg.Blob.Bucket,
			RoleARN: cfg.RoleARN,
			ModelID: cfg.ModelID,
		}), nil
	}
	return nil, fmt.Errorf("unknown batch backend %q", cfg.Backend)
}

func (a *app) openCache(ctx context.Context) (batch.StatusCache, error) {
	cfg := a.cfg.Batch
	if cfg.Cache != "redis" {
		return batch.NewMemoryCache(cfg.CacheSize), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	a.closers = append(a.closers, client.Close)
	cache := batch.NewRedisCache(client, cfg.CacheTTL, a.log.Named("batch"))
	if err := cache.Ping(ctx); err != nil {
		// the cache degrades to misses; polling still works without it
		a.log.Warn("redis unreachable, job statuses will not be shared", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	return cache, nil
}
