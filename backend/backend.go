// Package backend builds the configured apikey.Repository.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/jacentio/twinstore/apikey"
	"github.com/jacentio/twinstore/audit"
	"github.com/jacentio/twinstore/backend/dynamo"
	"github.com/jacentio/twinstore/backend/postgres"
	"github.com/jacentio/twinstore/config"
	"github.com/jacentio/twinstore/store"
)

// Open returns the repository selected by cfg.Backend and a func that
// releases its resources. With cfg.Audit set, mutations are audited to
// logger and sink.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, sink audit.Sink) (apikey.Repository, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	repo, closeFn, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Audit {
		repo = audit.New(repo, logger, sink)
	}
	return repo, closeFn, nil
}

func open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (apikey.Repository, func(), error) {
	switch cfg.Backend {
	case config.BackendDynamoDB:
		s, err := OpenStore(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("storage backend ready", "backend", cfg.Backend, "table", s.TableName())
		return dynamo.NewAPIKeyRepository(s, logger), func() {}, nil

	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.Postgres.DSN, postgres.PoolConfig{
			MinConns: cfg.Postgres.MinConns,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, nil, err
		}
		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		logger.Info("storage backend ready", "backend", cfg.Backend)
		repo := postgres.NewAPIKeyRepository(pool, logger, postgres.WithRetryPolicy(cfg.RetryPolicy()))
		return repo, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// OpenStore builds the DynamoDB store, provisioning the table first when
// cfg.DynamoDB.CreateTable is set.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	client, err := NewDynamoClient(ctx, cfg.DynamoDB)
	if err != nil {
		return nil, err
	}
	if cfg.DynamoDB.CreateTable {
		if err := dynamo.EnsureTable(ctx, client, cfg.DynamoDB.Table, logger); err != nil {
			return nil, err
		}
	}
	return store.New(client, cfg.StoreConfig(), logger), nil
}

// localRegion is signed into requests to a local endpoint that names none.
const localRegion = "us-east-1"

// NewDynamoClient loads the default AWS configuration. SDK retries are
// disabled since the store Executor owns the retry budget.
func NewDynamoClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(1),
	}
	region := cfg.Region
	if region == "" && cfg.Endpoint != "" {
		region = localRegion
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	// DynamoDB Local accepts any credentials but the SDK still signs requests.
	if cfg.Endpoint != "" && os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}
