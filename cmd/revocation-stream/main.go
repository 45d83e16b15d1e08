// Command revocation-stream is the Lambda consumer of the single table's
// DynamoDB stream. It records an audit item for every API key revocation.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jacentio/twinstore/backend"
	"github.com/jacentio/twinstore/config"
	"github.com/jacentio/twinstore/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Backend != config.BackendDynamoDB {
		logger.Error("stream consumer requires the dynamodb backend", "backend", cfg.Backend)
		os.Exit(1)
	}

	s, err := backend.OpenStore(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	h := stream.NewHandler(s, logger)
	logger.Info("revocation stream consumer starting", "table", s.TableName())

	// Requires ReportBatchItemFailures on the event source mapping.
	lambda.Start(h.HandleBatch)
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return level
}
