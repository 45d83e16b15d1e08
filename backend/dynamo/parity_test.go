package dynamo_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jacentio/twinstore/apikey"
	"github.com/jacentio/twinstore/backend/dynamo"
	"github.com/jacentio/twinstore/internal/ddbtest"
	"github.com/jacentio/twinstore/repository/repotest"
	"github.com/jacentio/twinstore/store"
)

func TestAPIKeyRepository_Contract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) apikey.Repository {
		// Small pages force every read through the continuation path.
		tbl := ddbtest.NewSingleTable(tableName, ddbtest.WithMaxPageSize(3))
		retry := store.DefaultRetryPolicy()
		retry.InitialBackoff = time.Millisecond
		retry.MaxBackoff = 4 * time.Millisecond
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		s := store.New(tbl, store.Config{TableName: tableName, Retry: retry}, logger)
		return dynamo.NewAPIKeyRepository(s, logger)
	})
}
