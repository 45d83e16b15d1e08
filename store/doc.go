// Package store provides the wide-column execution engine behind the DynamoDB
// backend: error classification, retries with exponential backoff, and atomic
// multi-item writes.
//
// # Key Features
//
//   - Classification of engine errors into a closed set of kinds
//   - Bounded retries of throttling, request-limit and internal errors
//   - Atomic write units of conditional puts, updates and deletes
//   - Transparent draining of paginated queries and scans
//   - No client-side locks; concurrency control is conditional writes only
//
// # Executor
//
// Every engine call runs through an [Executor]. The first attempt is immediate.
// Retryable failures wait 100ms, 200ms, then 400ms (capped at 5s) before the
// next attempt, so a call that keeps failing is made 4 times. A context that
// ends during a wait aborts the run without another attempt.
//
//	err := exec.Do(ctx, "GetApiKey", func(ctx context.Context) error {
//	    _, err := client.GetItem(ctx, input)
//	    return err
//	})
//
// # Write Units
//
// A [WriteBuilder] assembles descriptors into an immutable [WriteUnit];
// [Store.Commit] submits it through the executor:
//
//	unit := store.NewWriteBuilder(table).
//	    PutIf(newItem, store.NotExists("PK"), "create key").
//	    UpdateIf(oldKey, revoke, activeGuard, "revoke old key").
//	    Build()
//	err := s.Commit(ctx, "RotateApiKey", unit)
//
// # Errors
//
// Failures are returned as [*Error] values carrying the [Kind], operation name
// and attempt count. They match the sentinels of package repository:
//
//   - THROTTLED, REQUEST_LIMIT, INTERNAL - repository.ErrTransient (after retries)
//   - CONFLICT - repository.ErrConflict (never retried)
//   - NOT_FOUND - repository.ErrNotFound
//   - OVERSIZE - repository.ErrOversize
//   - INTERRUPTED - repository.ErrInterrupted
//   - UNKNOWN - repository.ErrStorage
package store
