package store

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// Cancellation reason codes reported by TransactWriteItems.
const (
	reasonNone                = "None"
	reasonConditionalCheck    = "ConditionalCheckFailed"
	reasonTransactionConflict = "TransactionConflict"
	reasonThrottling          = "ThrottlingError"
	reasonProvisioned         = "ProvisionedThroughputExceeded"
	reasonItemCollectionSize  = "ItemCollectionSizeLimitExceeded"
	reasonValidation          = "ValidationError"
)

// Classify maps a storage engine error onto a Kind and reports whether it is
// worth retrying. Errors that are not from the engine classify as KindUnknown
// and are never retried.
func Classify(err error) (Kind, bool) {
	k := classify(err)
	return k, k.Retryable()
}

func classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindInterrupted
	}

	var (
		throughput *types.ProvisionedThroughputExceededException
		reqLimit   *types.RequestLimitExceeded
		internal   *types.InternalServerError
		condFailed *types.ConditionalCheckFailedException
		txConflict *types.TransactionConflictException
		txCanceled *types.TransactionCanceledException
		notFound   *types.ResourceNotFoundException
		collection *types.ItemCollectionSizeLimitExceededException
	)
	switch {
	case errors.As(err, &throughput):
		return KindThrottled
	case errors.As(err, &reqLimit):
		return KindRequestLimit
	case errors.As(err, &internal):
		return KindInternal
	case errors.As(err, &condFailed), errors.As(err, &txConflict):
		return KindConflict
	case errors.As(err, &txCanceled):
		return classifyCancellation(txCanceled.CancellationReasons)
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &collection):
		return KindOversize
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return classifyCode(apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return KindUnknown
}

// classifyCancellation picks the most telling reason from a cancelled write
// unit. A failed guard outranks transient reasons since retrying cannot fix it.
func classifyCancellation(reasons []types.CancellationReason) Kind {
	kind := KindUnknown
	for _, r := range reasons {
		code := deref(r.Code)
		switch code {
		case "", reasonNone:
			continue
		case reasonConditionalCheck, reasonTransactionConflict:
			return KindConflict
		case reasonItemCollectionSize:
			kind = KindOversize
		case reasonValidation:
			if isSizeMessage(deref(r.Message)) {
				kind = KindOversize
			}
		case reasonThrottling, reasonProvisioned:
			if kind == KindUnknown {
				kind = KindThrottled
			}
		}
	}
	return kind
}

func classifyCode(code, message string) Kind {
	switch code {
	case "ThrottlingException", "ProvisionedThroughputExceededException":
		return KindThrottled
	case "RequestLimitExceeded":
		return KindRequestLimit
	case "InternalServerError", "InternalFailure", "ServiceUnavailable":
		return KindInternal
	case "ConditionalCheckFailedException", "TransactionConflictException":
		return KindConflict
	case "ResourceNotFoundException":
		return KindNotFound
	case "ItemCollectionSizeLimitExceededException":
		return KindOversize
	case "ValidationException":
		if isSizeMessage(message) {
			return KindOversize
		}
	}
	return KindUnknown
}

func isSizeMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "item size") || strings.Contains(msg, "maximum allowed size")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
