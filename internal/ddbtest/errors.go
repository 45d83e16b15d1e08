package ddbtest

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// Throttled returns the engine's provisioned throughput error.
func Throttled() error {
	return &types.ProvisionedThroughputExceededException{Message: aws.String("The level of configured provisioned throughput for the table was exceeded")}
}

// Throttling returns the generic throttling error used by on-demand tables.
func Throttling() error {
	return &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate of requests exceeds the allowed throughput"}
}

// RequestLimit returns the account request limit error.
func RequestLimit() error {
	return &types.RequestLimitExceeded{Message: aws.String("Throughput exceeds the current throughput limit for your account")}
}

// Internal returns the engine's internal server error.
func Internal() error {
	return &types.InternalServerError{Message: aws.String("Internal server error")}
}

// ConditionFailed returns a single-item conditional check failure.
func ConditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

// ItemTooLarge returns the validation error for an oversized item.
func ItemTooLarge() error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: "Item size has exceeded the maximum allowed size"}
}

// Canceled returns a cancelled write unit with one reason code per descriptor.
func Canceled(codes ...string) error {
	reasons := make([]types.CancellationReason, len(codes))
	for i, c := range codes {
		reasons[i] = types.CancellationReason{Code: aws.String(c)}
	}
	return &types.TransactionCanceledException{
		Message:             aws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
		CancellationReasons: reasons,
	}
}
