package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/twinstore/internal/keys"
)

// TableAdmin is the subset of the DynamoDB API needed to provision the table.
type TableAdmin interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// TableDefinition returns the CreateTable input for the single-table layout:
// on-demand billing, both indexes projecting all attributes, and a stream of
// old and new images for the revocation handler.
func TableDefinition(name string) *dynamodb.CreateTableInput {
	str := func(attr string) types.AttributeDefinition {
		return types.AttributeDefinition{AttributeName: aws.String(attr), AttributeType: types.ScalarAttributeTypeS}
	}
	keySchema := func(hash, rangeKey string) []types.KeySchemaElement {
		return []types.KeySchemaElement{
			{AttributeName: aws.String(hash), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(rangeKey), KeyType: types.KeyTypeRange},
		}
	}
	index := func(name, hash, rangeKey string) types.GlobalSecondaryIndex {
		return types.GlobalSecondaryIndex{
			IndexName:  aws.String(name),
			KeySchema:  keySchema(hash, rangeKey),
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}
	}

	return &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		AttributeDefinitions: []types.AttributeDefinition{
			str(keys.AttrPK), str(keys.AttrSK),
			str(keys.AttrGSI1PK), str(keys.AttrGSI1SK),
			str(keys.AttrGSI2PK), str(keys.AttrGSI2SK),
		},
		KeySchema: keySchema(keys.AttrPK, keys.AttrSK),
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			index(keys.IndexKeyHash, keys.AttrGSI1PK, keys.AttrGSI1SK),
			index(keys.IndexUserEmail, keys.AttrGSI2PK, keys.AttrGSI2SK),
		},
		BillingMode: types.BillingModePayPerRequest,
		StreamSpecification: &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeNewAndOldImages,
		},
	}
}

// EnsureTable creates the table if it does not exist and waits until it is
// active.
func EnsureTable(ctx context.Context, client TableAdmin, name string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	_, err := client.CreateTable(ctx, TableDefinition(name))
	var inUse *types.ResourceInUseException
	switch {
	case err == nil:
		logger.Info("table created", "table", name)
	case errors.As(err, &inUse):
		logger.Debug("table already exists", "table", name)
	default:
		return fmt.Errorf("create table %s: %w", name, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, 2*time.Minute); err != nil {
		return fmt.Errorf("wait for table %s: %w", name, err)
	}
	return nil
}
