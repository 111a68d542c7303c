package storage

import (
	"context"
	"errors"
	"fmt"

	"couplemode_server/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of *dynamodb.Client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type DynamoService struct {
	Client      DynamoAPI
	TablePrefix string
}

// InitializeDynamoDBClient initializes the DynamoDB client
func InitializeDynamoDBClient(ctx context.Context, region string) (*dynamodb.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// Table returns the physical table name for a logical one.
func (ds *DynamoService) Table(name string) string {
	return ds.TablePrefix + name
}

// wrapErr marks infrastructure failures as retryable. Condition failures are
// business outcomes and keep their original type so callers can inspect them.
// Rejections DynamoDB guarantees were not applied wrap models.ErrStoreConflict.
func wrapErr(op, tableName string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%s on table '%s': %w", op, tableName, err)
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		if transactionConflicted(tce) {
			return fmt.Errorf("%w: %s on table '%s': %w", models.ErrStoreConflict, op, tableName, err)
		}
		return fmt.Errorf("%s on table '%s': %w", op, tableName, err)
	}
	var (
		conflict  *types.TransactionConflictException
		throttled *types.ProvisionedThroughputExceededException
		limited   *types.RequestLimitExceeded
	)
	if errors.As(err, &conflict) || errors.As(err, &throttled) || errors.As(err, &limited) {
		return fmt.Errorf("%w: %s on table '%s': %w", models.ErrStoreConflict, op, tableName, err)
	}
	return fmt.Errorf("%w: %s on table '%s': %w", models.ErrStoreUnavailable, op, tableName, err)
}

func transactionConflicted(tce *types.TransactionCanceledException) bool {
	for _, r := range tce.CancellationReasons {
		if r.Code == nil {
			continue
		}
		switch *r.Code {
		case "TransactionConflict", "ThrottlingError", "ProvisionedThroughputExceeded":
			return true
		}
	}
	return false
}

// GetItem retrieves an item with a strongly consistent read. A missing item
// is reported as (nil, nil).
func (ds *DynamoService) GetItem(ctx context.Context, tableName string, key map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	table := ds.Table(tableName)
	output, err := ds.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &table,
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, wrapErr("get item", table, err)
	}
	if len(output.Item) == 0 {
		return nil, nil
	}
	return output.Item, nil
}

// UpdateItem applies updateExpression guarded by conditionExpression and
// returns the item as it is after the update.
func (ds *DynamoService) UpdateItem(
	ctx context.Context,
	tableName string,
	key map[string]types.AttributeValue,
	updateExpression string,
	conditionExpression string,
	expressionAttributeNames map[string]string,
	expressionAttributeValues map[string]types.AttributeValue,
) (map[string]types.AttributeValue, error) {
	if len(key) == 0 {
		return nil, errors.New("update failed: key cannot be empty")
	}
	if updateExpression == "" {
		return nil, errors.New("update failed: updateExpression cannot be empty")
	}

	table := ds.Table(tableName)
	input := &dynamodb.UpdateItemInput{
		TableName:                 &table,
		Key:                       key,
		UpdateExpression:          &updateExpression,
		ExpressionAttributeNames:  expressionAttributeNames,
		ExpressionAttributeValues: expressionAttributeValues,
		ReturnValues:              types.ReturnValueAllNew,
	}
	if conditionExpression != "" {
		input.ConditionExpression = &conditionExpression
	}

	output, err := ds.Client.UpdateItem(ctx, input)
	if err != nil {
		return nil, wrapErr("update item", table, err)
	}
	if output.Attributes == nil {
		return map[string]types.AttributeValue{}, nil
	}
	return output.Attributes, nil
}

// QueryItems runs a strongly consistent query and follows pagination.
func (ds *DynamoService) QueryItems(
	ctx context.Context,
	tableName string,
	keyConditionExpression string,
	expressionAttributeNames map[string]string,
	expressionAttributeValues map[string]types.AttributeValue,
) ([]map[string]types.AttributeValue, error) {
	table := ds.Table(tableName)
	input := &dynamodb.QueryInput{
		TableName:                 &table,
		KeyConditionExpression:    &keyConditionExpression,
		ExpressionAttributeNames:  expressionAttributeNames,
		ExpressionAttributeValues: expressionAttributeValues,
		ConsistentRead:            aws.Bool(true),
	}

	var items []map[string]types.AttributeValue
	for {
		output, err := ds.Client.Query(ctx, input)
		if err != nil {
			return nil, wrapErr("query", table, err)
		}
		items = append(items, output.Items...)
		if len(output.LastEvaluatedKey) == 0 {
			return items, nil
		}
		input.ExclusiveStartKey = output.LastEvaluatedKey
	}
}

// ScanWithFilter scans the whole table with a server-side filter and then
// applies filterFunc to every returned item.
func (ds *DynamoService) ScanWithFilter(
	ctx context.Context,
	tableName string,
	filterExpression string,
	expressionAttributeNames map[string]string,
	expressionAttributeValues map[string]types.AttributeValue,
	filterFunc func(map[string]types.AttributeValue) bool,
) ([]map[string]types.AttributeValue, error) {
	table := ds.Table(tableName)
	input := &dynamodb.ScanInput{
		TableName:                 &table,
		ExpressionAttributeNames:  expressionAttributeNames,
		ExpressionAttributeValues: expressionAttributeValues,
	}
	if filterExpression != "" {
		input.FilterExpression = &filterExpression
	}

	var filtered []map[string]types.AttributeValue
	for {
		output, err := ds.Client.Scan(ctx, input)
		if err != nil {
			return nil, wrapErr("scan", table, err)
		}
		for _, item := range output.Items {
			if filterFunc == nil || filterFunc(item) {
				filtered = append(filtered, item)
			}
		}
		if len(output.LastEvaluatedKey) == 0 {
			return filtered, nil
		}
		input.ExclusiveStartKey = output.LastEvaluatedKey
	}
}

// TransactWrite executes all items atomically.
func (ds *DynamoService) TransactWrite(ctx context.Context, items []types.TransactWriteItem) error {
	_, err := ds.Client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return wrapErr("transact write", "*", err)
	}
	return nil
}
