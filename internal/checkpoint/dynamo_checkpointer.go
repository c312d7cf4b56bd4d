package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// DynamoDBAPI is the subset of *dynamodb.Client the checkpointer needs,
// narrowed so tests can supply a fake lease table.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoDBCheckpointer stores one lease record per (applicationName,
// shardID) pair in a DynamoDB lease-coordination table. It implements
// processor.Checkpointer.
type DynamoDBCheckpointer struct {
	client          DynamoDBAPI
	table           string
	applicationName string
	shardID         string

	lastSequence string
}

// NewDynamoDBCheckpointer binds a checkpointer to one shard's lease
// record. lastSequence, if known from a prior GetItem read, seeds
// Checkpoint's starting point; it may be empty for a fresh lease.
func NewDynamoDBCheckpointer(client DynamoDBAPI, table, applicationName, shardID, lastSequence string) *DynamoDBCheckpointer {
	return &DynamoDBCheckpointer{
		client:          client,
		table:           table,
		applicationName: applicationName,
		shardID:         shardID,
		lastSequence:    lastSequence,
	}
}

// CheckpointAt advances the lease record to sequenceNumber.
func (c *DynamoDBCheckpointer) CheckpointAt(ctx context.Context, sequenceNumber string) error {
	item := map[string]types.AttributeValue{
		"application_name": &types.AttributeValueMemberS{Value: c.applicationName},
		"shard_id":         &types.AttributeValueMemberS{Value: c.shardID},
		"checkpoint":       &types.AttributeValueMemberS{Value: sequenceNumber},
	}

	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      item,
	})
	if err != nil {
		return Classify(classifyDynamoError(err), fmt.Errorf("checkpointing shard %s at %s: %w", c.shardID, sequenceNumber, err))
	}

	c.lastSequence = sequenceNumber
	return nil
}

// Checkpoint advances the lease record to the last sequence number
// CheckpointAt set, i.e. the latest record of the current batch.
func (c *DynamoDBCheckpointer) Checkpoint(ctx context.Context) error {
	if c.lastSequence == "" {
		return nil
	}
	return c.CheckpointAt(ctx, c.lastSequence)
}

// CurrentSequence reads back the stored checkpoint for this shard, used
// to resume a lease on worker restart.
func (c *DynamoDBCheckpointer) CurrentSequence(ctx context.Context) (string, error) {
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key: map[string]types.AttributeValue{
			"application_name": &types.AttributeValueMemberS{Value: c.applicationName},
			"shard_id":         &types.AttributeValueMemberS{Value: c.shardID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("reading checkpoint for shard %s: %w", c.shardID, err)
	}
	if out.Item == nil {
		return "", nil
	}
	if v, ok := out.Item["checkpoint"].(*types.AttributeValueMemberS); ok {
		return v.Value, nil
	}
	return "", nil
}

// classifyDynamoError maps a DynamoDB error into a FaultKind so the retry
// policy can decide whether to retry, swallow, or propagate. DynamoDB's
// throttling errors (ProvisionedThroughputExceededException,
// LimitExceededException) are modeled exception types that happen to
// carry HTTP 400, the same status as validation failures, so they must
// be distinguished by type rather than by status code. Other API errors
// go through the generic smithy.APIError fallback: the
// "ThrottlingException" code is Throttling, a server-side fault is
// Retryable, and any other API error is NonRetryable. An error that is
// not an API error at all (e.g. a network failure) is Retryable.
func classifyDynamoError(err error) FaultKind {
	var throughputErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughputErr) {
		return Throttling
	}
	var limitErr *types.LimitExceededException
	if errors.As(err, &limitErr) {
		return Throttling
	}
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return NonRetryable
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode() == "ThrottlingException" {
			return Throttling
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return Retryable
		}
		return NonRetryable
	}

	return Retryable
}
