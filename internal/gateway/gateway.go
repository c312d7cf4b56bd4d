// Package gateway implements typed publication of (payload, metadata)
// pairs into a named stream, using the same JSON wire contract the
// inbound side decodes.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
)

// envelope is the wire shape emitted for every Send call — the same
// two-top-level-key contract internal/codec decodes on the way in.
type envelope struct {
	Data     any `json:"data"`
	Metadata any `json:"metadata"`
}

// PutRecordAPI is the subset of *kinesis.Client the gateway depends
// on, so callers can substitute a fake in tests.
type PutRecordAPI interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// Gateway publishes records into one stream.
type Gateway struct {
	client PutRecordAPI
}

// New wraps client for publication.
func New(client PutRecordAPI) *Gateway {
	return &Gateway{client: client}
}

// Send serializes {data, metadata} and emits it into streamName under
// partitionKey. Partition key selection is the caller's responsibility,
// passed explicitly rather than derived implicitly from the payload.
func (g *Gateway) Send(ctx context.Context, streamName string, partitionKey string, data, metadata any) (shardID string, sequenceNumber string, err error) {
	body, err := json.Marshal(envelope{Data: data, Metadata: metadata})
	if err != nil {
		return "", "", fmt.Errorf("marshaling envelope: %w", err)
	}

	out, err := g.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   aws.String(streamName),
		Data:         body,
		PartitionKey: aws.String(partitionKey),
	})
	if err != nil {
		return "", "", fmt.Errorf("putting record into stream %q: %w", streamName, err)
	}

	return aws.ToString(out.ShardId), aws.ToString(out.SequenceNumber), nil
}

// KeyFromMetadata extracts a partition key from a typed metadata value.
type KeyFromMetadata[M any] func(metadata M) string

// SendWithKeyFromMetadata is a metadata-derived-key convenience: it
// derives partitionKey via keyFn before delegating to Send.
func SendWithKeyFromMetadata[M any](ctx context.Context, g *Gateway, streamName string, keyFn KeyFromMetadata[M], data any, metadata M) (shardID string, sequenceNumber string, err error) {
	return g.Send(ctx, streamName, keyFn(metadata), data, metadata)
}
