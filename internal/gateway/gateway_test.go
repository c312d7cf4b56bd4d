package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardwright/kcr/internal/gateway"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
}

type meta struct {
	TraceID string `json:"trace_id"`
}

type fakePutRecordAPI struct {
	lastInput *kinesis.PutRecordInput
	err       error
}

func (f *fakePutRecordAPI) PutRecord(_ context.Context, params *kinesis.PutRecordInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error) {
	f.lastInput = params
	if f.err != nil {
		return nil, f.err
	}
	return &kinesis.PutRecordOutput{
		ShardId:        aws.String("shardId-000000000001"),
		SequenceNumber: aws.String("49590338271490256608559692538361571095921575989136588898"),
	}, nil
}

func TestSendSerializesDataAndMetadataEnvelope(t *testing.T) {
	fake := &fakePutRecordAPI{}
	g := gateway.New(fake)

	shardID, seq, err := g.Send(context.Background(), "orders", "order-42", orderPlaced{OrderID: "order-42"}, meta{TraceID: "trace-1"})
	require.NoError(t, err)
	assert.Equal(t, "shardId-000000000001", shardID)
	assert.NotEmpty(t, seq)

	require.NotNil(t, fake.lastInput)
	assert.Equal(t, "orders", aws.ToString(fake.lastInput.StreamName))
	assert.Equal(t, "order-42", aws.ToString(fake.lastInput.PartitionKey))

	var decoded struct {
		Data     orderPlaced `json:"data"`
		Metadata meta        `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(fake.lastInput.Data, &decoded))
	assert.Equal(t, "order-42", decoded.Data.OrderID)
	assert.Equal(t, "trace-1", decoded.Metadata.TraceID)
}

func TestSendPropagatesClientError(t *testing.T) {
	fake := &fakePutRecordAPI{err: errors.New("throttled")}
	g := gateway.New(fake)

	_, _, err := g.Send(context.Background(), "orders", "order-1", orderPlaced{}, meta{})
	require.Error(t, err)
}

func TestSendWithKeyFromMetadataDerivesPartitionKey(t *testing.T) {
	fake := &fakePutRecordAPI{}
	g := gateway.New(fake)

	keyFn := gateway.KeyFromMetadata[meta](func(m meta) string { return m.TraceID })
	_, _, err := gateway.SendWithKeyFromMetadata(context.Background(), g, "orders", keyFn, orderPlaced{OrderID: "o-1"}, meta{TraceID: "trace-derived"})
	require.NoError(t, err)

	require.NotNil(t, fake.lastInput)
	assert.Equal(t, "trace-derived", aws.ToString(fake.lastInput.PartitionKey))
}
