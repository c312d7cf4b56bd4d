package processor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardwright/kcr/internal/checkpoint"
	"github.com/shardwright/kcr/internal/processor"
	"github.com/shardwright/kcr/internal/record"
)

type testData struct {
	Value string `json:"value"`
}

type testMeta struct {
	Hash string `json:"hash"`
}

type recordedCall struct {
	seq string
}

type fakeHandler struct {
	stream string

	failOnSeq map[string]error
	failOnDerr error

	handleRecordCalls []recordedCall
	derrCalls         []string
}

func (h *fakeHandler) Stream() string { return h.stream }

func (h *fakeHandler) HandleRecord(ctx context.Context, rec record.Record[testData, testMeta], execCtx record.ExecutionContext) error {
	h.handleRecordCalls = append(h.handleRecordCalls, recordedCall{seq: execCtx.SequenceNumber})
	if h.failOnSeq != nil {
		if err, ok := h.failOnSeq[execCtx.SequenceNumber]; ok {
			return err
		}
	}
	return nil
}

func (h *fakeHandler) HandleDeserializationError(ctx context.Context, raw []byte, cause error, execCtx record.ExecutionContext) error {
	h.derrCalls = append(h.derrCalls, execCtx.SequenceNumber)
	return h.failOnDerr
}

type fakeCheckpointer struct {
	batchCalls int
	atCalls    []string

	batchErr func(call int) error
}

func (c *fakeCheckpointer) Checkpoint(ctx context.Context) error {
	c.batchCalls++
	if c.batchErr != nil {
		return c.batchErr(c.batchCalls)
	}
	return nil
}

func (c *fakeCheckpointer) CheckpointAt(ctx context.Context, sequenceNumber string) error {
	c.atCalls = append(c.atCalls, sequenceNumber)
	return nil
}

func batchOf(seqs ...string) []record.Raw {
	out := make([]record.Raw, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, record.Raw{
			SequenceNumber: s,
			Payload:        []byte(`{"data":{"value":"v-` + s + `"},"metadata":{"hash":"h-` + s + `"}}`),
			PartitionKey:   "pk-" + s,
		})
	}
	return out
}

func newTestProcessor(h *fakeHandler, strategy processor.Strategy) *processor.Processor[testData, testMeta] {
	events := processor.NewEventPublisher()
	cfg := processor.Config{Strategy: strategy, MaxRetries: 2, Backoff: time.Millisecond}
	p := processor.New[testData, testMeta](h, cfg, events, nil)
	p.Initialize("shard-0")
	return p
}

// Two valid records, BATCH strategy, both succeed.
func TestProcessRecordsBatchAllSucceed(t *testing.T) {
	h := &fakeHandler{stream: "orders"}
	p := newTestProcessor(h, processor.Batch)
	cp := &fakeCheckpointer{}

	err := p.ProcessRecords(context.Background(), batchOf("s0", "s1"), cp)
	require.NoError(t, err)

	require.Len(t, h.handleRecordCalls, 2)
	assert.Equal(t, "s0", h.handleRecordCalls[0].seq)
	assert.Equal(t, "s1", h.handleRecordCalls[1].seq)
	assert.Equal(t, 1, cp.batchCalls)
	assert.Equal(t, processor.StateReady, p.State())
}

// Handler throws on record 2, BATCH strategy.
func TestProcessRecordsBatchHandlerFailsNoCheckpoint(t *testing.T) {
	h := &fakeHandler{stream: "orders", failOnSeq: map[string]error{"s1": errors.New("boom")}}
	p := newTestProcessor(h, processor.Batch)
	cp := &fakeCheckpointer{}

	err := p.ProcessRecords(context.Background(), batchOf("s0", "s1"), cp)
	require.Error(t, err)

	require.Len(t, h.handleRecordCalls, 2)
	assert.Equal(t, 0, cp.batchCalls)
}

// Handler throws on record 2, RECORD strategy.
func TestProcessRecordsRecordStrategyPartialCheckpoint(t *testing.T) {
	h := &fakeHandler{stream: "orders", failOnSeq: map[string]error{"s1": errors.New("boom")}}
	p := newTestProcessor(h, processor.Record)
	cp := &fakeCheckpointer{}

	err := p.ProcessRecords(context.Background(), batchOf("s0", "s1"), cp)
	require.Error(t, err)

	require.Len(t, h.handleRecordCalls, 2)
	require.Len(t, cp.atCalls, 1)
	assert.Equal(t, "s0", cp.atCalls[0])
	assert.Equal(t, 0, cp.batchCalls)
}

// Deserialization error is skipped, batch checkpoint still occurs.
func TestProcessRecordsDeserializationErrorSkipped(t *testing.T) {
	h := &fakeHandler{stream: "orders"}
	p := newTestProcessor(h, processor.Batch)
	cp := &fakeCheckpointer{}

	valid := batchOf("s0", "s2")
	badRecord := record.Raw{SequenceNumber: "s1", Payload: []byte("{foobar}"), PartitionKey: "pk-s1"}
	batch := []record.Raw{valid[0], badRecord, valid[1]}

	err := p.ProcessRecords(context.Background(), batch, cp)
	require.NoError(t, err)

	require.Len(t, h.handleRecordCalls, 2)
	require.Len(t, h.derrCalls, 1)
	assert.Equal(t, "s1", h.derrCalls[0])
	assert.Equal(t, 1, cp.batchCalls)
}

// Checkpoint fails once with a retryable fault, then succeeds.
func TestProcessRecordsCheckpointRetriesThenSucceeds(t *testing.T) {
	h := &fakeHandler{stream: "orders"}
	p := newTestProcessor(h, processor.Batch)
	cp := &fakeCheckpointer{
		batchErr: func(call int) error {
			if call == 1 {
				return checkpoint.Classify(checkpoint.Retryable, errors.New("transient"))
			}
			return nil
		},
	}

	err := p.ProcessRecords(context.Background(), batchOf("s0", "s1"), cp)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.batchCalls)
}

// Checkpoint always throttled, swallowed, no error returned.
func TestProcessRecordsCheckpointThrottlingSwallowed(t *testing.T) {
	h := &fakeHandler{stream: "orders"}
	p := newTestProcessor(h, processor.Batch)
	cp := &fakeCheckpointer{
		batchErr: func(call int) error {
			return checkpoint.Classify(checkpoint.Throttling, errors.New("rate limited"))
		},
	}

	err := p.ProcessRecords(context.Background(), batchOf("s0", "s1"), cp)
	require.NoError(t, err)
	assert.Equal(t, 3, cp.batchCalls) // 1 + MaxRetries
}

// shutdownRequested and shardEnded each checkpoint once; leaseLost checkpoints zero times.
func TestTerminalTransitions(t *testing.T) {
	h := &fakeHandler{stream: "orders"}

	p := newTestProcessor(h, processor.Batch)
	cp := &fakeCheckpointer{}
	require.NoError(t, p.ShutdownRequested(context.Background(), cp))
	assert.Equal(t, 1, cp.batchCalls)

	p2 := newTestProcessor(h, processor.Batch)
	cp2 := &fakeCheckpointer{}
	require.NoError(t, p2.ShardEnded(context.Background(), cp2))
	assert.Equal(t, 1, cp2.batchCalls)
	assert.Equal(t, processor.StateEnded, p2.State())

	p3 := newTestProcessor(h, processor.Batch)
	p3.LeaseLost()
	assert.Equal(t, processor.StateReleased, p3.State())
}

// initialize publishes exactly one WorkerInitializedEvent.
func TestInitializePublishesEventExactlyOnce(t *testing.T) {
	h := &fakeHandler{stream: "orders"}
	events := processor.NewEventPublisher()

	var received []processor.WorkerInitializedEvent
	events.Subscribe(func(e any) {
		if ev, ok := e.(processor.WorkerInitializedEvent); ok {
			received = append(received, ev)
		}
	})

	p := processor.New[testData, testMeta](h, processor.Config{Strategy: processor.Batch, MaxRetries: 0, Backoff: time.Millisecond}, events, nil)
	p.Initialize("shard-7")

	require.Len(t, received, 1)
	assert.Equal(t, "orders", received[0].StreamName)
	assert.Equal(t, "shard-7", received[0].ShardID)
}

// LeaseLost must never invoke a checkpointer; there is no Checkpointer
// parameter at all on LeaseLost, which structurally enforces this.
func TestLeaseLostHasNoCheckpointerParameter(t *testing.T) {
	h := &fakeHandler{stream: "orders"}
	p := newTestProcessor(h, processor.Batch)
	p.LeaseLost()
	assert.Equal(t, processor.StateReleased, p.State())
}
