// Package processor implements the per-shard state machine that decodes
// a batch of raw records, dispatches each to a handler, and advances
// the checkpoint according to the configured strategy, all while
// surviving retryable upstream checkpoint faults.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shardwright/kcr/internal/checkpoint"
	"github.com/shardwright/kcr/internal/codec"
	"github.com/shardwright/kcr/internal/handler"
	"github.com/shardwright/kcr/internal/record"
)

// State is one of the processor's lifecycle states.
type State int

const (
	StateInit State = iota
	StateReady
	StateProcessing
	StateDraining
	StateEnded
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateDraining:
		return "draining"
	case StateEnded:
		return "ended"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Strategy selects between batch- and record-granularity checkpointing.
type Strategy int

const (
	// Batch issues a single checkpoint after every record in the batch
	// has been handled successfully. This is the default.
	Batch Strategy = iota
	// Record issues a checkpoint after each individual record succeeds.
	Record
)

// Checkpointer is the opaque handle the upstream retrieval library passes
// to the processor on each batch and on terminal events. A DynamoDB
// lease-table implementation is checkpoint.DynamoDBCheckpointer; its
// client options are built by internal/config.
type Checkpointer interface {
	// Checkpoint advances the lease to the latest record of the current
	// batch.
	Checkpoint(ctx context.Context) error
	// CheckpointAt advances the lease to a specific sequence number.
	CheckpointAt(ctx context.Context, sequenceNumber string) error
}

// Config is the immutable checkpointing configuration for a processor.
type Config struct {
	Strategy   Strategy
	MaxRetries int
	Backoff    time.Duration
}

// Processor is the per-shard state machine for stream D/M. One instance
// is created per shard assignment and discarded on shard loss/end; it is
// not safe for concurrent use by more than one caller, matching the
// single-dedicated-thread-per-shard scheduling model the retrieval
// library drives it with.
type Processor[D any, M any] struct {
	streamName string
	shardID    string

	handler handler.Handler[D, M]
	codec   *codec.Factory[D, M]
	retry   *checkpoint.RetryPolicy
	events  *EventPublisher
	log     *logrus.Entry

	strategy Strategy
	state    State
}

// New constructs a processor bound to h's stream and type pair. events is
// typically shared across all processors in a worker so subscribers see a
// single stream of lifecycle events regardless of shard count; log may be
// nil to use the standard logger.
func New[D any, M any](h handler.Handler[D, M], cfg Config, events *EventPublisher, log *logrus.Entry) *Processor[D, M] {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("stream", h.Stream())

	return &Processor[D, M]{
		streamName: h.Stream(),
		handler:    h,
		codec:      codec.NewFactory[D, M](),
		retry:      checkpoint.NewRetryPolicy(checkpoint.Config{MaxRetries: cfg.MaxRetries, Backoff: cfg.Backoff}, log),
		events:     events,
		log:        log,
		strategy:   cfg.Strategy,
		state:      StateInit,
	}
}

// State returns the processor's current state.
func (p *Processor[D, M]) State() State {
	return p.state
}

// Initialize transitions Init -> Ready and publishes a
// WorkerInitializedEvent. No checkpoint is attempted.
func (p *Processor[D, M]) Initialize(shardID string) {
	p.shardID = shardID
	p.state = StateReady
	p.log = p.log.WithField("shard_id", shardID)
	p.events.Publish(WorkerInitializedEvent{StreamName: p.streamName, ShardID: shardID})
}

// ProcessRecords decodes and dispatches each record in batch, in delivery
// order, to the handler, and checkpoints per p.strategy.
func (p *Processor[D, M]) ProcessRecords(ctx context.Context, batch []record.Raw, cp Checkpointer) error {
	p.state = StateProcessing

	for i, raw := range batch {
		execCtx := record.ExecutionContext{
			SequenceNumber: raw.SequenceNumber,
			PartitionKey:   raw.PartitionKey,
			StreamName:     p.streamName,
			ShardID:        p.shardID,
		}

		rec, err := p.codec.Decode(raw.Payload)
		if err != nil {
			if herr := p.handler.HandleDeserializationError(ctx, raw.Payload, err, execCtx); herr != nil {
				p.state = StateReady
				return fmt.Errorf("handling deserialization error for record %d (seq %s): %w", i, raw.SequenceNumber, herr)
			}
			// Terminal-skip: the record is not reprocessed and does not
			// by itself block a batch checkpoint.
			continue
		}

		if err := p.handler.HandleRecord(ctx, rec, execCtx); err != nil {
			// Under Record strategy every earlier success in this batch has
			// already been checkpointed individually below.
			p.state = StateReady
			return fmt.Errorf("handling record %d (seq %s): %w", i, raw.SequenceNumber, err)
		}

		if p.strategy == Record {
			seq := raw.SequenceNumber
			if cerr := p.retry.Run(ctx, func() error {
				return cp.CheckpointAt(ctx, seq)
			}); cerr != nil {
				p.state = StateReady
				return fmt.Errorf("checkpointing record %d (seq %s): %w", i, raw.SequenceNumber, cerr)
			}
		}
	}

	if p.strategy == Batch {
		if cerr := p.retry.Run(ctx, func() error { return cp.Checkpoint(ctx) }); cerr != nil {
			p.state = StateReady
			return fmt.Errorf("batch checkpoint: %w", cerr)
		}
	}

	p.state = StateReady
	return nil
}

// ShutdownRequested issues a batch checkpoint through the retry policy
// and returns to Ready.
func (p *Processor[D, M]) ShutdownRequested(ctx context.Context, cp Checkpointer) error {
	p.state = StateDraining
	err := p.retry.Run(ctx, func() error { return cp.Checkpoint(ctx) })
	p.events.Publish(WorkerShutdownEvent{StreamName: p.streamName, ShardID: p.shardID})
	p.state = StateReady
	return err
}

// ShardEnded issues a batch checkpoint through the retry policy, required
// by the upstream contract to move the lease forward past the closed
// shard. The processor remains in its terminal Ended state afterward.
func (p *Processor[D, M]) ShardEnded(ctx context.Context, cp Checkpointer) error {
	p.state = StateEnded
	err := p.retry.Run(ctx, func() error { return cp.Checkpoint(ctx) })
	p.events.Publish(ShardEndedEvent{StreamName: p.streamName, ShardID: p.shardID})
	return err
}

// LeaseLost transitions to the terminal Released state. It must not
// checkpoint — the lease already belongs to another worker.
func (p *Processor[D, M]) LeaseLost() {
	p.state = StateReleased
	p.events.Publish(LeaseLostEvent{StreamName: p.streamName, ShardID: p.shardID})
}
