// Package handler declares the interface user code implements to receive
// typed records and deserialization failures for a single stream.
package handler

import (
	"context"

	"github.com/shardwright/kcr/internal/record"
)

// Handler is bound to a single stream and a single (D, M) type pair for
// its lifetime. Stream, and the type pair, are constant for the life of
// the handler.
type Handler[D any, M any] interface {
	// Stream returns the name of the stream this handler binds to.
	Stream() string

	// HandleRecord is invoked for every successfully decoded record, in
	// delivery order. An error aborts the current batch after any partial
	// checkpointing the active strategy allows. A panic is not recovered
	// by the processor.
	HandleRecord(ctx context.Context, rec record.Record[D, M], execCtx record.ExecutionContext) error

	// HandleDeserializationError is invoked when raw bytes fail to decode
	// into (D, M). Errors returned here propagate unchanged and abort the
	// batch — this callback is already on an error path.
	HandleDeserializationError(ctx context.Context, raw []byte, cause error, execCtx record.ExecutionContext) error
}
