package checkpoint

// FaultKind classifies an upstream checkpoint-store error for the retry
// policy. Retrieval-library adapters are expected to wrap their native
// errors with one of these kinds before handing them to a RetryPolicy.
type FaultKind int

const (
	// Unknown covers any fault an adapter has not classified. Treated the
	// same as NonRetryable: do not retry, propagate immediately.
	Unknown FaultKind = iota
	// Retryable is a transient coordination-layer error, retried up to
	// maxRetries times with a fixed backoff between attempts.
	Retryable
	// Throttling is an upstream rate-limit signal. Retried the same as
	// Retryable, but exhaustion is swallowed rather than propagated.
	Throttling
	// NonRetryable is a permanent error (invalid state, lease gone,
	// shutdown). Never retried; propagated immediately.
	NonRetryable
)

func (k FaultKind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Throttling:
		return "throttling"
	case NonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// Fault wraps an upstream checkpoint error with its classification.
// Adapters construct one of these from whatever the real checkpointer
// (a DynamoDB lease table client, in this implementation) returns.
type Fault struct {
	Kind  FaultKind
	Cause error
}

func (f *Fault) Error() string {
	if f.Cause == nil {
		return f.Kind.String() + " checkpoint fault"
	}
	return f.Kind.String() + " checkpoint fault: " + f.Cause.Error()
}

func (f *Fault) Unwrap() error {
	return f.Cause
}

// Classify wraps err as a Fault of the given kind. A nil err returns nil.
func Classify(kind FaultKind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Cause: err}
}
