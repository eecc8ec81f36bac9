package pipeline

// State is a position in the run state machine. A run moves Idle ->
// Fetching -> Normalizing (interleaved with Fetching, page by page) ->
// Writing -> Done, or to Failed from any stage.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateNormalizing State = "normalizing"
	StateWriting     State = "writing"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// FailureKind classifies why a run failed.
type FailureKind string

const (
	// FailureTransientUpstream is a retryable upstream condition that
	// survived the retry budget. The failure carries the last page that
	// was fetched successfully.
	FailureTransientUpstream FailureKind = "transient_upstream"

	// FailurePermanentUpstream is a non-retryable upstream rejection or
	// an undecodable response.
	FailurePermanentUpstream FailureKind = "permanent_upstream"

	// FailurePaginationOverrun means the page walk exceeded the ceiling.
	FailurePaginationOverrun FailureKind = "pagination_overrun"

	// FailureStorageWrite means the output destination failed.
	FailureStorageWrite FailureKind = "storage_write"

	// FailureCancelled means the run's context was cancelled.
	FailureCancelled FailureKind = "cancelled"

	// FailureInvalidQuery means the query never reached upstream.
	FailureInvalidQuery FailureKind = "invalid_query"
)
