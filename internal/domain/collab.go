package domain

import "context"

// DeltaFunc receives raw provider deltas during a streaming query.
type DeltaFunc func(RawDelta)

// Querier is the model-query collaborator. Query invokes onDelta zero or more
// times with raw (pre-normalization) deltas before resolving with the updated
// history. Cancellation is cooperative: implementations check ctx after each
// awaited step and stop emitting once it is done.
type Querier interface {
	Query(ctx context.Context, history []Message, onDelta DeltaFunc) ([]Message, error)
	Name() string
}

// TranscriptStore is the persistence collaborator: an append-only transcript
// per session. The core calls these but does not define the storage format.
type TranscriptStore interface {
	Get(ctx context.Context, sessionID string) ([]Message, error)
	Set(ctx context.Context, sessionID string, msgs []Message) error
	// List returns every session id with a stored transcript.
	List(ctx context.Context) ([]string, error)
	// Subscribe registers a listener for transcript changes on a session.
	// Returns an unsubscribe function.
	Subscribe(sessionID string, fn func([]Message)) func()
	Close() error
}
