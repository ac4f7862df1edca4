// Package store defines the event store contract the timeline engine
// consumes, plus the bundled implementations: an in-memory store with real
// ciphertext for tests and demos, a sqlite-backed local cache, and a
// websocket remote adapter.
package store

import (
	"context"
	"errors"

	"github.com/lanternchat/lantern/internal/models"
	"github.com/lanternchat/lantern/internal/segment"
)

// Store errors.
var (
	ErrEventNotFound   = errors.New("event not found")
	ErrSegmentNotFound = errors.New("segment not found")
	ErrStoreClosed     = errors.New("store closed")
)

// Direction selects which way a pagination call extends a chain.
type Direction int

const (
	Backward Direction = iota
	Forward
)

// String returns "backward" or "forward".
func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// PaginateResult is the outcome of one pagination call. NewSegments are
// already linked into the arena chain on the boundary side that was paged.
type PaginateResult struct {
	NewSegments []*segment.Segment
	ReachedEnd  bool
}

// Store supplies segments of time-ordered events, pagination, and an async
// decrypt transform. Implementations own the segment arena; viewers hold
// read-only views into it.
type Store interface {
	// Arena exposes the shared segment arena for chain walks.
	Arena() *segment.Arena

	// LiveSegment returns the ID of the conversation's live segment.
	LiveSegment() segment.ID

	// GetSegment resolves the segment containing eventID, fetching and
	// linking a new chain anchored there when the event is not local.
	// Returns ErrEventNotFound when the event cannot be located at all.
	GetSegment(ctx context.Context, eventID string) (segment.ID, error)

	// Paginate extends the chain at boundary in the given direction by up
	// to limit events, linking any new segments into the arena.
	Paginate(ctx context.Context, boundary segment.ID, dir Direction, limit int) (PaginateResult, error)

	// Decrypt returns the decrypted form of ev. Idempotent: an already
	// decrypted event is returned unchanged.
	Decrypt(ctx context.Context, ev models.Event) (models.Event, error)

	// SubscribeLive registers fn for pushed live events. The returned
	// cancel detaches the subscription.
	SubscribeLive(fn func(models.Event)) (cancel func())

	// SubscribeRedactions registers fn for pushed redactions, keyed by the
	// redacted event's ID.
	SubscribeRedactions(fn func(targetID string)) (cancel func())

	// Close releases the store's resources.
	Close() error
}
