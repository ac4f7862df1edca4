// Package timeline implements the conversation windowing and pagination
// engine: a materialized, filtered mirror of one segment chain, a sliding
// window cursor over it, and the coordinator that glues both to the event
// store.
package timeline

import (
	"time"

	"github.com/lanternchat/lantern/internal/models"
	"github.com/lanternchat/lantern/internal/segment"
)

// Class is the routing decision for one ingested event.
type Class int

const (
	// ClassMain events land in the ordered main array.
	ClassMain Class = iota
	// ClassEdit events are routed to the edits map of their target.
	ClassEdit
	// ClassReaction events are routed to the reactions map of their target.
	ClassReaction
	// ClassDrop events are filtered out entirely.
	ClassDrop
)

// Filters holds the membership-noise suppression flags.
type Filters struct {
	// SuppressMembership drops join/leave/invite/ban events.
	SuppressMembership bool

	// SuppressProfileChanges drops pure display-name/avatar changes.
	SuppressProfileChanges bool
}

// Timeline is the materialized, filtered, ordered local mirror of one active
// segment chain. The main array holds only main-classified events, ascending
// by timestamp, deduplicated by ID; edits and reactions are routed to
// auxiliary maps keyed by their target event ID.
//
// Ingestion appends in arrival order and never re-sorts. While live events
// await decryption the tail may be briefly out of order; consumers must not
// assume the last element is the true latest.
type Timeline struct {
	filters Filters

	main      []models.Event
	seen      map[string]struct{}
	edits     map[string][]models.Event
	reactions map[string][]models.Event
	redacted  map[string]struct{}

	pendingDecrypts int
}

// New creates an empty timeline with the given filters.
func New(filters Filters) *Timeline {
	t := &Timeline{filters: filters}
	t.reset()
	return t
}

func (t *Timeline) reset() {
	t.main = t.main[:0]
	t.seen = make(map[string]struct{}, 256)
	t.edits = make(map[string][]models.Event)
	t.reactions = make(map[string][]models.Event)
	t.redacted = make(map[string]struct{})
	t.pendingDecrypts = 0
}

// Classify routes an event to its destination. Unknown types drop; adding a
// new suppressible type is one new case here.
func (t *Timeline) Classify(ev *models.Event) Class {
	if ev == nil || ev.ID == "" {
		return ClassDrop
	}
	if _, gone := t.redacted[ev.ID]; gone {
		return ClassDrop
	}
	if ev.IsRedaction() {
		return ClassDrop
	}
	if ev.IsEdit() {
		return ClassEdit
	}
	if ev.IsReaction() {
		return ClassReaction
	}

	switch ev.Type {
	case models.EventTypeMessage, models.EventTypeSticker:
		return ClassMain
	case models.EventTypeConversationCreate,
		models.EventTypeConversationName,
		models.EventTypeConversationTopic:
		return ClassMain
	case models.EventTypeMembership:
		if t.filters.SuppressMembership {
			return ClassDrop
		}
		return ClassMain
	case models.EventTypeProfileChange:
		if t.filters.SuppressProfileChanges {
			return ClassDrop
		}
		return ClassMain
	default:
		return ClassDrop
	}
}

// Ingest classifies and routes one event. Re-ingesting an event with a known
// ID is a no-op; the same event may be observed twice during decrypt
// reconciliation. The caller guarantees time order for main events; no
// re-sort happens here. Returns true when the main array grew.
func (t *Timeline) Ingest(ev models.Event) bool {
	switch t.Classify(&ev) {
	case ClassMain:
		if _, dup := t.seen[ev.ID]; dup {
			return false
		}
		t.seen[ev.ID] = struct{}{}
		t.main = append(t.main, ev)
		return true
	case ClassEdit:
		target, _, _ := ev.RelatesTo()
		t.appendAux(t.edits, target, ev)
	case ClassReaction:
		target, _, _ := ev.RelatesTo()
		if target != "" {
			t.appendAux(t.reactions, target, ev)
		}
	}
	return false
}

func (t *Timeline) appendAux(m map[string][]models.Event, target string, ev models.Event) {
	for _, existing := range m[target] {
		if existing.ID == ev.ID {
			return
		}
	}
	m[target] = append(m[target], ev)
}

// RebuildFromChain clears all local state and re-ingests every event of the
// chain containing anchor, oldest segment first. transform is applied to each
// event before ingestion (decryption); nil means identity. Must be called
// after switching chains and after a backfill merges new segments.
func (t *Timeline) RebuildFromChain(arena *segment.Arena, anchor segment.ID, transform func(models.Event) models.Event) {
	t.reset()
	arena.WalkForward(anchor, func(seg *segment.Segment) bool {
		for i := range seg.Events {
			ev := seg.Events[i]
			if transform != nil {
				ev = transform(ev)
			}
			t.Ingest(ev)
		}
		return true
	})
}

// Redact removes targetID from the main array and clears its auxiliary
// entries. Returns the removed event and its prior index, or nil and -1 when
// the event was not materialized. Future ingests of targetID drop.
func (t *Timeline) Redact(targetID string) (*models.Event, int) {
	t.redacted[targetID] = struct{}{}
	delete(t.edits, targetID)
	delete(t.reactions, targetID)

	if _, ok := t.seen[targetID]; !ok {
		return nil, -1
	}
	for i := range t.main {
		if t.main[i].ID == targetID {
			removed := t.main[i]
			t.main = append(t.main[:i], t.main[i+1:]...)
			return &removed, i
		}
	}
	return nil, -1
}

// Len returns the number of materialized main events.
func (t *Timeline) Len() int { return len(t.main) }

// At returns the main event at index i.
func (t *Timeline) At(i int) models.Event { return t.main[i] }

// Slice returns a copy of main[from:to], both bounds clamped.
func (t *Timeline) Slice(from, to int) []models.Event {
	if from < 0 {
		from = 0
	}
	if to > len(t.main) {
		to = len(t.main)
	}
	if from >= to {
		return nil
	}
	return append([]models.Event(nil), t.main[from:to]...)
}

// Edits returns the ordered edit list for targetID. The last element is the
// current effective content. Order is processing order, a best-effort
// approximation of timestamp order.
func (t *Timeline) Edits(targetID string) []models.Event {
	return append([]models.Event(nil), t.edits[targetID]...)
}

// Reactions returns the ordered reaction list for targetID.
func (t *Timeline) Reactions(targetID string) []models.Event {
	return append([]models.Event(nil), t.reactions[targetID]...)
}

// EffectiveContent returns the event's current content, following the latest
// edit when one exists.
func (t *Timeline) EffectiveContent(ev models.Event) []byte {
	edits := t.edits[ev.ID]
	if len(edits) == 0 {
		return ev.Content
	}
	return edits[len(edits)-1].Content
}

// FirstIndexAfter returns the index of the first main event with a timestamp
// strictly after ts, or Len() when every event is at or before ts. This is
// where the unread divider belongs for a read marker at ts.
func (t *Timeline) FirstIndexAfter(ts time.Time) int {
	for i := range t.main {
		if t.main[i].Timestamp.After(ts) {
			return i
		}
	}
	return len(t.main)
}

// IndexOf returns the main-array index of id, or -1.
func (t *Timeline) IndexOf(id string) int {
	if _, ok := t.seen[id]; !ok {
		return -1
	}
	for i := range t.main {
		if t.main[i].ID == id {
			return i
		}
	}
	return -1
}

// BeginDecrypt records one live event entering asynchronous decryption.
func (t *Timeline) BeginDecrypt() { t.pendingDecrypts++ }

// EndDecrypt records one live event leaving asynchronous decryption.
func (t *Timeline) EndDecrypt() {
	if t.pendingDecrypts > 0 {
		t.pendingDecrypts--
	}
}

// PendingDecrypts reports how many live events are still being decrypted.
// While nonzero, the tail may be briefly out of timestamp order.
func (t *Timeline) PendingDecrypts() int { return t.pendingDecrypts }
