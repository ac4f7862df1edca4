// Package segment implements the segmented event store structure shared by
// conversation views. Segments are pages of time-ordered events linked into
// doubly linked chains; the arena owns every segment for one conversation and
// hands out read-only views keyed by opaque IDs, so multiple viewers can walk
// overlapping chains without ownership conflicts.
package segment

import (
	"errors"
	"sync"

	"github.com/lanternchat/lantern/internal/models"
)

// ID is an opaque segment identifier. Neighbor links are stored as IDs, not
// pointers, so chains can be shared across views.
type ID string

// None is the zero ID, used for absent neighbor links.
const None ID = ""

// Arena errors.
var (
	ErrSegmentExists   = errors.New("segment already exists")
	ErrSegmentNotFound = errors.New("segment not found")
)

// Segment is one contiguous page of time-ordered events plus pagination
// tokens and neighbor links. Within a chain, events of consecutive segments
// are contiguous in server order.
type Segment struct {
	ID     ID
	Events []models.Event

	// BackToken pages further into history; nil means history start reached.
	BackToken *string

	// ForwardToken pages toward the present; nil on the live segment by
	// construction (there is nothing beyond the live tail).
	ForwardToken *string

	PrevID ID
	NextID ID
}

// Arena holds every segment of one conversation. Reads may come from several
// viewers concurrently; writes happen when pagination merges new segments in.
type Arena struct {
	mu       sync.RWMutex
	segments map[ID]*Segment
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{segments: make(map[ID]*Segment)}
}

// Add registers a segment that is not yet linked to any chain.
func (a *Arena) Add(seg *Segment) error {
	if seg == nil || seg.ID == None {
		return ErrSegmentNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.segments[seg.ID]; ok {
		return ErrSegmentExists
	}
	a.segments[seg.ID] = seg
	return nil
}

// Get returns the segment for id. The returned segment is shared; callers
// must treat it as read-only and route mutations through arena methods.
func (a *Arena) Get(id ID) (*Segment, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	seg, ok := a.segments[id]
	return seg, ok
}

// Has reports whether the arena contains id.
func (a *Arena) Has(id ID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.segments[id]
	return ok
}

// LinkBefore inserts newSeg into the chain immediately before id.
func (a *Arena) LinkBefore(id ID, newSeg *Segment) error {
	if newSeg == nil || newSeg.ID == None {
		return ErrSegmentNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	anchor, ok := a.segments[id]
	if !ok {
		return ErrSegmentNotFound
	}
	if _, ok := a.segments[newSeg.ID]; ok {
		return ErrSegmentExists
	}

	newSeg.NextID = anchor.ID
	newSeg.PrevID = anchor.PrevID
	if prev, ok := a.segments[anchor.PrevID]; ok {
		prev.NextID = newSeg.ID
	}
	anchor.PrevID = newSeg.ID
	a.segments[newSeg.ID] = newSeg
	return nil
}

// LinkAfter inserts newSeg into the chain immediately after id.
func (a *Arena) LinkAfter(id ID, newSeg *Segment) error {
	if newSeg == nil || newSeg.ID == None {
		return ErrSegmentNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	anchor, ok := a.segments[id]
	if !ok {
		return ErrSegmentNotFound
	}
	if _, ok := a.segments[newSeg.ID]; ok {
		return ErrSegmentExists
	}

	newSeg.PrevID = anchor.ID
	newSeg.NextID = anchor.NextID
	if next, ok := a.segments[anchor.NextID]; ok {
		next.PrevID = newSeg.ID
	}
	anchor.NextID = newSeg.ID
	a.segments[newSeg.ID] = newSeg
	return nil
}

// AppendEvents grows a segment in place (live tail growth).
func (a *Arena) AppendEvents(id ID, events ...models.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	seg, ok := a.segments[id]
	if !ok {
		return ErrSegmentNotFound
	}
	seg.Events = append(seg.Events, events...)
	return nil
}

// SetBackToken replaces a segment's backward pagination token.
func (a *Arena) SetBackToken(id ID, token *string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	seg, ok := a.segments[id]
	if !ok {
		return ErrSegmentNotFound
	}
	seg.BackToken = token
	return nil
}

// BackwardMost walks Prev links from id and returns the chain's oldest
// segment. Walks are cycle-guarded; a corrupt chain returns the last segment
// reached before the cycle closed.
func (a *Arena) BackwardMost(id ID) ID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.walk(id, func(s *Segment) ID { return s.PrevID })
}

// ForwardMost walks Next links from id and returns the chain's newest
// segment.
func (a *Arena) ForwardMost(id ID) ID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.walk(id, func(s *Segment) ID { return s.NextID })
}

func (a *Arena) walk(id ID, next func(*Segment) ID) ID {
	seen := make(map[ID]struct{}, 8)
	cur := id
	for {
		seg, ok := a.segments[cur]
		if !ok {
			return None
		}
		if _, dup := seen[cur]; dup {
			return cur
		}
		seen[cur] = struct{}{}
		n := next(seg)
		if n == None {
			return cur
		}
		if _, ok := a.segments[n]; !ok {
			return cur
		}
		cur = n
	}
}

// WalkForward visits every segment of the chain containing id, oldest first.
// The visit stops when fn returns false.
func (a *Arena) WalkForward(id ID, fn func(*Segment) bool) {
	start := a.BackwardMost(id)
	if start == None {
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	seen := make(map[ID]struct{}, 8)
	cur := start
	for cur != None {
		seg, ok := a.segments[cur]
		if !ok {
			return
		}
		if _, dup := seen[cur]; dup {
			return
		}
		seen[cur] = struct{}{}
		if !fn(seg) {
			return
		}
		cur = seg.NextID
	}
}

// ChainEvents flattens the full chain containing id into one ordered slice.
func (a *Arena) ChainEvents(id ID) []models.Event {
	var out []models.Event
	a.WalkForward(id, func(seg *Segment) bool {
		out = append(out, seg.Events...)
		return true
	})
	return out
}

// FirstEvent returns the oldest event of the chain containing id, or nil when
// the chain is empty.
func (a *Arena) FirstEvent(id ID) *models.Event {
	var first *models.Event
	a.WalkForward(id, func(seg *Segment) bool {
		if len(seg.Events) == 0 {
			return true
		}
		ev := seg.Events[0].Clone()
		first = &ev
		return false
	})
	return first
}

// FindEvent returns the ID of the segment containing eventID, or None.
func (a *Arena) FindEvent(eventID string) ID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for id, seg := range a.segments {
		for i := range seg.Events {
			if seg.Events[i].ID == eventID {
				return id
			}
		}
	}
	return None
}

// SameChain reports whether two segments are linked into the same chain.
func (a *Arena) SameChain(x, y ID) bool {
	if x == None || y == None {
		return false
	}
	if x == y {
		return true
	}
	found := false
	a.WalkForward(x, func(seg *Segment) bool {
		if seg.ID == y {
			found = true
			return false
		}
		return true
	})
	return found
}

// Len returns the number of segments in the arena.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.segments)
}
