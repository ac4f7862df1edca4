package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lanternchat/lantern/internal/models"
	"github.com/lanternchat/lantern/internal/segment"
)

const defaultPageSize = 50

// sealedContent is the wire form of encrypted event content.
type sealedContent struct {
	Ciphertext string `json:"ciphertext"`
}

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// PageSize bounds segment sizes handed out by the store.
	PageSize int

	// Key enables encryption of content events when non-nil. Must be
	// chacha20poly1305.KeySize bytes.
	Key []byte
}

// MemoryStore keeps a full conversation history in memory and serves it
// through the segmented store contract. Content events are sealed with
// XChaCha20-Poly1305 when a key is configured, so the decrypt path exercises
// real ciphertext. Used by tests and the demo conversation.
type MemoryStore struct {
	mu       sync.Mutex
	history  []models.Event // plaintext, ascending
	arena    *segment.Arena
	liveID   segment.ID
	pageSize int
	aead     interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
	liveSubs   map[string]func(models.Event)
	redactSubs map[string]func(string)
	closed     bool
}

// NewMemoryStore creates a store seeded with history (plaintext, ascending by
// timestamp). The live segment covers the newest page; older events are
// reachable through backward pagination.
func NewMemoryStore(cfg MemoryConfig, history []models.Event) (*MemoryStore, error) {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	s := &MemoryStore{
		history:    append([]models.Event(nil), history...),
		arena:      segment.NewArena(),
		pageSize:   pageSize,
		liveSubs:   make(map[string]func(models.Event)),
		redactSubs: make(map[string]func(string)),
	}
	if len(cfg.Key) > 0 {
		aead, err := chacha20poly1305.NewX(cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("init cipher: %w", err)
		}
		s.aead = aead
	}

	liveStart := len(s.history) - pageSize
	if liveStart < 0 {
		liveStart = 0
	}
	live := &segment.Segment{
		ID:        segment.ID("live-" + uuid.NewString()),
		Events:    s.sealRange(liveStart, len(s.history)),
		BackToken: s.tokenAt(liveStart),
	}
	if err := s.arena.Add(live); err != nil {
		return nil, err
	}
	s.liveID = live.ID
	return s, nil
}

// Arena exposes the shared segment arena.
func (s *MemoryStore) Arena() *segment.Arena { return s.arena }

// LiveSegment returns the live segment's ID.
func (s *MemoryStore) LiveSegment() segment.ID { return s.liveID }

// GetSegment resolves the segment containing eventID. When the event is not
// linked into any existing chain, a new chain anchored at it is created.
func (s *MemoryStore) GetSegment(ctx context.Context, eventID string) (segment.ID, error) {
	if err := ctx.Err(); err != nil {
		return segment.None, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return segment.None, ErrStoreClosed
	}

	if id := s.arena.FindEvent(eventID); id != segment.None {
		return id, nil
	}

	idx := s.indexOf(eventID)
	if idx < 0 {
		return segment.None, ErrEventNotFound
	}

	half := s.pageSize / 2
	start := idx - half
	if start < 0 {
		start = 0
	}
	end := idx + half
	if end > len(s.history) {
		end = len(s.history)
	}
	seg := &segment.Segment{
		ID:           segment.ID("hist-" + uuid.NewString()),
		Events:       s.sealRange(start, end),
		BackToken:    s.tokenAt(start),
		ForwardToken: s.forwardTokenAt(end),
	}
	if err := s.arena.Add(seg); err != nil {
		return segment.None, err
	}
	return seg.ID, nil
}

// Paginate extends the chain at boundary by up to limit events.
func (s *MemoryStore) Paginate(ctx context.Context, boundary segment.ID, dir Direction, limit int) (PaginateResult, error) {
	if err := ctx.Err(); err != nil {
		return PaginateResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PaginateResult{}, ErrStoreClosed
	}
	if limit <= 0 {
		limit = s.pageSize
	}

	edge := s.arena.BackwardMost(boundary)
	if dir == Forward {
		edge = s.arena.ForwardMost(boundary)
	}
	seg, ok := s.arena.Get(edge)
	if !ok {
		return PaginateResult{}, ErrSegmentNotFound
	}

	if dir == Backward {
		if seg.BackToken == nil {
			return PaginateResult{ReachedEnd: true}, nil
		}
		end, err := strconv.Atoi(*seg.BackToken)
		if err != nil {
			return PaginateResult{}, fmt.Errorf("bad token %q: %w", *seg.BackToken, err)
		}
		start := end - limit
		if start < 0 {
			start = 0
		}
		newSeg := &segment.Segment{
			ID:        segment.ID("back-" + uuid.NewString()),
			Events:    s.sealRange(start, end),
			BackToken: s.tokenAt(start),
		}
		if err := s.arena.LinkBefore(seg.ID, newSeg); err != nil {
			return PaginateResult{}, err
		}
		return PaginateResult{
			NewSegments: []*segment.Segment{newSeg},
			ReachedEnd:  start == 0,
		}, nil
	}

	if seg.ForwardToken == nil {
		return PaginateResult{ReachedEnd: true}, nil
	}
	start, err := strconv.Atoi(*seg.ForwardToken)
	if err != nil {
		return PaginateResult{}, fmt.Errorf("bad token %q: %w", *seg.ForwardToken, err)
	}
	liveStart := s.liveStartIndex()
	end := start + limit
	if end > liveStart {
		end = liveStart
	}
	newSeg := &segment.Segment{
		ID:           segment.ID("fwd-" + uuid.NewString()),
		Events:       s.sealRange(start, end),
		ForwardToken: s.forwardTokenAt(end),
	}
	if err := s.arena.LinkAfter(seg.ID, newSeg); err != nil {
		return PaginateResult{}, err
	}
	if newSeg.ForwardToken == nil {
		// Reached the live boundary: bridge the historical chain onto the
		// live segment so the view is serving live from here on.
		if live, ok := s.arena.Get(s.liveID); ok && live.PrevID == segment.None {
			_ = s.linkLiveAfterLocked(newSeg.ID)
		}
	}
	return PaginateResult{
		NewSegments: []*segment.Segment{newSeg},
		ReachedEnd:  newSeg.ForwardToken == nil,
	}, nil
}

func (s *MemoryStore) linkLiveAfterLocked(id segment.ID) error {
	seg, ok := s.arena.Get(id)
	if !ok {
		return ErrSegmentNotFound
	}
	live, ok := s.arena.Get(s.liveID)
	if !ok {
		return ErrSegmentNotFound
	}
	// Direct relink; both segments are ends of their chains.
	live.PrevID = seg.ID
	seg.NextID = live.ID
	return nil
}

// Decrypt opens a sealed event. Idempotent on plaintext events.
func (s *MemoryStore) Decrypt(ctx context.Context, ev models.Event) (models.Event, error) {
	if err := ctx.Err(); err != nil {
		return ev, err
	}
	if !ev.Encrypted {
		return ev, nil
	}
	if s.aead == nil {
		return ev, fmt.Errorf("no key for event %s", ev.ID)
	}

	var sealed sealedContent
	if err := json.Unmarshal(ev.Content, &sealed); err != nil {
		return ev, fmt.Errorf("parse sealed content: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return ev, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return ev, fmt.Errorf("ciphertext too short for event %s", ev.ID)
	}
	nonce, box := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := s.aead.Open(nil, nonce, box, []byte(ev.ID))
	if err != nil {
		return ev, fmt.Errorf("open event %s: %w", ev.ID, err)
	}

	out := ev.Clone()
	out.Encrypted = false
	out.Content = plain
	return out, nil
}

// SubscribeLive registers fn for pushed live events.
func (s *MemoryStore) SubscribeLive(fn func(models.Event)) (cancel func()) {
	id := uuid.NewString()
	s.mu.Lock()
	s.liveSubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.liveSubs, id)
		s.mu.Unlock()
	}
}

// SubscribeRedactions registers fn for pushed redactions.
func (s *MemoryStore) SubscribeRedactions(fn func(targetID string)) (cancel func()) {
	id := uuid.NewString()
	s.mu.Lock()
	s.redactSubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.redactSubs, id)
		s.mu.Unlock()
	}
}

// AppendLive appends a new event to the live tail and notifies subscribers.
func (s *MemoryStore) AppendLive(ev models.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("append live: %w", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.history = append(s.history, ev.Clone())
	sealed := s.seal(ev)
	if err := s.arena.AppendEvents(s.liveID, sealed); err != nil {
		s.mu.Unlock()
		return err
	}
	subs := make([]func(models.Event), 0, len(s.liveSubs))
	for _, fn := range s.liveSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(sealed.Clone())
	}
	return nil
}

// PushRedaction notifies subscribers that targetID was redacted.
func (s *MemoryStore) PushRedaction(targetID string) {
	s.mu.Lock()
	subs := make([]func(string), 0, len(s.redactSubs))
	for _, fn := range s.redactSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(targetID)
	}
}

// Close releases the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.liveSubs = make(map[string]func(models.Event))
	s.redactSubs = make(map[string]func(string))
	return nil
}

func (s *MemoryStore) indexOf(eventID string) int {
	for i := range s.history {
		if s.history[i].ID == eventID {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) liveStartIndex() int {
	live, ok := s.arena.Get(s.liveID)
	if !ok || len(live.Events) == 0 {
		return len(s.history)
	}
	return s.indexOf(live.Events[0].ID)
}

func (s *MemoryStore) tokenAt(idx int) *string {
	if idx <= 0 {
		return nil
	}
	t := strconv.Itoa(idx)
	return &t
}

func (s *MemoryStore) forwardTokenAt(idx int) *string {
	if idx >= s.liveStartIndex() {
		return nil
	}
	t := strconv.Itoa(idx)
	return &t
}

func (s *MemoryStore) sealRange(start, end int) []models.Event {
	out := make([]models.Event, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, s.seal(s.history[i]))
	}
	return out
}

// seal encrypts content-bearing events when a key is configured. Membership
// and profile events stay plaintext, matching how state events travel.
func (s *MemoryStore) seal(ev models.Event) models.Event {
	if s.aead == nil || ev.Encrypted {
		return ev.Clone()
	}
	switch ev.Type {
	case models.EventTypeMessage, models.EventTypeReaction, models.EventTypeSticker:
	default:
		return ev.Clone()
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return ev.Clone()
	}
	box := s.aead.Seal(nil, nonce, ev.Content, []byte(ev.ID))
	payload, err := json.Marshal(sealedContent{
		Ciphertext: base64.StdEncoding.EncodeToString(append(nonce, box...)),
	})
	if err != nil {
		return ev.Clone()
	}

	out := ev.Clone()
	out.Encrypted = true
	out.Content = payload
	return out
}
