package timeline

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lanternchat/lantern/internal/logging"
	"github.com/lanternchat/lantern/internal/models"
	"github.com/lanternchat/lantern/internal/segment"
	"github.com/lanternchat/lantern/internal/store"
)

// TargetLive opens the conversation at its live tail.
const TargetLive = "live"

// State is the coordinator's serialization state.
type State int

const (
	StateIdle State = iota
	StateSwitchingChain
	StatePaginating
)

// Ready is emitted when a chain switch completes. FocusEventID is empty when
// the view opened at the live tail.
type Ready struct {
	FocusEventID string
}

// Paginated is emitted when a remote pagination completes (Count > 0), hits
// the absolute start or end of history, or fails transiently (Count == 0).
type Paginated struct {
	Direction store.Direction
	Count     int
}

// CoordinatorConfig tunes the coordinator.
type CoordinatorConfig struct {
	// PageSize is the remote fetch size per pagination.
	PageSize int

	// Step is how far the window advances per request.
	Step int

	// Assert makes caller-contract violations panic instead of no-op.
	// Enable in development builds only.
	Assert bool
}

// Coordinator glues one event store to one materialized timeline and window
// cursor. It serializes chain switches and paginations behind a state guard:
// calls arriving while not idle are dropped, and callers retry on the next
// scroll tick. Superseded in-flight operations discard their results via an
// epoch check instead of explicit cancellation.
//
// One coordinator per open conversation view; the timeline and window are
// never shared across views.
type Coordinator struct {
	mu  sync.Mutex
	log zerolog.Logger
	st  store.Store
	tl  *Timeline
	win *Window
	cfg CoordinatorConfig

	state  State
	epoch  uint64
	active segment.ID

	// decrypted caches opened events by ID so rebuilds stay synchronous.
	decrypted map[string]models.Event

	readyFns     map[string]func(Ready)
	paginatedFns map[string]func(Paginated)
	localFns     map[string]func(store.Direction)
	liveFns      map[string]func(models.Event)

	liveCancel   func()
	redactCancel func()
	closed       bool
}

// NewCoordinator creates a coordinator over st. capacity supplies the
// viewport capacity and is consulted on every window query.
func NewCoordinator(st store.Store, filters Filters, capacity func() int, cfg CoordinatorConfig) *Coordinator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Step <= 0 {
		cfg.Step = cfg.PageSize
	}
	return &Coordinator{
		log:          logging.Component("coordinator"),
		st:           st,
		tl:           New(filters),
		win:          NewWindow(capacity),
		cfg:          cfg,
		decrypted:    make(map[string]models.Event),
		readyFns:     make(map[string]func(Ready)),
		paginatedFns: make(map[string]func(Paginated)),
		localFns:     make(map[string]func(store.Direction)),
		liveFns:      make(map[string]func(models.Event)),
	}
}

// Open switches the view to target: TargetLive for the live tail, or an
// event ID to anchor at a historical position. An unresolvable event ID
// falls back to the live tail. Store subscriptions attach on first open and
// stay attached until Close.
func (c *Coordinator) Open(ctx context.Context, target string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return store.ErrStoreClosed
	}
	if c.liveCancel == nil {
		c.liveCancel = c.st.SubscribeLive(c.handleLive)
		c.redactCancel = c.st.SubscribeRedactions(c.handleRedaction)
	}
	c.epoch++
	my := c.epoch
	c.state = StateSwitchingChain
	c.mu.Unlock()

	anchor := c.st.LiveSegment()
	focus := ""
	if target != TargetLive && strings.TrimSpace(target) != "" {
		segID, err := c.st.GetSegment(ctx, target)
		if err != nil {
			// Resolution failure recovers as "jumped to latest".
			c.log.Warn().Str("event_id", target).Err(err).Msg("open: falling back to live")
		} else {
			anchor = segID
			focus = target
		}
	}

	c.decryptChain(ctx, anchor)

	c.mu.Lock()
	if c.closed || c.epoch != my {
		// A later open superseded this one; discard silently.
		c.mu.Unlock()
		return nil
	}
	c.active = anchor
	c.tl.RebuildFromChain(c.st.Arena(), anchor, c.transform)
	c.state = StateIdle

	if focus != "" {
		if idx := c.tl.IndexOf(focus); idx >= 0 {
			c.win.SetFrom(idx - c.win.Capacity()/2)
		} else {
			c.win.SetFrom(0)
		}
	} else {
		c.win.SetFrom(c.tl.Len() - c.win.Capacity())
	}

	fns := collect(c.readyFns)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(Ready{FocusEventID: focus})
	}
	return nil
}

// RequestMore extends the window in the given direction. The call is dropped
// while a pagination or chain switch is in flight. Local data is revealed
// without a network call; the adapter is only hit when the window has run off
// materialized data and the boundary segment still has a token.
func (c *Coordinator) RequestMore(ctx context.Context, backwards bool) {
	dir := store.Forward
	if backwards {
		dir = store.Backward
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.active == segment.None {
		c.mu.Unlock()
		c.violation("RequestMore before Open completed")
		return
	}
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}

	length := c.tl.Len()
	if backwards && c.win.From() > 0 {
		c.win.Advance(true, c.cfg.Step, length)
		fns := collect(c.localFns)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(dir)
		}
		return
	}
	if !backwards && c.win.Length() < length {
		c.win.Advance(false, c.cfg.Step, length)
		fns := collect(c.localFns)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(dir)
		}
		return
	}

	canPage := c.canPaginateBackwardLocked()
	if !backwards {
		canPage = c.canPaginateForwardLocked()
	}
	if !canPage {
		fns := collect(c.paginatedFns)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(Paginated{Direction: dir, Count: 0})
		}
		return
	}

	boundary := c.active
	my := c.epoch
	c.state = StatePaginating
	c.mu.Unlock()

	res, err := c.st.Paginate(ctx, boundary, dir, c.cfg.PageSize)
	if err == nil {
		for _, seg := range res.NewSegments {
			c.decryptEvents(ctx, seg.Events)
		}
	}

	c.mu.Lock()
	if c.closed || c.epoch != my {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle

	if err != nil {
		// Transient: the next scroll settle retries naturally.
		c.log.Warn().Str("direction", dir.String()).Err(err).Msg("pagination failed")
		fns := collect(c.paginatedFns)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(Paginated{Direction: dir, Count: 0})
		}
		return
	}

	oldLen := c.tl.Len()
	oldFrom := c.win.From()
	c.tl.RebuildFromChain(c.st.Arena(), c.active, c.transform)
	newLen := c.tl.Len()
	loaded := newLen - oldLen
	if loaded < 0 {
		loaded = 0
	}

	if backwards {
		// The merge inserted entries above the window; shift to keep the
		// same content, then reveal one step of history.
		c.win.SetFrom(oldFrom + loaded)
		c.win.Advance(true, c.cfg.Step, newLen)
	} else {
		c.win.SetFrom(oldFrom)
		c.win.Advance(false, c.cfg.Step, newLen)
	}

	fns := collect(c.paginatedFns)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(Paginated{Direction: dir, Count: loaded})
	}
}

// handleLive ingests a pushed live event. Ingestion is not blocked by an
// in-flight pagination; only the near-tail window adjustment is conditional,
// so a scrolled-up reader is never yanked to the bottom.
func (c *Coordinator) handleLive(ev models.Event) {
	if ev.Encrypted {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.tl.BeginDecrypt()
		c.mu.Unlock()

		dec, err := c.st.Decrypt(context.Background(), ev)

		c.mu.Lock()
		c.tl.EndDecrypt()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if err != nil {
			ev.DecryptFailed = true
		} else {
			ev = dec
		}
		c.decrypted[ev.ID] = ev
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if target, kind, ok := ev.RelatesTo(); ok && kind == models.RelationRedaction {
		removed, idx := c.tl.Redact(target)
		delete(c.decrypted, target)
		if removed != nil && idx < c.win.From() {
			c.win.SetFrom(c.win.From() - 1)
		}
		c.mu.Unlock()
		return
	}

	grew := c.tl.Ingest(ev)
	length := c.tl.Len()
	if grew && c.servingLiveLocked() && c.win.Length() >= length-1 {
		c.win.Advance(false, 1, length)
	}
	fns := collect(c.liveFns)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// handleRedaction applies a pushed redaction. When the removed event sat
// above the window, the window shifts up one so its content is unchanged.
func (c *Coordinator) handleRedaction(targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	removed, idx := c.tl.Redact(targetID)
	delete(c.decrypted, targetID)
	if removed != nil && idx < c.win.From() {
		c.win.SetFrom(c.win.From() - 1)
	}
}

// IsServingLive reports whether the active chain's forward end is the
// conversation's live segment.
func (c *Coordinator) IsServingLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servingLiveLocked()
}

func (c *Coordinator) servingLiveLocked() bool {
	if c.active == segment.None {
		return false
	}
	return c.st.Arena().ForwardMost(c.active) == c.st.LiveSegment()
}

// CanPaginateForward reports whether more history exists ahead of the view.
// Never true while serving live: the live segment has no forward token by
// construction.
func (c *Coordinator) CanPaginateForward() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canPaginateForwardLocked()
}

func (c *Coordinator) canPaginateForwardLocked() bool {
	if c.servingLiveLocked() {
		return false
	}
	edge, ok := c.st.Arena().Get(c.st.Arena().ForwardMost(c.active))
	return ok && edge.ForwardToken != nil
}

// CanPaginateBackward reports whether more history exists behind the view:
// the chain's first event is not the conversation-creation event and the
// backward-most segment still has a token.
func (c *Coordinator) CanPaginateBackward() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canPaginateBackwardLocked()
}

func (c *Coordinator) canPaginateBackwardLocked() bool {
	if c.active == segment.None {
		return false
	}
	arena := c.st.Arena()
	if first := arena.FirstEvent(c.active); first != nil && first.Type == models.EventTypeConversationCreate {
		return false
	}
	edge, ok := arena.Get(arena.BackwardMost(c.active))
	return ok && edge.BackToken != nil
}

// WindowSlice returns the events currently realized for display.
func (c *Coordinator) WindowSlice() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.win.From()
	return c.tl.Slice(from, from+c.win.Capacity())
}

// WindowFrom returns the window's start index.
func (c *Coordinator) WindowFrom() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.win.From()
}

// Len returns the materialized timeline length.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tl.Len()
}

// EventsBelow returns how many materialized events sit below the window:
// the "new messages below" signal for a scrolled-up reader.
func (c *Coordinator) EventsBelow() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	below := c.tl.Len() - c.win.Length()
	if below < 0 {
		below = 0
	}
	return below
}

// State returns the coordinator's serialization state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UnreadBoundary returns the main-array index where the unread divider
// belongs for the given read marker, or -1 when the marker event is unknown
// or nothing is unread.
func (c *Coordinator) UnreadBoundary(markerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.tl.IndexOf(markerID)
	if idx < 0 {
		return -1
	}
	boundary := c.tl.FirstIndexAfter(c.tl.At(idx).Timestamp)
	if boundary >= c.tl.Len() {
		return -1
	}
	return boundary
}

// LatestFromOther returns the newest main event not sent by self, for
// read-marker advancement. ok is false when no such event exists.
func (c *Coordinator) LatestFromOther(self string) (models.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := c.tl.Len() - 1; i >= 0; i-- {
		ev := c.tl.At(i)
		if ev.Sender != self {
			return ev, true
		}
	}
	return models.Event{}, false
}

// EffectiveContent resolves ev's current content through its edit chain.
func (c *Coordinator) EffectiveContent(ev models.Event) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tl.EffectiveContent(ev)
}

// Reactions returns the reactions recorded for an event.
func (c *Coordinator) Reactions(eventID string) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tl.Reactions(eventID)
}

// OnReady registers fn for chain-switch completions; returns a cancel.
func (c *Coordinator) OnReady(fn func(Ready)) (cancel func()) {
	return register(c, c.readyFns, fn)
}

// OnPaginated registers fn for pagination completions; returns a cancel.
func (c *Coordinator) OnPaginated(fn func(Paginated)) (cancel func()) {
	return register(c, c.paginatedFns, fn)
}

// OnLocallyAdvanced registers fn for window advances that needed no network
// call; returns a cancel.
func (c *Coordinator) OnLocallyAdvanced(fn func(store.Direction)) (cancel func()) {
	return register(c, c.localFns, fn)
}

// OnLiveEvent registers fn for ingested live events; returns a cancel.
func (c *Coordinator) OnLiveEvent(fn func(models.Event)) (cancel func()) {
	return register(c, c.liveFns, fn)
}

// Close detaches store subscriptions and drops all listeners. The timeline
// and window are discarded with the coordinator.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.epoch++
	liveCancel, redactCancel := c.liveCancel, c.redactCancel
	c.liveCancel, c.redactCancel = nil, nil
	c.readyFns = make(map[string]func(Ready))
	c.paginatedFns = make(map[string]func(Paginated))
	c.localFns = make(map[string]func(store.Direction))
	c.liveFns = make(map[string]func(models.Event))
	c.mu.Unlock()

	if liveCancel != nil {
		liveCancel()
	}
	if redactCancel != nil {
		redactCancel()
	}
}

// decryptChain prefetches decryption for every event of the chain at anchor.
func (c *Coordinator) decryptChain(ctx context.Context, anchor segment.ID) {
	c.decryptEvents(ctx, c.st.Arena().ChainEvents(anchor))
}

func (c *Coordinator) decryptEvents(ctx context.Context, events []models.Event) {
	for i := range events {
		ev := events[i]
		if !ev.Encrypted {
			continue
		}
		c.mu.Lock()
		_, cached := c.decrypted[ev.ID]
		c.mu.Unlock()
		if cached {
			continue
		}

		dec, err := c.st.Decrypt(ctx, ev)
		if err != nil {
			// Keep timeline order: the event is ingested with a failure
			// marker instead of content.
			dec = ev.Clone()
			dec.DecryptFailed = true
			c.log.Debug().Str("event_id", ev.ID).Err(err).Msg("decrypt failed")
		}
		c.mu.Lock()
		c.decrypted[ev.ID] = dec
		c.mu.Unlock()
	}
}

// transform swaps an encrypted event for its cached decrypted form during
// rebuilds. Called with c.mu held.
func (c *Coordinator) transform(ev models.Event) models.Event {
	if !ev.Encrypted {
		return ev
	}
	if dec, ok := c.decrypted[ev.ID]; ok {
		return dec
	}
	out := ev.Clone()
	out.DecryptFailed = true
	return out
}

func (c *Coordinator) violation(msg string) {
	if c.cfg.Assert {
		panic("timeline: " + msg)
	}
	c.log.Error().Msg("contract violation: " + msg)
}

func register[T any](c *Coordinator, m map[string]T, fn T) (cancel func()) {
	id := uuid.NewString()
	c.mu.Lock()
	m[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(m, id)
		c.mu.Unlock()
	}
}

func collect[T any](m map[string]T) []T {
	out := make([]T, 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}
