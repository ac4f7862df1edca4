// Package view hosts the presentation-side glue for a conversation: the
// scroll/read reconciler that drives the pagination coordinator from viewport
// signals, and a terminal conversation view built on bubbletea.
package view

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lanternchat/lantern/internal/logging"
	"github.com/lanternchat/lantern/internal/models"
	"github.com/lanternchat/lantern/internal/readstate"
	"github.com/lanternchat/lantern/internal/timeline"
)

// RowKind distinguishes event rows from synthesized divider rows.
type RowKind int

const (
	RowEvent RowKind = iota
	RowDayDivider
	RowUnreadDivider
)

// Row is one displayable line of the window slice: an event, or a divider
// synthesized between events.
type Row struct {
	Kind  RowKind
	Event models.Event
	Label string
}

// ReconcilerConfig tunes scroll thresholds and capacity math.
type ReconcilerConfig struct {
	// NearTopPx requests backward history when the scroll offset from the
	// top falls under it.
	NearTopPx int

	// NearBottomPx requests forward history and arms auto-mark-read when
	// the offset from the bottom falls under it.
	NearBottomPx int

	// AvgEventHeightPx estimates rendered event height.
	AvgEventHeightPx int

	// Overscan multiplies the viewport capacity so fast scrolling does not
	// starve the window. At least 1.
	Overscan float64
}

// Reconciler translates viewport scroll offsets into coordinator calls and
// maintains read state. Each open conversation view owns exactly one
// reconciler; its state is never shared across views.
type Reconciler struct {
	cfg          ReconcilerConfig
	coord        *timeline.Coordinator
	reads        *readstate.Manager
	conversation string
	self         string
	log          zerolog.Logger

	viewportPx   int
	foreground   bool
	lastBottomPx int
}

// NewReconciler creates a reconciler over coord. self is the local user ID;
// events it sent never advance the read marker.
func NewReconciler(cfg ReconcilerConfig, coord *timeline.Coordinator, reads *readstate.Manager, conversation, self string) *Reconciler {
	if cfg.AvgEventHeightPx <= 0 {
		cfg.AvgEventHeightPx = 40
	}
	if cfg.Overscan < 1 {
		cfg.Overscan = 1
	}
	return &Reconciler{
		cfg:          cfg,
		coord:        coord,
		reads:        reads,
		conversation: conversation,
		self:         self,
		log:          logging.Component("reconciler"),
		foreground:   true,
		lastBottomPx: -1,
	}
}

// Capacity computes the window capacity from the current viewport height.
// Recomputed on every call; viewport size changes between queries.
func (r *Reconciler) Capacity() int {
	rows := float64(r.viewportPx) / float64(r.cfg.AvgEventHeightPx) * r.cfg.Overscan
	if rows < 1 {
		return 1
	}
	return int(rows)
}

// SetViewportHeight records the viewport's pixel height.
func (r *Reconciler) SetViewportHeight(px int) {
	if px < 0 {
		px = 0
	}
	r.viewportPx = px
}

// SetForeground records whether the view is foregrounded; read markers only
// advance while it is.
func (r *Reconciler) SetForeground(fg bool) {
	r.foreground = fg
	r.maybeMarkRead()
}

// OnScrollSettle handles one settled scroll position: topPx and bottomPx are
// the offsets from the top and bottom of the scrollable content. Crossing a
// near threshold requests more window in that direction; dropped requests
// retry naturally on the next settle.
func (r *Reconciler) OnScrollSettle(ctx context.Context, topPx, bottomPx int) {
	r.lastBottomPx = bottomPx
	if bottomPx < r.cfg.NearBottomPx {
		r.coord.RequestMore(ctx, false)
	}
	if topPx < r.cfg.NearTopPx {
		r.coord.RequestMore(ctx, true)
	}
	r.maybeMarkRead()
}

// OnLiveEvent re-evaluates read state for a newly ingested live event.
func (r *Reconciler) OnLiveEvent(models.Event) {
	r.maybeMarkRead()
}

// maybeMarkRead advances the read marker when the viewer is foregrounded and
// pinned to the live tail. The newest event not sent by the local user
// becomes the marker; advancement is monotonic so this is safe to call often.
func (r *Reconciler) maybeMarkRead() {
	if !r.foreground || r.reads == nil {
		return
	}
	if r.lastBottomPx < 0 || r.lastBottomPx > r.cfg.NearBottomPx {
		return
	}
	if !r.coord.IsServingLive() {
		return
	}
	ev, ok := r.coord.LatestFromOther(r.self)
	if !ok {
		return
	}
	r.reads.Advance(r.conversation, readstate.Marker{
		EventID:   ev.ID,
		Timestamp: ev.Timestamp,
	})
}

// MarkRead sets the read marker explicitly (user-initiated).
func (r *Reconciler) MarkRead(ev models.Event) {
	if r.reads == nil || strings.TrimSpace(ev.ID) == "" {
		return
	}
	r.reads.Set(r.conversation, readstate.Marker{
		EventID:   ev.ID,
		Timestamp: ev.Timestamp,
	})
}

// UnreadBoundary returns the timeline index where the unread divider
// belongs, or -1 when nothing is unread.
func (r *Reconciler) UnreadBoundary() int {
	if r.reads == nil {
		return -1
	}
	marker, ok := r.reads.Marker(r.conversation)
	if !ok {
		return -1
	}
	return r.coord.UnreadBoundary(marker.EventID)
}

// Rows returns the current window slice with day-boundary and unread
// dividers synthesized in.
func (r *Reconciler) Rows() []Row {
	events := r.coord.WindowSlice()
	if len(events) == 0 {
		return nil
	}

	from := r.coord.WindowFrom()
	boundary := r.UnreadBoundary()

	rows := make([]Row, 0, len(events)+4)
	for i := range events {
		ev := events[i]
		if i == 0 || !sameDay(events[i-1], ev) {
			rows = append(rows, Row{
				Kind:  RowDayDivider,
				Label: ev.Timestamp.Local().Format("Monday, 2 Jan 2006"),
			})
		}
		if boundary >= 0 && from+i == boundary {
			rows = append(rows, Row{Kind: RowUnreadDivider, Label: "new messages"})
		}
		rows = append(rows, Row{Kind: RowEvent, Event: ev})
	}
	return rows
}

// HeightAbove returns the rendered height of everything above eventID in the
// current rows. Pairing two calls around a window change gives the scroll
// correction that keeps the anchor event pinned to its screen position.
func (r *Reconciler) HeightAbove(eventID string) (px int, found bool) {
	for _, row := range r.Rows() {
		if row.Kind == RowEvent && row.Event.ID == eventID {
			return px, true
		}
		px += r.cfg.AvgEventHeightPx
	}
	return 0, false
}

// ScrollCorrection computes the offset to add to the viewport scroll so the
// anchor event keeps its prior screen position after content was revealed
// above the fold. prevHeightAbove is the anchor's HeightAbove before the
// change. Returns zero when the anchor left the window.
func (r *Reconciler) ScrollCorrection(anchorID string, prevHeightAbove int) int {
	now, ok := r.HeightAbove(anchorID)
	if !ok {
		return 0
	}
	return now - prevHeightAbove
}

// InitialFocus returns the window-relative row index the view should anchor
// at right after opening: the requested focus event, else the unread
// boundary, else the bottom.
func (r *Reconciler) InitialFocus(ready timeline.Ready) int {
	rows := r.Rows()
	if len(rows) == 0 {
		return 0
	}
	if ready.FocusEventID != "" {
		for i, row := range rows {
			if row.Kind == RowEvent && row.Event.ID == ready.FocusEventID {
				return i
			}
		}
	}
	for i, row := range rows {
		if row.Kind == RowUnreadDivider {
			return i
		}
	}
	return len(rows) - 1
}

// NewBelow returns how many events sit below the window: the "new messages
// below" signal shown instead of yanking a scrolled-up reader to the tail.
func (r *Reconciler) NewBelow() int {
	return r.coord.EventsBelow()
}

func sameDay(a, b models.Event) bool {
	ay, am, ad := a.Timestamp.Local().Date()
	by, bm, bd := b.Timestamp.Local().Date()
	return ay == by && am == bm && ad == bd
}
