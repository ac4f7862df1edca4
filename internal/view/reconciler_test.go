package view

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lanternchat/lantern/internal/models"
	"github.com/lanternchat/lantern/internal/readstate"
	"github.com/lanternchat/lantern/internal/store"
	"github.com/lanternchat/lantern/internal/timeline"
)

const (
	selfUser  = "@self:test"
	otherUser = "@other:test"
)

func viewEvent(i int, sender string, day int) models.Event {
	return models.Event{
		ID:        fmt.Sprintf("e%03d", i),
		Timestamp: time.Date(2026, 3, day, 12, i, 0, 0, time.UTC),
		Sender:    sender,
		Type:      models.EventTypeMessage,
		Content:   json.RawMessage(fmt.Sprintf(`{"body":"event %d"}`, i)),
	}
}

func sameDayHistory(n int) []models.Event {
	out := make([]models.Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, viewEvent(i, otherUser, 1))
	}
	return out
}

type rig struct {
	rec   *Reconciler
	coord *timeline.Coordinator
	reads *readstate.Manager
	mem   *store.MemoryStore
}

func newRig(t *testing.T, history []models.Event, capacity int) *rig {
	t.Helper()
	mem, err := store.NewMemoryStore(store.MemoryConfig{PageSize: 50}, history)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	coord := timeline.NewCoordinator(mem, timeline.Filters{}, func() int { return capacity }, timeline.CoordinatorConfig{})
	t.Cleanup(coord.Close)

	reads := readstate.New("")
	rec := NewReconciler(ReconcilerConfig{
		NearTopPx:        200,
		NearBottomPx:     200,
		AvgEventHeightPx: 40,
		Overscan:         2,
	}, coord, reads, "conv", selfUser)

	require.NoError(t, coord.Open(context.Background(), timeline.TargetLive))
	return &rig{rec: rec, coord: coord, reads: reads, mem: mem}
}

func TestCapacityFromViewport(t *testing.T) {
	r := newRig(t, sameDayHistory(10), 10)

	r.rec.SetViewportHeight(400)
	require.Equal(t, 20, r.rec.Capacity(), "400px / 40px * 2x overscan")

	r.rec.SetViewportHeight(0)
	require.Equal(t, 1, r.rec.Capacity(), "capacity never drops below one")
}

func TestRowsInsertDayDividers(t *testing.T) {
	history := []models.Event{
		viewEvent(0, otherUser, 1),
		viewEvent(1, otherUser, 1),
		viewEvent(2, otherUser, 2),
	}
	r := newRig(t, history, 10)

	rows := r.rec.Rows()
	require.Len(t, rows, 5)
	require.Equal(t, RowDayDivider, rows[0].Kind)
	require.Equal(t, history[0].Timestamp.Local().Format("Monday, 2 Jan 2006"), rows[0].Label)
	require.Equal(t, RowEvent, rows[1].Kind)
	require.Equal(t, RowEvent, rows[2].Kind)
	require.Equal(t, RowDayDivider, rows[3].Kind)
	require.Equal(t, history[2].Timestamp.Local().Format("Monday, 2 Jan 2006"), rows[3].Label)
	require.Equal(t, "e002", rows[4].Event.ID)
}

func TestRowsInsertUnreadDivider(t *testing.T) {
	r := newRig(t, sameDayHistory(5), 10)
	r.rec.MarkRead(models.Event{ID: "e002", Timestamp: viewEvent(2, otherUser, 1).Timestamp})

	require.Equal(t, 3, r.rec.UnreadBoundary())

	rows := r.rec.Rows()
	// day divider, e0, e1, e2, unread divider, e3, e4
	require.Len(t, rows, 7)
	require.Equal(t, RowUnreadDivider, rows[4].Kind)
	require.Equal(t, "e003", rows[5].Event.ID)
}

func TestNoUnreadDividerWhenAllRead(t *testing.T) {
	r := newRig(t, sameDayHistory(5), 10)
	r.rec.MarkRead(models.Event{ID: "e004", Timestamp: viewEvent(4, otherUser, 1).Timestamp})
	require.Equal(t, -1, r.rec.UnreadBoundary())
	for _, row := range r.rec.Rows() {
		require.NotEqual(t, RowUnreadDivider, row.Kind)
	}
}

func TestScrollSettleNearTopAdvancesBackward(t *testing.T) {
	// The live segment covers the newest 50 of the 100 events, so the
	// window opens at index 40 of the materialized timeline.
	r := newRig(t, sameDayHistory(100), 10)
	require.Equal(t, 40, r.coord.WindowFrom())

	r.rec.OnScrollSettle(context.Background(), 100, 5000)

	require.Equal(t, 0, r.coord.WindowFrom(), "near-top settle reveals local history")
}

func TestScrollSettleFarFromEdgesDoesNothing(t *testing.T) {
	r := newRig(t, sameDayHistory(100), 10)
	r.rec.OnScrollSettle(context.Background(), 5000, 5000)
	require.Equal(t, 40, r.coord.WindowFrom())
	_, ok := r.reads.Marker("conv")
	require.False(t, ok)
}

func TestAutoMarkReadAtLiveTail(t *testing.T) {
	r := newRig(t, sameDayHistory(10), 20)

	r.rec.OnScrollSettle(context.Background(), 5000, 0)

	got, ok := r.reads.Marker("conv")
	require.True(t, ok)
	require.Equal(t, "e009", got.EventID)
}

func TestAutoMarkReadSkipsOwnMessages(t *testing.T) {
	history := sameDayHistory(5)
	history = append(history, viewEvent(5, selfUser, 1))
	r := newRig(t, history, 20)

	r.rec.OnScrollSettle(context.Background(), 5000, 0)

	got, ok := r.reads.Marker("conv")
	require.True(t, ok)
	require.Equal(t, "e004", got.EventID, "own messages never advance the marker")
}

func TestAutoMarkReadRequiresForeground(t *testing.T) {
	r := newRig(t, sameDayHistory(10), 20)
	r.rec.SetForeground(false)

	r.rec.OnScrollSettle(context.Background(), 5000, 0)
	_, ok := r.reads.Marker("conv")
	require.False(t, ok)

	// Foregrounding with the view still at the tail marks read.
	r.rec.SetForeground(true)
	got, ok := r.reads.Marker("conv")
	require.True(t, ok)
	require.Equal(t, "e009", got.EventID)
}

func TestAutoMarkReadRequiresLiveTail(t *testing.T) {
	history := sameDayHistory(100)
	r := newRig(t, history, 10)

	// Jump to a historical event: the chain is not serving live.
	require.NoError(t, r.coord.Open(context.Background(), "e020"))
	require.False(t, r.coord.IsServingLive())

	r.rec.OnScrollSettle(context.Background(), 5000, 0)
	_, ok := r.reads.Marker("conv")
	require.False(t, ok, "read marker must not move while viewing history")
}

func TestHeightAboveAndScrollCorrection(t *testing.T) {
	r := newRig(t, sameDayHistory(5), 10)

	// Rows: day divider, e0..e4. e2 sits under divider + 2 events.
	px, found := r.rec.HeightAbove("e002")
	require.True(t, found)
	require.Equal(t, 3*40, px)

	require.Equal(t, 80, r.rec.ScrollCorrection("e002", 40))
	require.Equal(t, 0, r.rec.ScrollCorrection("gone", 40))
}

func TestInitialFocusPrecedence(t *testing.T) {
	r := newRig(t, sameDayHistory(5), 10)

	// Focus event wins.
	idx := r.rec.InitialFocus(timeline.Ready{FocusEventID: "e001"})
	require.Equal(t, RowEvent, r.rec.Rows()[idx].Kind)
	require.Equal(t, "e001", r.rec.Rows()[idx].Event.ID)

	// Unread divider next.
	r.rec.MarkRead(models.Event{ID: "e002", Timestamp: viewEvent(2, otherUser, 1).Timestamp})
	idx = r.rec.InitialFocus(timeline.Ready{})
	require.Equal(t, RowUnreadDivider, r.rec.Rows()[idx].Kind)

	// Bottom as the last resort.
	r.rec.MarkRead(models.Event{ID: "e004", Timestamp: viewEvent(4, otherUser, 1).Timestamp})
	idx = r.rec.InitialFocus(timeline.Ready{})
	require.Equal(t, len(r.rec.Rows())-1, idx)
}

func TestNewBelowCountsEventsPastWindow(t *testing.T) {
	r := newRig(t, sameDayHistory(100), 10)
	require.Equal(t, 0, r.rec.NewBelow())

	// Only the newest 50 events are materialized; scrolling to the top of
	// them leaves 40 below the 10-event window.
	r.rec.OnScrollSettle(context.Background(), 100, 5000) // scroll up
	require.Equal(t, 40, r.rec.NewBelow())
}
