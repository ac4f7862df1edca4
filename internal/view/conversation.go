package view

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lanternchat/lantern/internal/models"
	"github.com/lanternchat/lantern/internal/readstate"
	"github.com/lanternchat/lantern/internal/store"
	"github.com/lanternchat/lantern/internal/timeline"
)

type readyMsg struct {
	ready timeline.Ready
}

type paginatedMsg struct {
	result timeline.Paginated
}

type advancedMsg struct {
	dir store.Direction
}

type liveEventMsg struct {
	event models.Event
}

// ConversationConfig configures a terminal conversation view.
type ConversationConfig struct {
	Conversation string
	Self         string
	Target       string // timeline.TargetLive or an event ID
	Reconciler   ReconcilerConfig
}

// Conversation is a bubbletea model rendering one conversation window. It
// owns its coordinator and reconciler; Close releases both.
type Conversation struct {
	cfg   ConversationConfig
	coord *timeline.Coordinator
	rec   *Reconciler
	reads *readstate.Manager

	width  int
	height int

	rows     []Row
	cursor   int
	top      int
	newBelow int
	serving  bool

	msgs    chan tea.Msg
	cancels []func()
}

// NewConversation wires a view over coord.
func NewConversation(cfg ConversationConfig, coord *timeline.Coordinator, reads *readstate.Manager) *Conversation {
	c := &Conversation{
		cfg:   cfg,
		coord: coord,
		reads: reads,
		msgs:  make(chan tea.Msg, 64),
	}
	c.rec = NewReconciler(cfg.Reconciler, coord, reads, cfg.Conversation, cfg.Self)

	c.cancels = append(c.cancels,
		coord.OnReady(func(r timeline.Ready) { c.push(readyMsg{ready: r}) }),
		coord.OnPaginated(func(p timeline.Paginated) { c.push(paginatedMsg{result: p}) }),
		coord.OnLocallyAdvanced(func(d store.Direction) { c.push(advancedMsg{dir: d}) }),
		coord.OnLiveEvent(func(ev models.Event) { c.push(liveEventMsg{event: ev}) }),
	)
	return c
}

// Capacity exposes the reconciler's window capacity so the coordinator can be
// constructed before the view has a size.
func (c *Conversation) Capacity() int {
	return c.rec.Capacity()
}

func (c *Conversation) push(msg tea.Msg) {
	select {
	case c.msgs <- msg:
	default:
	}
}

// Init opens the conversation and starts draining coordinator events.
func (c *Conversation) Init() tea.Cmd {
	target := c.cfg.Target
	if strings.TrimSpace(target) == "" {
		target = timeline.TargetLive
	}
	open := func() tea.Msg {
		_ = c.coord.Open(context.Background(), target)
		return nil
	}
	return tea.Batch(open, c.waitForEvent())
}

func (c *Conversation) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return <-c.msgs
	}
}

// Close detaches listeners and the coordinator.
func (c *Conversation) Close() {
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	c.coord.Close()
}

// Update implements tea.Model.
func (c *Conversation) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		c.width = typed.Width
		c.height = typed.Height
		c.rec.SetViewportHeight(c.contentHeight() * c.cfg.Reconciler.AvgEventHeightPx)
		c.refresh()
		return c, nil

	case readyMsg:
		c.refresh()
		c.cursor = c.rec.InitialFocus(typed.ready)
		c.ensureVisible()
		return c, tea.Batch(c.waitForEvent(), c.settleCmd())

	case paginatedMsg, advancedMsg:
		c.refreshAnchored()
		return c, c.waitForEvent()

	case liveEventMsg:
		atBottom := c.cursor >= len(c.rows)-1
		c.refresh()
		if atBottom && len(c.rows) > 0 {
			c.cursor = len(c.rows) - 1
			c.ensureVisible()
		}
		c.rec.OnLiveEvent(typed.event)
		return c, c.waitForEvent()

	case tea.KeyMsg:
		return c.handleKey(typed)
	}
	return c, nil
}

func (c *Conversation) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		c.Close()
		return c, tea.Quit
	case "j", "down":
		c.moveCursor(1)
	case "k", "up":
		c.moveCursor(-1)
	case "ctrl+d", "pgdown":
		c.moveCursor(c.contentHeight() / 2)
	case "ctrl+u", "pgup":
		c.moveCursor(-c.contentHeight() / 2)
	case "g":
		c.cursor = 0
		c.ensureVisible()
	case "G":
		c.cursor = len(c.rows) - 1
		if c.cursor < 0 {
			c.cursor = 0
		}
		c.ensureVisible()
	case "enter":
		if row, ok := c.selectedRow(); ok && row.Kind == RowEvent {
			c.rec.MarkRead(row.Event)
			c.refresh()
		}
		return c, nil
	default:
		return c, nil
	}
	return c, c.settleCmd()
}

func (c *Conversation) moveCursor(delta int) {
	c.cursor += delta
	if c.cursor < 0 {
		c.cursor = 0
	}
	if c.cursor > len(c.rows)-1 {
		c.cursor = len(c.rows) - 1
	}
	if c.cursor < 0 {
		c.cursor = 0
	}
	c.ensureVisible()
}

// settleCmd reports the settled scroll position to the reconciler off the UI
// goroutine; a triggered pagination blocks on the network.
func (c *Conversation) settleCmd() tea.Cmd {
	avg := c.cfg.Reconciler.AvgEventHeightPx
	topPx := c.cursor * avg
	bottomPx := (len(c.rows) - 1 - c.cursor) * avg
	if bottomPx < 0 {
		bottomPx = 0
	}
	return func() tea.Msg {
		c.rec.OnScrollSettle(context.Background(), topPx, bottomPx)
		return nil
	}
}

// refresh re-reads rows without trying to preserve the scroll anchor.
func (c *Conversation) refresh() {
	c.rows = c.rec.Rows()
	c.newBelow = c.rec.NewBelow()
	c.serving = c.coord.IsServingLive()
	if c.cursor > len(c.rows)-1 {
		c.cursor = len(c.rows) - 1
	}
	if c.cursor < 0 {
		c.cursor = 0
	}
}

// refreshAnchored re-reads rows keeping the selected event pinned to its
// prior screen position: rows revealed above the fold shift the cursor and
// viewport top by the same amount in the same paint cycle.
func (c *Conversation) refreshAnchored() {
	anchorID := ""
	if row, ok := c.selectedRow(); ok && row.Kind == RowEvent {
		anchorID = row.Event.ID
	}
	oldIdx := c.cursor

	c.refresh()

	if anchorID == "" {
		return
	}
	for i, row := range c.rows {
		if row.Kind == RowEvent && row.Event.ID == anchorID {
			delta := i - oldIdx
			c.cursor = i
			c.top += delta
			break
		}
	}
	c.ensureVisible()
}

func (c *Conversation) selectedRow() (Row, bool) {
	if c.cursor < 0 || c.cursor >= len(c.rows) {
		return Row{}, false
	}
	return c.rows[c.cursor], true
}

func (c *Conversation) contentHeight() int {
	h := c.height - 2 // header + status line
	if h < 1 {
		h = 1
	}
	return h
}

func (c *Conversation) ensureVisible() {
	h := c.contentHeight()
	if c.cursor < c.top {
		c.top = c.cursor
	}
	if c.cursor >= c.top+h {
		c.top = c.cursor - h + 1
	}
	if c.top < 0 {
		c.top = 0
	}
}

// View implements tea.Model.
func (c *Conversation) View() string {
	if c.width <= 0 || c.height <= 0 {
		return ""
	}

	muted := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	bold := lipgloss.NewStyle().Bold(true)
	accent := lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selected := lipgloss.NewStyle().Reverse(true)

	mode := "history"
	if c.serving {
		mode = "live"
	}
	header := bold.Render(c.cfg.Conversation) + muted.Render(fmt.Sprintf("  [%s]  %d events", mode, c.coord.Len()))

	lines := make([]string, 0, c.height)
	lines = append(lines, truncate(header, c.width))

	h := c.contentHeight()
	end := c.top + h
	if end > len(c.rows) {
		end = len(c.rows)
	}
	for i := c.top; i < end; i++ {
		line := c.renderRow(c.rows[i], muted, accent)
		if i == c.cursor {
			line = selected.Render(line)
		}
		lines = append(lines, truncate(line, c.width))
	}
	for len(lines) < c.height-1 {
		lines = append(lines, "")
	}

	status := "j/k move  ctrl+u/d page  g/G top/bottom  enter mark read  q quit"
	if c.newBelow > 0 && c.cursor < len(c.rows)-1 {
		status = accent.Render(fmt.Sprintf("%d new below  ", c.newBelow)) + muted.Render(status)
	} else {
		status = muted.Render(status)
	}
	lines = append(lines, truncate(status, c.width))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (c *Conversation) renderRow(row Row, muted, accent lipgloss.Style) string {
	switch row.Kind {
	case RowDayDivider:
		return muted.Render("── " + row.Label + " ──")
	case RowUnreadDivider:
		return accent.Render("── " + row.Label + " ──")
	default:
		return c.renderEvent(row.Event, muted)
	}
}

func (c *Conversation) renderEvent(ev models.Event, muted lipgloss.Style) string {
	ts := muted.Render(ev.Timestamp.Local().Format("15:04"))
	sender := ev.Sender

	body := c.eventBody(ev)
	suffix := ""
	if n := len(c.coord.Reactions(ev.ID)); n > 0 {
		suffix = muted.Render(fmt.Sprintf("  [%d reactions]", n))
	}
	if ev.SendStatus == models.SendStatusPending {
		suffix += muted.Render("  (sending)")
	}
	if ev.SendStatus == models.SendStatusFailed {
		suffix += muted.Render("  (failed)")
	}
	return fmt.Sprintf("%s %s: %s%s", ts, sender, body, suffix)
}

func (c *Conversation) eventBody(ev models.Event) string {
	if ev.DecryptFailed {
		return "** unable to decrypt **"
	}
	content := c.coord.EffectiveContent(ev)

	switch ev.Type {
	case models.EventTypeMessage, models.EventTypeSticker:
		var body models.MessageContent
		if err := json.Unmarshal(content, &body); err == nil && body.Body != "" {
			return firstLine(body.Body)
		}
		return firstLine(string(content))
	case models.EventTypeMembership:
		var m models.MembershipContent
		if err := json.Unmarshal(content, &m); err == nil {
			return fmt.Sprintf("%s %s", m.UserID, m.Action)
		}
	case models.EventTypeProfileChange:
		return "updated their profile"
	case models.EventTypeConversationCreate:
		return "created the conversation"
	case models.EventTypeConversationName:
		return "renamed the conversation"
	case models.EventTypeConversationTopic:
		return "changed the topic"
	}
	return firstLine(string(content))
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width])
}
