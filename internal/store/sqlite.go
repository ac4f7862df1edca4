package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/lanternchat/lantern/internal/logging"
	"github.com/lanternchat/lantern/internal/models"
	"github.com/lanternchat/lantern/internal/segment"
)

// cachedTokenPrefix marks pagination tokens minted by the cache for segments
// synthesized while the remote store was unreachable.
const cachedTokenPrefix = "cached:"

// CacheStore wraps another Store and writes every observed event through to a
// local sqlite database. When the inner store's backward pagination fails,
// the cache serves older events from disk instead, so previously seen history
// stays scrollable offline.
type CacheStore struct {
	inner        Store
	db           *sql.DB
	conversation string
	log          zerolog.Logger
	liveCancel   func()
}

// OpenCache opens (or creates) the cache database at path and attaches it in
// front of inner. Live events are persisted as they arrive.
func OpenCache(path, conversation string, inner Store) (*CacheStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to event cache: %w", err)
	}

	c := &CacheStore{
		inner:        inner,
		db:           db,
		conversation: conversation,
		log:          logging.Component("event-cache"),
	}
	if err := c.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	c.liveCancel = inner.SubscribeLive(func(ev models.Event) {
		if err := c.putEvents(context.Background(), []models.Event{ev}); err != nil {
			c.log.Warn().Str("event_id", ev.ID).Err(err).Msg("cache live event")
		}
	})
	return c, nil
}

func (c *CacheStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT NOT NULL,
			conversation TEXT NOT NULL,
			ts TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (conversation, id)
		)`,
		`CREATE INDEX IF NOT EXISTS events_ts_idx ON events(conversation, ts)`,
	}
	for _, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize cache schema: %w", err)
		}
	}
	return nil
}

// Arena exposes the inner store's arena; the cache adds no chains of its own
// except synthesized offline segments, which it links into that arena.
func (c *CacheStore) Arena() *segment.Arena { return c.inner.Arena() }

// LiveSegment delegates to the inner store.
func (c *CacheStore) LiveSegment() segment.ID { return c.inner.LiveSegment() }

// GetSegment delegates to the inner store and persists the resolved chain.
func (c *CacheStore) GetSegment(ctx context.Context, eventID string) (segment.ID, error) {
	id, err := c.inner.GetSegment(ctx, eventID)
	if err != nil {
		return id, err
	}
	if seg, ok := c.Arena().Get(id); ok {
		if err := c.putEvents(ctx, seg.Events); err != nil {
			c.log.Warn().Err(err).Msg("cache segment")
		}
	}
	return id, nil
}

// Paginate delegates to the inner store, persisting any new events. A failed
// backward pagination falls back to cached history; forward pagination has no
// offline fallback (the cache cannot invent the live tail).
func (c *CacheStore) Paginate(ctx context.Context, boundary segment.ID, dir Direction, limit int) (PaginateResult, error) {
	arena := c.Arena()

	if dir == Backward {
		edge, ok := arena.Get(arena.BackwardMost(boundary))
		if ok && edge.BackToken != nil && strings.HasPrefix(*edge.BackToken, cachedTokenPrefix) {
			return c.paginateFromCache(ctx, edge, limit)
		}
	}

	res, err := c.inner.Paginate(ctx, boundary, dir, limit)
	if err == nil {
		for _, seg := range res.NewSegments {
			if perr := c.putEvents(ctx, seg.Events); perr != nil {
				c.log.Warn().Err(perr).Msg("cache page")
			}
		}
		return res, nil
	}
	if dir == Forward {
		return res, err
	}

	edge, ok := arena.Get(arena.BackwardMost(boundary))
	if !ok {
		return res, err
	}
	c.log.Debug().Err(err).Msg("backward pagination failed, serving cache")
	return c.paginateFromCache(ctx, edge, limit)
}

func (c *CacheStore) paginateFromCache(ctx context.Context, edge *segment.Segment, limit int) (PaginateResult, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	before := time.Now().UTC()
	if len(edge.Events) > 0 {
		before = edge.Events[0].Timestamp
	}

	events, err := c.eventsBefore(ctx, before, limit)
	if err != nil {
		return PaginateResult{}, err
	}
	if len(events) == 0 {
		return PaginateResult{ReachedEnd: true}, nil
	}

	token := cachedTokenPrefix + events[0].Timestamp.UTC().Format(time.RFC3339Nano)
	newSeg := &segment.Segment{
		ID:        segment.ID("cache-" + uuid.NewString()),
		Events:    events,
		BackToken: &token,
	}
	if err := c.Arena().LinkBefore(edge.ID, newSeg); err != nil {
		return PaginateResult{}, err
	}
	return PaginateResult{NewSegments: []*segment.Segment{newSeg}}, nil
}

// Decrypt delegates to the inner store.
func (c *CacheStore) Decrypt(ctx context.Context, ev models.Event) (models.Event, error) {
	return c.inner.Decrypt(ctx, ev)
}

// SubscribeLive delegates to the inner store.
func (c *CacheStore) SubscribeLive(fn func(models.Event)) (cancel func()) {
	return c.inner.SubscribeLive(fn)
}

// SubscribeRedactions delegates to the inner store; the redacted event is
// also purged from the cache so it cannot resurface offline.
func (c *CacheStore) SubscribeRedactions(fn func(targetID string)) (cancel func()) {
	return c.inner.SubscribeRedactions(func(targetID string) {
		if err := c.deleteEvent(context.Background(), targetID); err != nil {
			c.log.Warn().Str("event_id", targetID).Err(err).Msg("purge redacted event")
		}
		fn(targetID)
	})
}

// Close detaches from the inner store and closes the database. The inner
// store is closed too.
func (c *CacheStore) Close() error {
	if c.liveCancel != nil {
		c.liveCancel()
		c.liveCancel = nil
	}
	innerErr := c.inner.Close()
	if err := c.db.Close(); err != nil {
		return err
	}
	return innerErr
}

// CachedCount returns how many events are cached for this conversation.
func (c *CacheStore) CachedCount(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE conversation = ?`, c.conversation).Scan(&n)
	return n, err
}

func (c *CacheStore) putEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := c.db.PrepareContext(ctx, `
		INSERT INTO events (id, conversation, ts, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation, id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		payload, err := json.Marshal(events[i])
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", events[i].ID, err)
		}
		ts := events[i].Timestamp.UTC().Format(time.RFC3339Nano)
		if _, err := stmt.ExecContext(ctx, events[i].ID, c.conversation, ts, payload); err != nil {
			return fmt.Errorf("failed to store event %s: %w", events[i].ID, err)
		}
	}
	return nil
}

func (c *CacheStore) eventsBefore(ctx context.Context, before time.Time, limit int) ([]models.Event, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT payload FROM events
		WHERE conversation = ? AND ts < ?
		ORDER BY ts DESC
		LIMIT ?
	`, c.conversation, before.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan cached event: %w", err)
		}
		var ev models.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode cached event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cached event query error: %w", err)
	}

	// Query returned newest-first; flip to ascending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *CacheStore) deleteEvent(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM events WHERE conversation = ? AND id = ?`, c.conversation, id)
	return err
}
