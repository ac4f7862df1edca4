package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/lanternchat/lantern/internal/logging"
	"github.com/lanternchat/lantern/internal/models"
	"github.com/lanternchat/lantern/internal/segment"
)

const remoteCallTimeout = 15 * time.Second

// Decrypter opens encrypted events client-side; the remote server only ever
// sees ciphertext.
type Decrypter interface {
	Decrypt(ctx context.Context, ev models.Event) (models.Event, error)
}

// Frame ops on the websocket protocol.
const (
	opHello      = "hello"
	opGetSegment = "get_segment"
	opPaginate   = "paginate"
	opLiveEvent  = "live_event"
	opRedaction  = "redaction"
)

// frame is one JSON message on the wire, request, response, or push.
type frame struct {
	Op    string `json:"op,omitempty"`
	ReqID string `json:"req_id,omitempty"`
	Error string `json:"error,omitempty"`

	// Request fields
	EventID   string `json:"event_id,omitempty"`
	Boundary  string `json:"boundary,omitempty"`
	Direction string `json:"direction,omitempty"`
	Limit     int    `json:"limit,omitempty"`

	// Response / push fields
	Segments   []wireSegment `json:"segments,omitempty"`
	ReachedEnd bool          `json:"reached_end,omitempty"`
	Event      *models.Event `json:"event,omitempty"`
	TargetID   string        `json:"target_id,omitempty"`
}

// wireSegment is the serialized form of a segment page.
type wireSegment struct {
	ID           string         `json:"id"`
	Events       []models.Event `json:"events"`
	BackToken    *string        `json:"back_token,omitempty"`
	ForwardToken *string        `json:"forward_token,omitempty"`
}

// RemoteStore speaks the segmented event protocol over a websocket: JSON
// request/response frames correlated by req_id, plus pushed frames for live
// events and redactions. Decryption stays client-side via the Decrypter.
type RemoteStore struct {
	conn      *websocket.Conn
	arena     *segment.Arena
	liveID    segment.ID
	decrypter Decrypter
	log       zerolog.Logger

	mu         sync.Mutex
	pending    map[string]chan frame
	liveSubs   map[string]func(models.Event)
	redactSubs map[string]func(string)
	closed     bool

	done chan struct{}
}

// DialRemote connects to url and waits for the server's hello frame, which
// carries the conversation's live segment.
func DialRemote(ctx context.Context, url string, decrypter Decrypter) (*RemoteStore, error) {
	log := logging.Component("remote-store")
	log.Debug().Str("url", logging.Redact(url)).Msg("dialing event server")

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event server: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	var hello frame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no hello")
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello || len(hello.Segments) != 1 {
		_ = conn.Close(websocket.StatusProtocolError, "bad hello")
		return nil, errors.New("malformed hello frame")
	}

	s := &RemoteStore{
		conn:       conn,
		arena:      segment.NewArena(),
		decrypter:  decrypter,
		log:        log,
		pending:    make(map[string]chan frame),
		liveSubs:   make(map[string]func(models.Event)),
		redactSubs: make(map[string]func(string)),
		done:       make(chan struct{}),
	}

	live := fromWire(hello.Segments[0])
	if err := s.arena.Add(live); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "arena")
		return nil, err
	}
	s.liveID = live.ID

	go s.readLoop()
	return s, nil
}

// Arena exposes the shared segment arena.
func (s *RemoteStore) Arena() *segment.Arena { return s.arena }

// LiveSegment returns the live segment's ID.
func (s *RemoteStore) LiveSegment() segment.ID { return s.liveID }

// GetSegment asks the server which segment contains eventID, linking a fresh
// chain anchored there when the event is not already local.
func (s *RemoteStore) GetSegment(ctx context.Context, eventID string) (segment.ID, error) {
	if id := s.arena.FindEvent(eventID); id != segment.None {
		return id, nil
	}

	resp, err := s.call(ctx, frame{Op: opGetSegment, EventID: eventID})
	if err != nil {
		return segment.None, err
	}
	if len(resp.Segments) == 0 {
		return segment.None, ErrEventNotFound
	}
	seg := fromWire(resp.Segments[0])
	if err := s.arena.Add(seg); err != nil && !errors.Is(err, segment.ErrSegmentExists) {
		return segment.None, err
	}
	return seg.ID, nil
}

// Paginate extends the chain at boundary, linking returned segments in.
func (s *RemoteStore) Paginate(ctx context.Context, boundary segment.ID, dir Direction, limit int) (PaginateResult, error) {
	edge := s.arena.BackwardMost(boundary)
	if dir == Forward {
		edge = s.arena.ForwardMost(boundary)
	}
	if edge == segment.None {
		return PaginateResult{}, ErrSegmentNotFound
	}

	resp, err := s.call(ctx, frame{
		Op:        opPaginate,
		Boundary:  string(edge),
		Direction: dir.String(),
		Limit:     limit,
	})
	if err != nil {
		return PaginateResult{}, err
	}

	out := PaginateResult{ReachedEnd: resp.ReachedEnd}
	anchor := edge
	for _, ws := range resp.Segments {
		seg := fromWire(ws)
		if dir == Backward {
			err = s.arena.LinkBefore(anchor, seg)
		} else {
			err = s.arena.LinkAfter(anchor, seg)
		}
		if err != nil {
			if errors.Is(err, segment.ErrSegmentExists) {
				continue
			}
			return PaginateResult{}, err
		}
		out.NewSegments = append(out.NewSegments, seg)
		anchor = seg.ID
	}
	return out, nil
}

// Decrypt opens ev with the configured client-side decrypter.
func (s *RemoteStore) Decrypt(ctx context.Context, ev models.Event) (models.Event, error) {
	if !ev.Encrypted {
		return ev, nil
	}
	if s.decrypter == nil {
		return ev, fmt.Errorf("no decrypter for event %s", ev.ID)
	}
	return s.decrypter.Decrypt(ctx, ev)
}

// SubscribeLive registers fn for pushed live events.
func (s *RemoteStore) SubscribeLive(fn func(models.Event)) (cancel func()) {
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
func (s *RemoteStore) SubscribeRedactions(fn func(targetID string)) (cancel func()) {
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

// Close tears down the connection and fails any in-flight calls.
func (s *RemoteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	// Pending channels are buffered and abandoned, never closed: the read
	// loop may still be holding one for a delivery, and callers unblock via
	// done.
	s.pending = make(map[string]chan frame)
	s.mu.Unlock()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *RemoteStore) call(ctx context.Context, req frame) (frame, error) {
	ctx, cancel := context.WithTimeout(ctx, remoteCallTimeout)
	defer cancel()

	req.ReqID = uuid.NewString()
	ch := make(chan frame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return frame{}, ErrStoreClosed
	}
	s.pending[req.ReqID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ReqID)
		s.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, s.conn, req); err != nil {
		return frame{}, fmt.Errorf("write %s: %w", req.Op, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return frame{}, errors.New(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-s.done:
		return frame{}, ErrStoreClosed
	}
}

func (s *RemoteStore) readLoop() {
	ctx := context.Background()
	for {
		var f frame
		if err := wsjson.Read(ctx, s.conn, &f); err != nil {
			s.mu.Lock()
			alreadyClosed := s.closed
			s.mu.Unlock()
			if !alreadyClosed {
				s.log.Warn().Err(err).Msg("connection lost")
				_ = s.Close()
			}
			return
		}

		switch f.Op {
		case opLiveEvent:
			if f.Event == nil {
				continue
			}
			ev := *f.Event
			if err := ev.Validate(); err != nil {
				s.log.Warn().Str("event_id", ev.ID).Err(err).Msg("dropping malformed live event")
				continue
			}
			_ = s.arena.AppendEvents(s.liveID, ev)
			s.mu.Lock()
			subs := make([]func(models.Event), 0, len(s.liveSubs))
			for _, fn := range s.liveSubs {
				subs = append(subs, fn)
			}
			s.mu.Unlock()
			for _, fn := range subs {
				fn(ev.Clone())
			}
		case opRedaction:
			s.mu.Lock()
			subs := make([]func(string), 0, len(s.redactSubs))
			for _, fn := range s.redactSubs {
				subs = append(subs, fn)
			}
			s.mu.Unlock()
			for _, fn := range subs {
				fn(f.TargetID)
			}
		default:
			s.mu.Lock()
			ch, ok := s.pending[f.ReqID]
			s.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func fromWire(w wireSegment) *segment.Segment {
	return &segment.Segment{
		ID:           segment.ID(w.ID),
		Events:       w.Events,
		BackToken:    w.BackToken,
		ForwardToken: w.ForwardToken,
	}
}
