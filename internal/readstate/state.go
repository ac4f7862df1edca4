// Package readstate persists per-conversation read markers to a small JSON
// state file, debouncing writes so rapid marker advancement during live
// reading does not hammer the disk.
package readstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// CurrentVersion is the state file schema version.
	CurrentVersion = 1

	defaultDebounce = 1 * time.Second
)

// Marker records the last event the user acknowledged in one conversation.
type Marker struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the on-disk layout.
type State struct {
	Version int               `json:"version"`
	Markers map[string]Marker `json:"markers,omitempty"` // conversation ID -> marker
}

// Manager owns one state file. Marker advancement is monotonic by event
// timestamp (ID as a tiebreak), so a stale auto-mark can never move a marker
// backwards.
type Manager struct {
	path     string
	lockPath string

	mu       sync.Mutex
	state    State
	dirty    bool
	timer    *time.Timer
	debounce time.Duration
}

// New creates a manager for the state file at path. An empty path disables
// persistence but keeps markers in memory.
func New(path string) *Manager {
	path = strings.TrimSpace(path)
	return &Manager{
		path:     path,
		lockPath: path + ".lock",
		state: State{
			Version: CurrentVersion,
			Markers: make(map[string]Marker),
		},
		debounce: defaultDebounce,
	}
}

// Path returns the state file path.
func (m *Manager) Path() string { return m.path }

// Load reads the state file. A missing or empty file loads as fresh state.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path == "" {
		return nil
	}
	loaded, err := m.loadLocked()
	if err != nil {
		return err
	}
	m.state = loaded
	m.dirty = false
	return nil
}

// Marker returns the read marker for a conversation.
func (m *Manager) Marker(conversation string) (Marker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation = strings.TrimSpace(conversation)
	if conversation == "" {
		return Marker{}, false
	}
	marker, ok := m.state.Markers[conversation]
	return marker, ok
}

// Advance moves the marker forward. Markers at or past the new position are
// left alone.
func (m *Manager) Advance(conversation string, marker Marker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation = strings.TrimSpace(conversation)
	if conversation == "" || strings.TrimSpace(marker.EventID) == "" {
		return
	}
	if prev, ok := m.state.Markers[conversation]; ok {
		if prev.Timestamp.After(marker.Timestamp) {
			return
		}
		if prev.Timestamp.Equal(marker.Timestamp) && prev.EventID >= marker.EventID {
			return
		}
	}
	m.state.Markers[conversation] = marker
	m.markDirtyLocked()
}

// Set replaces the marker unconditionally (explicit user "mark as read").
func (m *Manager) Set(conversation string, marker Marker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation = strings.TrimSpace(conversation)
	if conversation == "" || strings.TrimSpace(marker.EventID) == "" {
		return
	}
	m.state.Markers[conversation] = marker
	m.markDirtyLocked()
}

// Close flushes any pending write.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	needsSave := m.dirty
	m.mu.Unlock()
	if !needsSave {
		return nil
	}
	return m.SaveNow()
}

// SaveNow writes the state file immediately.
func (m *Manager) SaveNow() error {
	m.mu.Lock()
	if m.path == "" {
		m.mu.Unlock()
		return nil
	}
	state := cloneState(m.state)
	m.dirty = false
	m.mu.Unlock()

	state.Version = CurrentVersion
	if err := withFileLock(m.lockPath, func() error {
		return writeAtomicJSON(m.path, state)
	}); err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) markDirtyLocked() {
	m.dirty = true
	if m.path == "" {
		return
	}
	if m.timer == nil {
		m.timer = time.AfterFunc(m.debounce, func() {
			_ = m.SaveNow()
		})
		return
	}
	_ = m.timer.Reset(m.debounce)
}

func (m *Manager) loadLocked() (State, error) {
	var out State
	if err := withFileLock(m.lockPath, func() error {
		payload, err := os.ReadFile(m.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				out = State{Version: CurrentVersion}
				return nil
			}
			return err
		}
		if len(payload) == 0 {
			out = State{Version: CurrentVersion}
			return nil
		}
		return json.Unmarshal(payload, &out)
	}); err != nil {
		return State{}, err
	}
	if out.Version == 0 {
		out.Version = CurrentVersion
	}
	if out.Markers == nil {
		out.Markers = make(map[string]Marker)
	}
	return out, nil
}

func cloneState(s State) State {
	out := s
	out.Markers = make(map[string]Marker, len(s.Markers))
	for k, v := range s.Markers {
		out.Markers[k] = v
	}
	return out
}

func withFileLock(lockPath string, fn func() error) error {
	if strings.TrimSpace(lockPath) == "" || lockPath == ".lock" {
		return fn()
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock %s: %w", lockPath, err)
	}
	defer func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}()
	return fn()
}

func writeAtomicJSON(path string, state State) error {
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
