// ABOUTME: Tracks attendant liveness across concurrent sessions (browser tabs)
// ABOUTME: Heartbeat-driven with lazy expiry on read plus a periodic sweep

package presence

import (
	"log/slog"
	"sync"
	"time"
)

// Tracker maintains per-attendant presence sessions. An attendant is online
// iff at least one session heartbeated within the timeout window. Multiple
// sessions per attendant are aggregated, not treated as flapping.
//
// Expiry never releases conversations already assigned to the attendant;
// assignment is sticky until an explicit close.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]map[string]time.Time // attendantID -> sessionID -> last heartbeat
	timeout  time.Duration
	logger   *slog.Logger
	done     chan struct{}
	closed   bool

	now func() time.Time // overridable in tests
}

// New creates a tracker. Sessions expire after interval * multiplier without
// a heartbeat; the sweep runs every interval. Pass nil logger for default.
func New(interval time.Duration, multiplier int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if multiplier <= 0 {
		multiplier = 3
	}
	t := &Tracker{
		sessions: make(map[string]map[string]time.Time),
		timeout:  interval * time.Duration(multiplier),
		logger:   logger.With("component", "presence"),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go t.sweep(interval)
	return t
}

// Heartbeat upserts the session's last-seen timestamp.
func (t *Tracker) Heartbeat(attendantID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[attendantID]; !ok {
		t.sessions[attendantID] = make(map[string]time.Time)
		t.logger.Info("attendant online", "attendant_id", attendantID)
	}
	t.sessions[attendantID][sessionID] = t.now()
}

// Disconnect removes a single session immediately (explicit tab close).
func (t *Tracker) Disconnect(attendantID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions, ok := t.sessions[attendantID]
	if !ok {
		return
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(t.sessions, attendantID)
		t.logger.Info("attendant offline", "attendant_id", attendantID)
	}
}

// IsOnline reports whether the attendant has at least one live session.
// Expired sessions are pruned on read.
func (t *Tracker) IsOnline(attendantID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(attendantID)
	return len(t.sessions[attendantID]) > 0
}

// SessionCount returns the number of live sessions for an attendant
// (the "N tabs open" aggregation).
func (t *Tracker) SessionCount(attendantID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(attendantID)
	return len(t.sessions[attendantID])
}

// OnlineAttendants returns the set of attendants with at least one live
// session. Purely informational: claim correctness does not depend on it.
func (t *Tracker) OnlineAttendants() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var online []string
	for attendantID := range t.sessions {
		t.pruneLocked(attendantID)
		if len(t.sessions[attendantID]) > 0 {
			online = append(online, attendantID)
		}
	}
	return online
}

// pruneLocked removes expired sessions for one attendant. Must hold mu.
func (t *Tracker) pruneLocked(attendantID string) {
	sessions, ok := t.sessions[attendantID]
	if !ok {
		return
	}
	cutoff := t.now().Add(-t.timeout)
	for sessionID, last := range sessions {
		if last.Before(cutoff) {
			delete(sessions, sessionID)
			t.logger.Debug("session expired",
				"attendant_id", attendantID,
				"session_id", sessionID)
		}
	}
	if len(sessions) == 0 {
		delete(t.sessions, attendantID)
		t.logger.Info("attendant offline", "attendant_id", attendantID)
	}
}

// sweep periodically prunes all attendants so idle maps don't hold
// stale sessions between reads.
func (t *Tracker) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			for attendantID := range t.sessions {
				t.pruneLocked(attendantID)
			}
			t.mu.Unlock()
		case <-t.done:
			return
		}
	}
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
