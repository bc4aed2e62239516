// Package session tracks editing sessions per note: a session starts
// on the first edit, stays alive while edits keep coming, and ends on
// inactivity, max duration, or note close. Edits after the end are
// counted as annotations rather than reopening the session.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	Inactive State = "inactive"
	Active   State = "active"
	Ended    State = "ended"
)

type Config struct {
	InactivityTimeout time.Duration
	MaxDuration       time.Duration
}

func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 15 * time.Minute,
		MaxDuration:       120 * time.Minute,
	}
}

// Session is the tracked state for one note.
type Session struct {
	ID               string     `json:"id"`
	NotePath         string     `json:"notePath"`
	State            State      `json:"state"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	EndedAt          *time.Time `json:"endedAt,omitempty"`
	LastEditAt       *time.Time `json:"lastEditAt,omitempty"`
	DurationMinutes  int        `json:"durationMinutes"`
	AnnotationCount  int        `json:"annotationCount"`
	LastAnnotationAt *time.Time `json:"lastAnnotationAt,omitempty"`
}

// Tracker holds at most one current session, guarded by a mutex.
type Tracker struct {
	mu      sync.Mutex
	current *Session
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
}

func NewTracker(cfg Config, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{cfg: cfg, log: log, now: time.Now}
}

// OpenNote makes notePath the tracked note. A session loaded from
// note metadata takes precedence over a fresh inactive one.
func (t *Tracker) OpenNote(notePath string, existing *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing != nil {
		t.current = existing
		return
	}
	t.current = &Session{NotePath: notePath, State: Inactive}
}

// CloseNote ends any active session and clears the tracker, returning
// the final session for persistence.
func (t *Tracker) CloseNote() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && t.current.State == Active {
		t.endLocked()
	}
	s := t.current
	t.current = nil
	return s
}

// RecordEdit is called for every content change. The first edit on an
// inactive note starts the session; edits after the session ended are
// annotations.
func (t *Tracker) RecordEdit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return
	}
	now := t.now().UTC()
	switch t.current.State {
	case Inactive:
		t.startLocked(now)
	case Active:
		t.current.LastEditAt = &now
	case Ended:
		t.current.AnnotationCount++
		t.current.LastAnnotationAt = &now
	}
}

// End finishes the current session regardless of timers.
func (t *Tracker) End() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && t.current.State == Active {
		t.endLocked()
	}
	return t.snapshotLocked()
}

// CheckTimeouts ends the session when inactivity or max duration is
// exceeded; it returns the ended session, or nil when nothing changed.
func (t *Tracker) CheckTimeouts() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.current
	if s == nil || s.State != Active {
		return nil
	}
	now := t.now().UTC()
	if s.StartedAt != nil && now.Sub(*s.StartedAt) >= t.cfg.MaxDuration {
		t.log.Info("session ended: max duration", zap.String("note", s.NotePath))
		t.endLocked()
		return t.snapshotLocked()
	}
	if s.LastEditAt != nil && now.Sub(*s.LastEditAt) >= t.cfg.InactivityTimeout {
		t.log.Info("session ended: inactivity", zap.String("note", s.NotePath))
		t.endLocked()
		return t.snapshotLocked()
	}
	return nil
}

// Current returns a copy of the tracked session, with the live
// duration filled in for active sessions.
func (t *Tracker) Current() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Run checks timeouts on a fixed interval until the returned stop
// func is called. Ended sessions are delivered to onEnd.
func (t *Tracker) Run(interval time.Duration, onEnd func(*Session)) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if ended := t.CheckTimeouts(); ended != nil && onEnd != nil {
					onEnd(ended)
				}
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (t *Tracker) startLocked(now time.Time) {
	s := t.current
	s.ID = uuid.NewString()
	s.State = Active
	s.StartedAt = &now
	s.LastEditAt = &now
	s.EndedAt = nil
	s.DurationMinutes = 0
	s.AnnotationCount = 0
	s.LastAnnotationAt = nil
	t.log.Info("session started", zap.String("note", s.NotePath), zap.String("id", s.ID))
}

func (t *Tracker) endLocked() {
	s := t.current
	now := t.now().UTC()
	s.State = Ended
	s.EndedAt = &now
	if s.StartedAt != nil {
		mins := int(now.Sub(*s.StartedAt).Minutes())
		if mins < 0 {
			mins = 0
		}
		s.DurationMinutes = mins
	}
	t.log.Info("session ended",
		zap.String("note", s.NotePath),
		zap.Int("minutes", s.DurationMinutes))
}

func (t *Tracker) snapshotLocked() *Session {
	if t.current == nil {
		return nil
	}
	copy := *t.current
	if copy.State == Active && copy.StartedAt != nil {
		mins := int(t.now().UTC().Sub(*copy.StartedAt).Minutes())
		if mins > 0 {
			copy.DurationMinutes = mins
		}
	}
	return &copy
}
