package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voice-relay/shared"
	"github.com/google/uuid"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

// SupportedSampleRates is kept in ascending order; NormalizeSampleRate relies on it.
var SupportedSampleRates = []int{8000, 16000, 21050, 24000, 32000, 44100, 48000}

// NormalizeSampleRate returns requested when supported, otherwise the closest
// supported rate. Ties go to the lower rate.
func NormalizeSampleRate(requested int) int {
	best := SupportedSampleRates[0]
	bestDist := absInt(requested - best)
	for _, rate := range SupportedSampleRates[1:] {
		if d := absInt(requested - rate); d < bestDist {
			best, bestDist = rate, d
		}
	}
	return best
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// allowed status transitions; closed → active is a reconnect
var statusTransitions = map[Status][]Status{
	StatusCreated: {StatusActive, StatusClosed},
	StatusActive:  {StatusClosed},
	StatusClosed:  {StatusActive},
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Session struct {
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"created_at"`
	SampleRate  int          `json:"sample_rate"`
	Status      Status       `json:"status"`
	WebRTCStats *WebRTCStats `json:"webrtc_stats"`
}

func (s *Session) clone() Session {
	out := *s
	if s.WebRTCStats != nil {
		st := *s.WebRTCStats
		out.WebRTCStats = &st
	}
	return out
}

// Registry is the in-memory session table. It never performs network I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string

	now   func() time.Time
	newID func() string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (r *Registry) Create(sampleRate int) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Session{
		ID:         r.newID(),
		CreatedAt:  r.now().UTC(),
		SampleRate: NormalizeSampleRate(sampleRate),
		Status:     StatusCreated,
	}
	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
	return s.clone()
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// List returns sessions in creation order.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id].clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) UpdateStatus(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
	}
	if !canTransition(s.Status, status) {
		return fmt.Errorf("%w: %s → %s", shared.ErrInvalidStatus, s.Status, status)
	}
	s.Status = status
	return nil
}

// UpdateStats stores stats unless they are older than what is already held.
func (r *Registry) UpdateStats(id string, stats WebRTCStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
	}
	if s.WebRTCStats != nil && stats.LastUpdated.Before(s.WebRTCStats.LastUpdated) {
		return shared.ErrStaleStats
	}
	s.WebRTCStats = &stats
	return nil
}

// Delete removes the session. Closing its bridge is the caller's job.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}
