package capture

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/teslashibe/go-caption/pkg/camera"
)

// Status is the run state of a Loop.
type Status int

const (
	// StatusIdle means no ticks are scheduled.
	StatusIdle Status = iota
	// StatusRunning means the loop captures on every tick.
	StatusRunning
)

// String implements fmt.Stringer.
func (s Status) String() string {
	if s == StatusRunning {
		return "running"
	}
	return "idle"
}

// MarshalJSON encodes the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Snapshot is a copy of the observable loop state.
type Snapshot struct {
	Status     Status        `json:"status"`
	Source     camera.Source `json:"source"`
	Caption    string        `json:"caption"`
	HasCaption bool          `json:"has_caption"`
	InFlight   bool          `json:"in_flight"`
	LastError  string        `json:"last_error,omitempty"`
	Predicted  uint64        `json:"predicted"`
	Failures   uint64        `json:"failures"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// State holds the observable state of one Loop and notifies subscribers
// on every change. Only the owning Loop mutates it.
type State struct {
	mu   sync.RWMutex
	snap Snapshot

	subMu  sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int

	// notifyMu keeps notifications in mutation order.
	notifyMu sync.Mutex
}

func newState() *State {
	return &State{
		snap: Snapshot{UpdatedAt: time.Now()},
		subs: make(map[int]func(Snapshot)),
	}
}

// Snapshot returns the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe registers fn to receive every new snapshot.
// fn runs on the goroutine that changed the state and must not block.
// The returned function removes the subscription.
func (s *State) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// update applies fn and notifies subscribers.
func (s *State) update(fn func(*Snapshot)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	fn(&s.snap)
	s.snap.UpdatedAt = time.Now()
	snap := s.snap
	s.mu.Unlock()

	s.subMu.Lock()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}
