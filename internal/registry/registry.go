// Package registry holds the authoritative in-memory table of tunnels and
// their lifecycle state. All state transitions go through Apply, which
// validates the transition, assigns the next per-tunnel sequence number,
// records the event in a bounded history ring, and publishes it, all under one
// mutex, so no reader can observe a state without the matching
// event being available.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a tunnel lifecycle state.
type State string

const (
	StateStopped    State = "stopped"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateDegraded   State = "degraded"
	StateStopping   State = "stopping"
	StateFailed     State = "failed"
)

// ErrorKind classifies a tunnel failure for retry policy and user messaging.
type ErrorKind string

const (
	ErrKindNone           ErrorKind = ""
	ErrKindInvalidProfile ErrorKind = "invalid_profile"
	ErrKindAuthFailure    ErrorKind = "auth_failure"
	ErrKindTransport      ErrorKind = "transport_failure"
	ErrKindInternal       ErrorKind = "internal_fault"
)

// TunnelEvent is an immutable record of one accepted state transition.
// Sequence numbers are per tunnel and strictly increasing with no gaps.
type TunnelEvent struct {
	TunnelID  string    `json:"tunnel_id"`
	State     State     `json:"state"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	// Removed marks the final event of a deleted tunnel so live subscribers
	// can prune it without waiting for a snapshot resync.
	Removed bool `json:"removed,omitempty"`
}

// Tunnel is the registry's view of one runtime tunnel instance.
type Tunnel struct {
	ID          string     `json:"id"`
	ProfileID   uint       `json:"profile_id"`
	ProfileName string     `json:"profile_name"`
	State       State      `json:"state"`
	Seq         uint64     `json:"seq"`
	LastError   string     `json:"last_error,omitempty"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	RetryCount  int        `json:"retry_count"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	ChangedAt   time.Time  `json:"changed_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

var (
	ErrUnknownTunnel     = errors.New("unknown tunnel")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrTunnelActive      = errors.New("tunnel is active")
)

// validNext is the lifecycle transition table. Stopped and Failed are the
// only states a tunnel can rest in.
var validNext = map[State]map[State]bool{
	StateStopped:    {StateConnecting: true},
	StateConnecting: {StateConnected: true, StateFailed: true, StateStopping: true},
	StateConnected:  {StateDegraded: true, StateStopping: true, StateFailed: true},
	StateDegraded:   {StateConnected: true, StateStopping: true, StateFailed: true},
	StateStopping:   {StateStopped: true},
	StateFailed:     {StateConnecting: true, StateStopped: true},
}

// Publisher receives every accepted event. Publish must not block; the event
// bus satisfies this by dropping overloaded subscribers instead of waiting.
type Publisher interface {
	Publish(TunnelEvent)
}

// Registry is the single serialization point for tunnel state. One mutex
// guards the table, the sequence counters, the history rings, and the publish
// call, so events reach the bus in sequence order.
type Registry struct {
	mu          sync.Mutex
	tunnels     map[string]*Tunnel
	history     map[string]*eventRing
	historySize int
	pub         Publisher
	now         func() time.Time // injectable for tests
}

// New creates a Registry retaining up to historySize events per tunnel.
func New(historySize int, pub Publisher) *Registry {
	if historySize <= 0 {
		historySize = 100
	}
	return &Registry{
		tunnels:     make(map[string]*Tunnel),
		history:     make(map[string]*eventRing),
		historySize: historySize,
		pub:         pub,
		now:         time.Now,
	}
}

// Register creates a new tunnel bound to a profile and emits its initial
// stopped event (sequence 1).
func (r *Registry) Register(profileID uint, profileName string) Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	t := &Tunnel{
		ID:          uuid.NewString(),
		ProfileID:   profileID,
		ProfileName: profileName,
		State:       StateStopped,
		Seq:         1,
		ChangedAt:   now,
		CreatedAt:   now,
	}
	r.tunnels[t.ID] = t
	r.history[t.ID] = newEventRing(r.historySize)

	ev := TunnelEvent{
		TunnelID:  t.ID,
		State:     StateStopped,
		Seq:       1,
		Timestamp: now,
	}
	r.history[t.ID].record(ev)
	if r.pub != nil {
		r.pub.Publish(ev)
	}
	return *t
}

// Apply attempts a state transition. On acceptance it updates the tunnel,
// assigns the next sequence number, appends the event to the history ring,
// and publishes it. Invalid transitions and unknown ids are rejected without
// mutating anything.
func (r *Registry) Apply(id string, to State, kind ErrorKind, msg string) (TunnelEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[id]
	if !ok {
		return TunnelEvent{}, fmt.Errorf("apply %s for %s: %w", to, id, ErrUnknownTunnel)
	}
	if !validNext[t.State][to] {
		return TunnelEvent{}, fmt.Errorf("apply %s -> %s for %s: %w", t.State, to, id, ErrInvalidTransition)
	}

	now := r.now()
	t.Seq++
	from := t.State
	t.State = to
	t.ChangedAt = now

	switch to {
	case StateConnected:
		t.RetryCount = 0
		t.LastError = ""
		t.ErrorKind = ErrKindNone
		connectedAt := now
		t.ConnectedAt = &connectedAt
	case StateConnecting:
		if from == StateFailed {
			t.RetryCount++
		}
	case StateFailed:
		t.LastError = msg
		t.ErrorKind = kind
	}
	if to == StateDegraded && msg != "" {
		t.LastError = msg
		t.ErrorKind = kind
	}

	ev := TunnelEvent{
		TunnelID:  id,
		State:     to,
		Seq:       t.Seq,
		Timestamp: now,
		ErrorKind: kind,
		Message:   msg,
	}
	r.history[id].record(ev)
	if r.pub != nil {
		r.pub.Publish(ev)
	}
	return ev, nil
}

// Remove deletes a tunnel that is at rest (stopped or failed) and publishes
// a final removal event. Active tunnels must be stopped first.
func (r *Registry) Remove(id string) (TunnelEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[id]
	if !ok {
		return TunnelEvent{}, fmt.Errorf("remove %s: %w", id, ErrUnknownTunnel)
	}
	if t.State != StateStopped && t.State != StateFailed {
		return TunnelEvent{}, fmt.Errorf("remove %s in state %s: %w", id, t.State, ErrTunnelActive)
	}

	ev := TunnelEvent{
		TunnelID:  id,
		State:     t.State,
		Seq:       t.Seq + 1,
		Timestamp: r.now(),
		Removed:   true,
	}
	delete(r.tunnels, id)
	delete(r.history, id)
	if r.pub != nil {
		r.pub.Publish(ev)
	}
	return ev, nil
}

// Get returns a copy of the tunnel with the given id.
func (r *Registry) Get(id string) (Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[id]
	if !ok {
		return Tunnel{}, false
	}
	return *t, true
}

// Snapshot returns a consistent point-in-time copy of all tunnels, ordered
// by creation time. Each entry carries its last sequence number, which new
// subscribers use to filter the live stream.
func (r *Registry) Snapshot() []Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Events returns the retained event history for a tunnel in chronological
// order. The ring is bounded, so old events fall off; full replay is not a
// goal; snapshots cover late joiners.
func (r *Registry) Events(id string) ([]TunnelEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ring, ok := r.history[id]
	if !ok {
		return nil, fmt.Errorf("events for %s: %w", id, ErrUnknownTunnel)
	}
	return ring.history(), nil
}
