// Package supervisor owns tunnel session lifecycles. Each started tunnel gets
// exactly one session goroutine that connects, monitors, and reconnects with
// exponential backoff. The supervisor never mutates tunnel state directly; it
// emits transition intents through registry.Apply, which keeps single-writer
// semantics mechanical.
//
// Start, Stop, and Restart are asynchronous: success means the intent was
// accepted, and callers observe actual progress through tunnel events.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tunneld/tunneld/internal/database"
	"github.com/tunneld/tunneld/internal/registry"
)

// HealthNotice reports a degradation or recovery of a live session.
type HealthNotice struct {
	Healthy bool
	Detail  string
}

// Session is a live SSH tunnel session.
type Session interface {
	// Done delivers the terminal error (possibly nil) when the session ends
	// on its own. It fires at most once.
	Done() <-chan error
	// Health delivers degradation and recovery notices while the session
	// lives.
	Health() <-chan HealthNotice
	// Close requests graceful termination.
	Close() error
}

// Opener establishes sessions from profiles. The SSH layer implements it;
// tests substitute fakes.
type Opener interface {
	OpenSession(ctx context.Context, profile database.Profile) (Session, error)
}

// ProfileFunc resolves a profile by id. Decouples the supervisor from the
// database package's globals.
type ProfileFunc func(id uint) (*database.Profile, error)

var ErrUnknownTunnel = errors.New("unknown tunnel")

// Supervisor runs one session goroutine per started tunnel.
type Supervisor struct {
	reg      *registry.Registry
	profiles ProfileFunc
	opener   Opener

	mu       sync.Mutex
	sessions map[string]*runner

	// after is time.After, injectable so backoff tests don't sleep.
	after func(d time.Duration) <-chan time.Time

	wg sync.WaitGroup
}

type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Supervisor applying transitions to reg, resolving profiles
// through profiles, and opening sessions through opener.
func New(reg *registry.Registry, profiles ProfileFunc, opener Opener) *Supervisor {
	return &Supervisor{
		reg:      reg,
		profiles: profiles,
		opener:   opener,
		sessions: make(map[string]*runner),
		after:    time.After,
	}
}

// Start launches the session task for a tunnel. Starting an already running
// tunnel is a no-op, so concurrent starts yield exactly one session.
func (s *Supervisor) Start(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.sessions[id]; running {
		return nil
	}
	t, ok := s.reg.Get(id)
	if !ok {
		return fmt.Errorf("start %s: %w", id, ErrUnknownTunnel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel, done: make(chan struct{})}
	s.sessions[id] = r

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(r.done)
		defer func() {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
		}()
		s.run(ctx, id, t.ProfileID)
	}()
	return nil
}

// Stop requests termination of a tunnel's session and cancels any pending
// reconnect timer. Stopping a tunnel that is not running moves a settled
// failed tunnel to stopped and is otherwise a no-op.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	r, running := s.sessions[id]
	s.mu.Unlock()

	if running {
		r.cancel()
		return nil
	}

	t, ok := s.reg.Get(id)
	if !ok {
		return fmt.Errorf("stop %s: %w", id, ErrUnknownTunnel)
	}
	if t.State == registry.StateFailed {
		if _, err := s.reg.Apply(id, registry.StateStopped, registry.ErrKindNone, "stopped by user"); err != nil {
			return err
		}
	}
	return nil
}

// Restart stops a running tunnel, waits for its session to wind down, and
// starts it again. The wait happens off the caller's goroutine.
func (s *Supervisor) Restart(id string) error {
	s.mu.Lock()
	r, running := s.sessions[id]
	s.mu.Unlock()

	if !running {
		return s.Start(id)
	}

	r.cancel()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-r.done
		if err := s.Start(id); err != nil {
			log.Printf("Supervisor: restart of tunnel %s failed: %v", id, err)
		}
	}()
	return nil
}

// IsRunning reports whether a session task exists for the tunnel.
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// StopAll cancels every session task and waits for them to finish. Used
// during daemon shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	for _, r := range s.sessions {
		r.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// run is the session task: connect, monitor, reconnect with backoff, until
// the context is cancelled or the retry budget is exhausted. Failures here
// are isolated to this tunnel; nothing propagates to other sessions.
func (s *Supervisor) run(ctx context.Context, id string, profileID uint) {
	profile, err := s.profiles(profileID)
	if err != nil {
		s.apply(id, registry.StateConnecting, registry.ErrKindNone, "")
		s.apply(id, registry.StateFailed, registry.ErrKindInvalidProfile, fmt.Sprintf("profile %d: %v", profileID, err))
		return
	}
	if _, err := profile.Forwards(); err != nil {
		s.apply(id, registry.StateConnecting, registry.ErrKindNone, "")
		s.apply(id, registry.StateFailed, registry.ErrKindInvalidProfile, err.Error())
		return
	}
	policy := resolvePolicy(profile)

	attempt := 0
	authFailures := 0
	for {
		if attempt > 0 {
			delay := policy.Delay(attempt)
			log.Printf("Supervisor: tunnel %s reconnecting in %s (attempt %d/%d)", id, delay, attempt, policy.MaxAttempts)
			select {
			case <-ctx.Done():
				// Stop during backoff: the tunnel is parked in failed,
				// so it goes straight to stopped.
				s.apply(id, registry.StateStopped, registry.ErrKindNone, "stopped by user")
				return
			case <-s.after(delay):
			}
		}

		s.apply(id, registry.StateConnecting, registry.ErrKindNone, "")

		sess, err := s.opener.OpenSession(ctx, *profile)
		if err != nil {
			if ctx.Err() != nil {
				s.stopSequence(id)
				return
			}
			kind := Classify(err)
			s.apply(id, registry.StateFailed, kind, err.Error())

			switch kind {
			case registry.ErrKindInvalidProfile, registry.ErrKindInternal:
				// Not retryable.
				return
			case registry.ErrKindAuthFailure:
				authFailures++
				if authFailures >= policy.AuthMaxAttempts {
					log.Printf("Supervisor: tunnel %s giving up after %d auth failures", id, authFailures)
					return
				}
			}

			attempt++
			if attempt >= policy.MaxAttempts {
				log.Printf("Supervisor: tunnel %s giving up after %d attempts", id, attempt)
				return
			}
			continue
		}

		s.apply(id, registry.StateConnected, registry.ErrKindNone, "")
		attempt = 0
		authFailures = 0

		if stopped := s.monitor(ctx, id, sess); stopped {
			return
		}
		// Session ended on its own; loop around to reconnect.
		attempt = 1
	}
}

// monitor watches a connected session until it ends or a stop is requested.
// Returns true if the stop sequence ran and the task should exit.
func (s *Supervisor) monitor(ctx context.Context, id string, sess Session) bool {
	for {
		select {
		case <-ctx.Done():
			s.apply(id, registry.StateStopping, registry.ErrKindNone, "stop requested")
			if err := sess.Close(); err != nil {
				log.Printf("Supervisor: tunnel %s session close: %v", id, err)
			}
			s.apply(id, registry.StateStopped, registry.ErrKindNone, "stopped by user")
			return true

		case err := <-sess.Done():
			msg := "session terminated"
			kind := registry.ErrKindTransport
			if err != nil {
				msg = err.Error()
				kind = Classify(err)
			}
			s.apply(id, registry.StateFailed, kind, msg)
			return false

		case h := <-sess.Health():
			if h.Healthy {
				s.apply(id, registry.StateConnected, registry.ErrKindNone, h.Detail)
			} else {
				s.apply(id, registry.StateDegraded, registry.ErrKindTransport, h.Detail)
			}
		}
	}
}

// stopSequence emits the state-appropriate transitions for a user stop.
func (s *Supervisor) stopSequence(id string) {
	t, ok := s.reg.Get(id)
	if !ok {
		return
	}
	switch t.State {
	case registry.StateConnecting, registry.StateConnected, registry.StateDegraded:
		s.apply(id, registry.StateStopping, registry.ErrKindNone, "stop requested")
		s.apply(id, registry.StateStopped, registry.ErrKindNone, "stopped by user")
	case registry.StateFailed, registry.StateStopping:
		s.apply(id, registry.StateStopped, registry.ErrKindNone, "stopped by user")
	}
}

// apply forwards a transition intent to the registry. Rejections are logged,
// not fatal: they indicate a benign race such as a duplicate health notice.
func (s *Supervisor) apply(id string, to registry.State, kind registry.ErrorKind, msg string) {
	if _, err := s.reg.Apply(id, to, kind, msg); err != nil {
		if !errors.Is(err, registry.ErrInvalidTransition) {
			log.Printf("Supervisor: apply %s for tunnel %s: %v", to, id, err)
		}
	}
}
