package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/tunneld/tunneld/internal/bus"
	"github.com/tunneld/tunneld/internal/config"
	"github.com/tunneld/tunneld/internal/database"
	"github.com/tunneld/tunneld/internal/handlers"
	"github.com/tunneld/tunneld/internal/registry"
	"github.com/tunneld/tunneld/internal/supervisor"
)

type stubSession struct {
	done   chan error
	health chan supervisor.HealthNotice
}

func (s *stubSession) Done() <-chan error                     { return s.done }
func (s *stubSession) Health() <-chan supervisor.HealthNotice { return s.health }
func (s *stubSession) Close() error                           { return nil }

type stubOpener struct{}

func (stubOpener) OpenSession(ctx context.Context, profile database.Profile) (supervisor.Session, error) {
	return &stubSession{
		done:   make(chan error, 1),
		health: make(chan supervisor.HealthNotice, 1),
	}, nil
}

// startTestDaemon brings up the full API stack against a temp database and
// returns a client pointed at it.
func startTestDaemon(t *testing.T) *Client {
	t.Helper()

	old := config.Cfg
	config.Cfg.DataPath = t.TempDir()
	config.Cfg.DatabasePath = filepath.Join(config.Cfg.DataPath, "test.db")
	config.Cfg.LogPath = filepath.Join(config.Cfg.DataPath, "test.log")
	if err := database.Init(); err != nil {
		t.Fatalf("init database: %v", err)
	}

	broadcaster := bus.New(64)
	reg := registry.New(100, broadcaster)
	sup := supervisor.New(reg, database.GetProfile, stubOpener{})
	handlers.Init(reg, broadcaster, sup)

	srv := httptest.NewServer(handlers.Router())
	t.Cleanup(func() {
		srv.Close()
		sup.StopAll()
		broadcaster.Close()
		database.Close()
		database.DB = nil
		config.Cfg = old
	})
	return New(srv.URL)
}

func testSpec() ProfileSpec {
	return ProfileSpec{
		Name:       "db-prod",
		Host:       "bastion.example.test",
		Username:   "ops",
		AuthMethod: "key",
		Forwards: []ForwardSpec{
			{Type: "local", BindPort: 5433, Host: "localhost", Port: 5432},
		},
	}
}

func waitForMirroredState(t *testing.T, m *Mirror, id, want string) Tunnel {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tun, ok := m.Get(id); ok && tun.State == want {
			return tun
		}
		time.Sleep(5 * time.Millisecond)
	}
	tun, _ := m.Get(id)
	t.Fatalf("mirror never showed %s for %s (currently %q)", want, id, tun.State)
	return Tunnel{}
}

func TestClientProfileAndTunnelLifecycle(t *testing.T) {
	c := startTestDaemon(t)
	ctx := context.Background()

	if _, err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	profile, err := c.CreateProfile(ctx, testSpec())
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if profile.ID == 0 || len(profile.Forwards) != 1 {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	profiles, err := c.ListProfiles(ctx)
	if err != nil || len(profiles) != 1 {
		t.Fatalf("list profiles: %v, %d", err, len(profiles))
	}

	tun, err := c.CreateTunnel(ctx, profile.ID)
	if err != nil {
		t.Fatalf("create tunnel: %v", err)
	}
	if tun.State != "stopped" {
		t.Fatalf("new tunnel not stopped: %+v", tun)
	}

	if err := c.StartTunnel(ctx, tun.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := c.GetTunnel(ctx, tun.ID)
		if err != nil {
			t.Fatalf("get tunnel: %v", err)
		}
		if got.State == "connected" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tunnel never connected, state %s", got.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := c.StopTunnel(ctx, tun.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		got, _ := c.GetTunnel(ctx, tun.ID)
		if got != nil && got.State == "stopped" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("tunnel never stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}

	events, err := c.TunnelEvents(ctx, tun.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].State != "stopped" {
		t.Fatalf("unexpected event history: %+v", events)
	}

	if err := c.DeleteTunnel(ctx, tun.ID); err != nil {
		t.Fatalf("delete tunnel: %v", err)
	}

	var apiErr *APIError
	_, err = c.GetTunnel(ctx, tun.ID)
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestWatchMirrorConvergence(t *testing.T) {
	c := startTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMirror()
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- c.WatchMirror(ctx, m, nil)
	}()

	profile, err := c.CreateProfile(ctx, testSpec())
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	tun, err := c.CreateTunnel(ctx, profile.ID)
	if err != nil {
		t.Fatalf("create tunnel: %v", err)
	}

	waitForMirroredState(t, m, tun.ID, "stopped")

	if err := c.StartTunnel(ctx, tun.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForMirroredState(t, m, tun.ID, "connected")

	if err := c.StopTunnel(ctx, tun.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForMirroredState(t, m, tun.ID, "stopped")

	if err := c.DeleteTunnel(ctx, tun.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Get(tun.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("removed tunnel not pruned from mirror")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-watchDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("watch ended with %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestMirrorApplySemantics(t *testing.T) {
	m := NewMirror()
	m.reset([]Tunnel{{ID: "a", State: "connected", Seq: 5}})

	// Stale events are ignored.
	m.apply(TunnelEvent{TunnelID: "a", State: "connecting", Seq: 4})
	if tun, _ := m.Get("a"); tun.State != "connected" || tun.Seq != 5 {
		t.Fatalf("stale event applied: %+v", tun)
	}

	m.apply(TunnelEvent{TunnelID: "a", State: "degraded", Seq: 6, Message: "forward lost"})
	tun, _ := m.Get("a")
	if tun.State != "degraded" || tun.Seq != 6 || tun.LastError != "forward lost" {
		t.Fatalf("event not applied: %+v", tun)
	}

	// Events for tunnels created after the snapshot materialize rows.
	m.apply(TunnelEvent{TunnelID: "b", State: "stopped", Seq: 1})
	if _, ok := m.Get("b"); !ok {
		t.Fatal("unknown tunnel event did not create a row")
	}

	m.apply(TunnelEvent{TunnelID: "a", Seq: 7, Removed: true})
	if _, ok := m.Get("a"); ok {
		t.Fatal("removal event did not prune the row")
	}
	if got := len(m.List()); got != 1 {
		t.Fatalf("expected 1 remaining tunnel, got %d", got)
	}
}
