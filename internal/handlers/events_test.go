package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tunneld/tunneld/internal/registry"
)

type sseFrame struct {
	event string
	data  string
}

// readFrame reads one SSE frame, skipping keepalive comments.
func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var frame sseFrame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if frame.event != "" || frame.data != "" {
				return frame
			}
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			frame.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			frame.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestStreamEventsSnapshotThenLive(t *testing.T) {
	srv := setupServer(t)
	profile := createTestProfile(t, srv)
	tun := createTestTunnel(t, srv, profile.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)

	frame := readFrame(t, reader)
	if frame.event != "snapshot" {
		t.Fatalf("expected snapshot first, got %q", frame.event)
	}
	var snapshot []registry.Tunnel
	if err := json.Unmarshal([]byte(frame.data), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0].ID != tun.ID {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	snapSeq := snapshot[0].Seq

	// Drive the tunnel and verify the live frames pick up exactly after the
	// snapshot, in order, with no gaps or duplicates.
	resp2, raw := doJSON(t, http.MethodPost, srv.URL+"/api/v1/tunnels/"+tun.ID+"/start", nil)
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("start: HTTP %d: %s", resp2.StatusCode, raw)
	}
	waitForTunnelState(t, srv, tun.ID, registry.StateConnected)

	lastSeq := snapSeq
	var states []registry.State
	for len(states) < 2 {
		frame := readFrame(t, reader)
		if frame.event != "tunnel" {
			t.Fatalf("expected tunnel frame, got %q", frame.event)
		}
		var ev registry.TunnelEvent
		if err := json.Unmarshal([]byte(frame.data), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.TunnelID != tun.ID {
			t.Fatalf("event for unexpected tunnel %s", ev.TunnelID)
		}
		if ev.Seq != lastSeq+1 {
			t.Fatalf("stream gap or duplicate: seq %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		states = append(states, ev.State)
	}
	if states[0] != registry.StateConnecting || states[1] != registry.StateConnected {
		t.Fatalf("unexpected live states: %v", states)
	}
}

func TestStreamEventsSubscriberReleasedOnDisconnect(t *testing.T) {
	srv := setupServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for Bus.SubscriberCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	resp.Body.Close()

	deadline = time.Now().Add(2 * time.Second)
	for Bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not released after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
