package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// WatchOptions configures an event feed subscription. Callbacks run on the
// watch goroutine, one at a time.
type WatchOptions struct {
	// OnSnapshot fires when a stream (re)opens with the daemon's full state.
	OnSnapshot func([]Tunnel)
	// OnEvent fires for each live state change.
	OnEvent func(TunnelEvent)
	// ReconnectDelay is the pause before redialing a dropped stream.
	// Defaults to 2s.
	ReconnectDelay time.Duration
}

// Watch follows the daemon's event feed until ctx is done, reconnecting
// whenever the stream drops. Every (re)connect starts with a snapshot, so a
// consumer that rebuilds from OnSnapshot never misses a transition's end
// state.
func (c *Client) Watch(ctx context.Context, opts WatchOptions) error {
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	for {
		c.watchOnce(ctx, &opts)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// watchOnce runs one stream attempt until it drops or ctx ends. The caller
// retries regardless of the cause, so the error is informational.
func (c *Client) watchOnce(ctx context.Context, opts *WatchOptions) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream is long-lived; the default client timeout would kill it.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			c.dispatch(opts, eventType, data.String())
			eventType = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}

func (c *Client) dispatch(opts *WatchOptions, eventType, data string) {
	if data == "" {
		return
	}
	switch eventType {
	case "snapshot":
		var tunnels []Tunnel
		if err := json.Unmarshal([]byte(data), &tunnels); err != nil {
			return
		}
		if opts.OnSnapshot != nil {
			opts.OnSnapshot(tunnels)
		}
	case "tunnel":
		var ev TunnelEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return
		}
		if opts.OnEvent != nil {
			opts.OnEvent(ev)
		}
	}
}

// Mirror is a local copy of the daemon's state table, kept current by a
// Watch. Reads never block the feed.
type Mirror struct {
	mu      sync.RWMutex
	tunnels map[string]Tunnel
}

func NewMirror() *Mirror {
	return &Mirror{tunnels: make(map[string]Tunnel)}
}

// List returns the mirrored tunnels in unspecified order.
func (m *Mirror) List() []Tunnel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, t)
	}
	return out
}

// Get returns the mirrored row for one tunnel.
func (m *Mirror) Get(id string) (Tunnel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tunnels[id]
	return t, ok
}

// reset replaces the mirror with a fresh snapshot.
func (m *Mirror) reset(tunnels []Tunnel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tunnels = make(map[string]Tunnel, len(tunnels))
	for _, t := range tunnels {
		m.tunnels[t.ID] = t
	}
}

// apply folds one event into the mirror. Stale and duplicate events (sequence
// at or below the current row) are ignored.
func (m *Mirror) apply(ev TunnelEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.Removed {
		delete(m.tunnels, ev.TunnelID)
		return
	}
	t, ok := m.tunnels[ev.TunnelID]
	if ok && ev.Seq <= t.Seq {
		return
	}
	t.ID = ev.TunnelID
	t.State = ev.State
	t.Seq = ev.Seq
	t.ErrorKind = ev.ErrorKind
	t.LastError = ev.Message
	t.ChangedAt = ev.Timestamp
	m.tunnels[ev.TunnelID] = t
}

// WatchMirror runs Watch and keeps m in sync with the daemon. onEvent, if
// not nil, fires after each applied live event.
func (c *Client) WatchMirror(ctx context.Context, m *Mirror, onEvent func(TunnelEvent)) error {
	return c.Watch(ctx, WatchOptions{
		OnSnapshot: m.reset,
		OnEvent: func(ev TunnelEvent) {
			m.apply(ev)
			if onEvent != nil {
				onEvent(ev)
			}
		},
	})
}
