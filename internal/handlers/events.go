package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const pingInterval = 15 * time.Second

// StreamEvents serves the daemon's event feed over SSE. The stream opens
// with a "snapshot" frame holding every tunnel's current row, then carries
// one "tunnel" frame per state change. The subscription is taken before the
// snapshot so nothing published in between is lost; live events at or below
// a tunnel's snapshot sequence are filtered out so nothing is duplicated.
func StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	sub := Bus.Subscribe()
	defer Bus.Unsubscribe(sub)

	snapshot := Registry.Snapshot()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
	flusher.Flush()

	// Per-tunnel sequence floor from the snapshot. An entry is dropped once
	// a live event passes it; absent entries need no filtering.
	seen := make(map[string]uint64, len(snapshot))
	for _, t := range snapshot {
		seen[t.ID] = t.Seq
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				// Bus closed, or this subscriber fell behind and was
				// dropped. Ending the stream makes the client reconnect
				// and resync from a fresh snapshot.
				return
			}
			if floor, ok := seen[ev.TunnelID]; ok {
				if ev.Seq <= floor {
					continue
				}
				delete(seen, ev.TunnelID)
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: tunnel\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
