package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tunneld/tunneld/internal/bus"
	"github.com/tunneld/tunneld/internal/registry"
	"github.com/tunneld/tunneld/internal/supervisor"
)

// Package-level collaborators, wired once at startup by Init.
var (
	Registry *registry.Registry
	Bus      *bus.Broadcaster
	Sup      *supervisor.Supervisor
)

// Init wires the handlers to the daemon's registry, event bus and
// supervisor. Must be called before the router serves traffic.
func Init(reg *registry.Registry, b *bus.Broadcaster, sup *supervisor.Supervisor) {
	Registry = reg
	Bus = b
	Sup = sup
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
