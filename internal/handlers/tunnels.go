package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tunneld/tunneld/internal/database"
	"github.com/tunneld/tunneld/internal/registry"
	"github.com/tunneld/tunneld/internal/supervisor"
)

type tunnelCreateRequest struct {
	ProfileID uint `json:"profile_id"`
}

// acceptedResponse is returned by the lifecycle endpoints. The state machine
// runs asynchronously; the caller observes progress through the event stream.
type acceptedResponse struct {
	Status   string `json:"status"`
	TunnelID string `json:"tunnel_id"`
}

func CreateTunnel(w http.ResponseWriter, r *http.Request) {
	var req tunnelCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	profile, err := database.GetProfile(req.ProfileID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Profile not found")
		return
	}
	tunnel := Registry.Register(profile.ID, profile.Name)
	writeJSON(w, http.StatusCreated, tunnel)
}

func ListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Registry.Snapshot())
}

func GetTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tunnel, ok := Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, tunnel)
}

func StartTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := Sup.Start(id); err != nil {
		tunnelError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", TunnelID: id})
}

func StopTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := Sup.Stop(id); err != nil {
		tunnelError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", TunnelID: id})
}

func RestartTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := Sup.Restart(id); err != nil {
		tunnelError(w, id, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", TunnelID: id})
}

func DeleteTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if Sup.IsRunning(id) {
		writeError(w, http.StatusConflict, "Tunnel is active; stop it first")
		return
	}
	if _, err := Registry.Remove(id); err != nil {
		switch {
		case errors.Is(err, registry.ErrUnknownTunnel):
			writeError(w, http.StatusNotFound, "Tunnel not found")
		case errors.Is(err, registry.ErrTunnelActive):
			writeError(w, http.StatusConflict, "Tunnel is active; stop it first")
		default:
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete tunnel: %v", err))
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TunnelEvents returns the retained event history for one tunnel, oldest
// first.
func TunnelEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := Registry.Events(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	if events == nil {
		events = []registry.TunnelEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func tunnelError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, supervisor.ErrUnknownTunnel) || errors.Is(err, registry.ErrUnknownTunnel) {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("Tunnel %s: %v", id, err))
}
