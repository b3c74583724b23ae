package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tunneld/tunneld/internal/crypto"
	"github.com/tunneld/tunneld/internal/database"
)

type profileRequest struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`

	AuthMethod    string `json:"auth_method"`
	Password      string `json:"password,omitempty"`
	KeyPath       string `json:"key_path,omitempty"`
	HostKeyPolicy string `json:"host_key_policy"`

	Forwards []database.ForwardSpec `json:"forwards"`

	BackoffBase       string  `json:"backoff_base,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	BackoffCap        string  `json:"backoff_cap,omitempty"`
	BackoffJitter     float64 `json:"backoff_jitter,omitempty"`
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	AuthMaxAttempts   int     `json:"auth_max_attempts,omitempty"`
}

type profileResponse struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`

	AuthMethod    string `json:"auth_method"`
	HasPassword   bool   `json:"has_password"`
	KeyPath       string `json:"key_path,omitempty"`
	HostKeyPolicy string `json:"host_key_policy"`

	Forwards []database.ForwardSpec `json:"forwards"`

	BackoffBase       string  `json:"backoff_base,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	BackoffCap        string  `json:"backoff_cap,omitempty"`
	BackoffJitter     float64 `json:"backoff_jitter,omitempty"`
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	AuthMaxAttempts   int     `json:"auth_max_attempts,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func toProfileResponse(p *database.Profile) profileResponse {
	forwards, _ := p.Forwards()
	if forwards == nil {
		forwards = []database.ForwardSpec{}
	}
	resp := profileResponse{
		ID:                p.ID,
		Name:              p.Name,
		Host:              p.Host,
		Port:              p.Port,
		Username:          p.Username,
		AuthMethod:        p.AuthMethod,
		HasPassword:       p.EncryptedPassword != "",
		KeyPath:           p.KeyPath,
		HostKeyPolicy:     p.HostKeyPolicy,
		Forwards:          forwards,
		BackoffMultiplier: p.BackoffMultiplier,
		BackoffJitter:     p.BackoffJitter,
		MaxAttempts:       p.MaxAttempts,
		AuthMaxAttempts:   p.AuthMaxAttempts,
		CreatedAt:         formatTimestamp(p.CreatedAt),
		UpdatedAt:         formatTimestamp(p.UpdatedAt),
	}
	if p.BackoffBase > 0 {
		resp.BackoffBase = p.BackoffBase.String()
	}
	if p.BackoffCap > 0 {
		resp.BackoffCap = p.BackoffCap.String()
	}
	return resp
}

// applyProfileRequest copies a request onto a profile. An empty password on
// update keeps the stored one.
func applyProfileRequest(p *database.Profile, req *profileRequest) error {
	if req.Name == "" || req.Host == "" || req.Username == "" {
		return fmt.Errorf("name, host and username are required")
	}
	if req.AuthMethod != database.AuthPassword && req.AuthMethod != database.AuthKey {
		return fmt.Errorf("auth_method must be %q or %q", database.AuthPassword, database.AuthKey)
	}
	if req.HostKeyPolicy != "" &&
		req.HostKeyPolicy != database.HostKeyInsecure &&
		req.HostKeyPolicy != database.HostKeyKnownHosts {
		return fmt.Errorf("host_key_policy must be %q or %q", database.HostKeyInsecure, database.HostKeyKnownHosts)
	}
	for i, fw := range req.Forwards {
		if fw.Type != database.ForwardLocal && fw.Type != database.ForwardRemote {
			return fmt.Errorf("forward %d: type must be %q or %q", i, database.ForwardLocal, database.ForwardRemote)
		}
		if fw.BindPort <= 0 || fw.Port <= 0 || fw.Host == "" {
			return fmt.Errorf("forward %d: bind_port, host and port are required", i)
		}
	}

	p.Name = req.Name
	p.Host = req.Host
	p.Port = req.Port
	if p.Port == 0 {
		p.Port = 22
	}
	p.Username = req.Username
	p.AuthMethod = req.AuthMethod
	p.KeyPath = req.KeyPath
	p.HostKeyPolicy = req.HostKeyPolicy
	if p.HostKeyPolicy == "" {
		p.HostKeyPolicy = database.HostKeyInsecure
	}

	if req.Password != "" {
		enc, err := crypto.Encrypt(req.Password)
		if err != nil {
			return fmt.Errorf("encrypt password: %w", err)
		}
		p.EncryptedPassword = enc
	}
	if req.AuthMethod == database.AuthPassword && p.EncryptedPassword == "" {
		return fmt.Errorf("password auth requires a password")
	}

	if err := p.SetForwards(req.Forwards); err != nil {
		return err
	}

	if req.BackoffBase != "" {
		d, err := time.ParseDuration(req.BackoffBase)
		if err != nil {
			return fmt.Errorf("backoff_base: %w", err)
		}
		p.BackoffBase = d
	}
	if req.BackoffCap != "" {
		d, err := time.ParseDuration(req.BackoffCap)
		if err != nil {
			return fmt.Errorf("backoff_cap: %w", err)
		}
		p.BackoffCap = d
	}
	p.BackoffMultiplier = req.BackoffMultiplier
	p.BackoffJitter = req.BackoffJitter
	p.MaxAttempts = req.MaxAttempts
	p.AuthMaxAttempts = req.AuthMaxAttempts
	return nil
}

func CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var profile database.Profile
	if err := applyProfileRequest(&profile, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if existing, err := database.GetProfileByName(req.Name); err == nil && existing != nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("Profile %q already exists", req.Name))
		return
	}
	if err := database.CreateProfile(&profile); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create profile: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, toProfileResponse(&profile))
}

func ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := database.ListProfiles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list profiles: %v", err))
		return
	}
	out := make([]profileResponse, 0, len(profiles))
	for i := range profiles {
		out = append(out, toProfileResponse(&profiles[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, ok := profileFromURL(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(profile))
}

func UpdateProfile(w http.ResponseWriter, r *http.Request) {
	profile, ok := profileFromURL(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := applyProfileRequest(profile, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := database.UpdateProfile(profile); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to update profile: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, toProfileResponse(profile))
}

func DeleteProfile(w http.ResponseWriter, r *http.Request) {
	profile, ok := profileFromURL(w, r)
	if !ok {
		return
	}
	for _, t := range Registry.Snapshot() {
		if t.ProfileID == profile.ID {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("Profile %q is referenced by tunnel %s", profile.Name, t.ID))
			return
		}
	}
	if err := database.DeleteProfile(profile.ID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to delete profile: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func profileFromURL(w http.ResponseWriter, r *http.Request) (*database.Profile, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid profile ID")
		return nil, false
	}
	profile, err := database.GetProfile(uint(id))
	if err != nil {
		writeError(w, http.StatusNotFound, "Profile not found")
		return nil, false
	}
	return profile, true
}
