package database

import (
	"encoding/json"
	"fmt"
	"time"
)

// Auth method values for Profile.AuthMethod.
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// Host key policy values for Profile.HostKeyPolicy.
const (
	HostKeyInsecure   = "insecure"
	HostKeyKnownHosts = "known_hosts"
)

// Profile is a stored SSH tunnel configuration. A profile is immutable while
// a tunnel bound to it is running; edits only affect later starts.
type Profile struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name     string `gorm:"uniqueIndex;not null" json:"name"`
	Host     string `gorm:"not null" json:"host"`
	Port     int    `gorm:"not null;default:22" json:"port"`
	Username string `gorm:"not null" json:"username"`

	AuthMethod        string `gorm:"not null;default:key" json:"auth_method"`
	EncryptedPassword string `json:"-"` // Fernet-encrypted
	KeyPath           string `json:"key_path,omitempty"`
	HostKeyPolicy     string `gorm:"not null;default:insecure" json:"host_key_policy"`

	// ForwardsJSON holds the forward specs as a JSON array.
	ForwardsJSON string `gorm:"type:text;default:'[]'" json:"-"`

	// Reconnect policy. Zero values fall back to the daemon-wide defaults.
	BackoffBase       time.Duration `json:"backoff_base,omitempty"`
	BackoffMultiplier float64       `json:"backoff_multiplier,omitempty"`
	BackoffCap        time.Duration `json:"backoff_cap,omitempty"`
	BackoffJitter     float64       `json:"backoff_jitter,omitempty"`
	MaxAttempts       int           `json:"max_attempts,omitempty"`
	AuthMaxAttempts   int           `json:"auth_max_attempts,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ForwardSpec describes a single port forward carried by a tunnel.
type ForwardSpec struct {
	// Type is "local" (ssh -L) or "remote" (ssh -R).
	Type     string `json:"type"`
	BindAddr string `json:"bind_addr,omitempty"` // defaults to 127.0.0.1
	BindPort int    `json:"bind_port"`
	Host     string `json:"host"` // forward destination
	Port     int    `json:"port"`
}

// Forward type values.
const (
	ForwardLocal  = "local"
	ForwardRemote = "remote"
)

// Forwards parses the profile's forward specs.
func (p *Profile) Forwards() ([]ForwardSpec, error) {
	if p.ForwardsJSON == "" {
		return nil, nil
	}
	var specs []ForwardSpec
	if err := json.Unmarshal([]byte(p.ForwardsJSON), &specs); err != nil {
		return nil, fmt.Errorf("parse forwards for profile %d: %w", p.ID, err)
	}
	return specs, nil
}

// SetForwards stores the forward specs on the profile.
func (p *Profile) SetForwards(specs []ForwardSpec) error {
	b, err := json.Marshal(specs)
	if err != nil {
		return fmt.Errorf("marshal forwards: %w", err)
	}
	p.ForwardsJSON = string(b)
	return nil
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
