package client

// Wire types for the daemon API. These mirror the JSON the daemon serves;
// the package has no dependency on the daemon's internals.

// Tunnel is one row of the daemon's state table.
type Tunnel struct {
	ID          string `json:"id"`
	ProfileID   uint   `json:"profile_id"`
	ProfileName string `json:"profile_name"`
	State       string `json:"state"`
	Seq         uint64 `json:"seq"`
	LastError   string `json:"last_error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	RetryCount  int    `json:"retry_count"`
	ConnectedAt string `json:"connected_at,omitempty"`
	ChangedAt   string `json:"changed_at"`
	CreatedAt   string `json:"created_at"`
}

// TunnelEvent is one state change. Seq is strictly increasing per tunnel.
type TunnelEvent struct {
	TunnelID  string `json:"tunnel_id"`
	State     string `json:"state"`
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"timestamp"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
	Removed   bool   `json:"removed,omitempty"`
}

// ForwardSpec describes one port forward in a profile.
type ForwardSpec struct {
	Type     string `json:"type"`
	BindAddr string `json:"bind_addr,omitempty"`
	BindPort int    `json:"bind_port"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// Profile is a stored tunnel configuration as the API returns it. Secrets
// are never echoed back; HasPassword reports whether one is stored.
type Profile struct {
	ID            uint          `json:"id"`
	Name          string        `json:"name"`
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	Username      string        `json:"username"`
	AuthMethod    string        `json:"auth_method"`
	HasPassword   bool          `json:"has_password"`
	KeyPath       string        `json:"key_path,omitempty"`
	HostKeyPolicy string        `json:"host_key_policy"`
	Forwards      []ForwardSpec `json:"forwards"`

	BackoffBase       string  `json:"backoff_base,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	BackoffCap        string  `json:"backoff_cap,omitempty"`
	BackoffJitter     float64 `json:"backoff_jitter,omitempty"`
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	AuthMaxAttempts   int     `json:"auth_max_attempts,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ProfileSpec is the request body for creating or updating a profile.
type ProfileSpec struct {
	Name          string        `json:"name"`
	Host          string        `json:"host"`
	Port          int           `json:"port,omitempty"`
	Username      string        `json:"username"`
	AuthMethod    string        `json:"auth_method"`
	Password      string        `json:"password,omitempty"`
	KeyPath       string        `json:"key_path,omitempty"`
	HostKeyPolicy string        `json:"host_key_policy,omitempty"`
	Forwards      []ForwardSpec `json:"forwards"`

	BackoffBase       string  `json:"backoff_base,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
	BackoffCap        string  `json:"backoff_cap,omitempty"`
	BackoffJitter     float64 `json:"backoff_jitter,omitempty"`
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	AuthMaxAttempts   int     `json:"auth_max_attempts,omitempty"`
}

// Health is the daemon's health report.
type Health struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	Tunnels     int    `json:"tunnels"`
	Subscribers int    `json:"subscribers"`
}
