package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8090"`
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// SSH session settings
	ConnectTimeout    time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	KnownHostsPath    string        `envconfig:"KNOWN_HOSTS_PATH" default:""`

	// Reconnect policy defaults, used when a profile leaves them unset
	BackoffBase       time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffMultiplier float64       `envconfig:"BACKOFF_MULTIPLIER" default:"2.0"`
	BackoffCap        time.Duration `envconfig:"BACKOFF_CAP" default:"1m"`
	BackoffJitter     float64       `envconfig:"BACKOFF_JITTER" default:"0"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"10"`
	AuthMaxAttempts   int           `envconfig:"AUTH_MAX_ATTEMPTS" default:"3"`

	// Event distribution settings
	EventHistorySize int `envconfig:"EVENT_HISTORY_SIZE" default:"100"`
	SubscriberBuffer int `envconfig:"SUBSCRIBER_BUFFER" default:"64"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TUNNELD", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "tunneld.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "tunneld.log")
	}
}
