// Package profiles imports tunnel profiles from YAML files. Used by the
// --import-profiles maintenance command to seed or update a daemon's
// profile store without going through the API.
package profiles

import (
	"fmt"
	"os"
	"time"

	"github.com/tunneld/tunneld/internal/crypto"
	"github.com/tunneld/tunneld/internal/database"
	"gopkg.in/yaml.v3"
)

type importFile struct {
	Profiles []importProfile `yaml:"profiles"`
}

type importProfile struct {
	Name          string `yaml:"name"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	AuthMethod    string `yaml:"auth_method"`
	Password      string `yaml:"password"`
	KeyPath       string `yaml:"key_path"`
	HostKeyPolicy string `yaml:"host_key_policy"`

	Forwards []importForward `yaml:"forwards"`

	BackoffBase       string  `yaml:"backoff_base"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	BackoffCap        string  `yaml:"backoff_cap"`
	BackoffJitter     float64 `yaml:"backoff_jitter"`
	MaxAttempts       int     `yaml:"max_attempts"`
	AuthMaxAttempts   int     `yaml:"auth_max_attempts"`
}

type importForward struct {
	Type     string `yaml:"type"`
	BindAddr string `yaml:"bind_addr"`
	BindPort int    `yaml:"bind_port"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
}

// ImportFile loads profiles from a YAML file into the database. Profiles are
// matched by name: existing ones are updated, the rest created. Returns the
// number created and updated.
func ImportFile(path string) (created, updated int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", path, err)
	}
	var file importFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return 0, 0, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Profiles) == 0 {
		return 0, 0, fmt.Errorf("%s contains no profiles", path)
	}

	for i := range file.Profiles {
		imp := &file.Profiles[i]
		isNew, err := importOne(imp)
		if err != nil {
			return created, updated, fmt.Errorf("profile %q: %w", imp.Name, err)
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}
	return created, updated, nil
}

func importOne(imp *importProfile) (isNew bool, err error) {
	if imp.Name == "" || imp.Host == "" || imp.Username == "" {
		return false, fmt.Errorf("name, host and username are required")
	}

	profile, err := database.GetProfileByName(imp.Name)
	if err != nil {
		profile = &database.Profile{}
		isNew = true
	}

	profile.Name = imp.Name
	profile.Host = imp.Host
	profile.Port = imp.Port
	if profile.Port == 0 {
		profile.Port = 22
	}
	profile.Username = imp.Username
	profile.AuthMethod = imp.AuthMethod
	if profile.AuthMethod == "" {
		profile.AuthMethod = database.AuthKey
	}
	profile.KeyPath = imp.KeyPath
	profile.HostKeyPolicy = imp.HostKeyPolicy
	if profile.HostKeyPolicy == "" {
		profile.HostKeyPolicy = database.HostKeyInsecure
	}

	if imp.Password != "" {
		enc, err := crypto.Encrypt(imp.Password)
		if err != nil {
			return isNew, fmt.Errorf("encrypt password: %w", err)
		}
		profile.EncryptedPassword = enc
	}
	if profile.AuthMethod == database.AuthPassword && profile.EncryptedPassword == "" {
		return isNew, fmt.Errorf("password auth requires a password")
	}

	specs := make([]database.ForwardSpec, 0, len(imp.Forwards))
	for _, fw := range imp.Forwards {
		if fw.Type != database.ForwardLocal && fw.Type != database.ForwardRemote {
			return isNew, fmt.Errorf("forward type must be %q or %q", database.ForwardLocal, database.ForwardRemote)
		}
		specs = append(specs, database.ForwardSpec{
			Type:     fw.Type,
			BindAddr: fw.BindAddr,
			BindPort: fw.BindPort,
			Host:     fw.Host,
			Port:     fw.Port,
		})
	}
	if err := profile.SetForwards(specs); err != nil {
		return isNew, err
	}

	if imp.BackoffBase != "" {
		d, err := time.ParseDuration(imp.BackoffBase)
		if err != nil {
			return isNew, fmt.Errorf("backoff_base: %w", err)
		}
		profile.BackoffBase = d
	}
	if imp.BackoffCap != "" {
		d, err := time.ParseDuration(imp.BackoffCap)
		if err != nil {
			return isNew, fmt.Errorf("backoff_cap: %w", err)
		}
		profile.BackoffCap = d
	}
	profile.BackoffMultiplier = imp.BackoffMultiplier
	profile.BackoffJitter = imp.BackoffJitter
	profile.MaxAttempts = imp.MaxAttempts
	profile.AuthMaxAttempts = imp.AuthMaxAttempts

	if isNew {
		return true, database.CreateProfile(profile)
	}
	return false, database.UpdateProfile(profile)
}
