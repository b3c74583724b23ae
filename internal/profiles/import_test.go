package profiles

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tunneld/tunneld/internal/config"
	"github.com/tunneld/tunneld/internal/crypto"
	"github.com/tunneld/tunneld/internal/database"
)

func setupTestDB(t *testing.T) {
	t.Helper()
	old := config.Cfg
	config.Cfg.DataPath = t.TempDir()
	config.Cfg.DatabasePath = filepath.Join(config.Cfg.DataPath, "test.db")
	if err := database.Init(); err != nil {
		t.Fatalf("init database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		database.DB = nil
		config.Cfg = old
	})
}

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	return path
}

func TestImportFileCreatesAndUpdates(t *testing.T) {
	setupTestDB(t)

	path := writeYAML(t, `
profiles:
  - name: db-prod
    host: bastion.example.test
    username: ops
    auth_method: password
    password: hunter2
    host_key_policy: insecure
    backoff_base: 2s
    max_attempts: 5
    forwards:
      - type: local
        bind_port: 5433
        host: localhost
        port: 5432
  - name: web-edge
    host: edge.example.test
    username: deploy
    forwards:
      - type: remote
        bind_port: 8080
        host: localhost
        port: 3000
`)

	created, updated, err := ImportFile(path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if created != 2 || updated != 0 {
		t.Fatalf("expected 2 created, got %d created / %d updated", created, updated)
	}

	p, err := database.GetProfileByName("db-prod")
	if err != nil {
		t.Fatalf("load imported profile: %v", err)
	}
	if p.BackoffBase != 2*time.Second || p.MaxAttempts != 5 {
		t.Fatalf("policy not imported: %+v", p)
	}
	if p.EncryptedPassword == "" || p.EncryptedPassword == "hunter2" {
		t.Fatal("password not encrypted")
	}
	if pw, err := crypto.Decrypt(p.EncryptedPassword); err != nil || pw != "hunter2" {
		t.Fatalf("stored password not decryptable: %q (%v)", pw, err)
	}
	forwards, _ := p.Forwards()
	if len(forwards) != 1 || forwards[0].BindPort != 5433 {
		t.Fatalf("forwards not imported: %+v", forwards)
	}

	// The unset auth method defaults to key.
	web, err := database.GetProfileByName("web-edge")
	if err != nil {
		t.Fatalf("load second profile: %v", err)
	}
	if web.AuthMethod != database.AuthKey {
		t.Fatalf("expected key auth default, got %q", web.AuthMethod)
	}

	// Re-importing the same file updates in place.
	created, updated, err = ImportFile(path)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if created != 0 || updated != 2 {
		t.Fatalf("expected 2 updated, got %d created / %d updated", created, updated)
	}
	all, _ := database.ListProfiles()
	if len(all) != 2 {
		t.Fatalf("re-import duplicated profiles: %d", len(all))
	}
}

func TestImportFileValidation(t *testing.T) {
	setupTestDB(t)

	cases := []struct {
		name    string
		content string
	}{
		{"empty", "profiles: []"},
		{"missing fields", "profiles:\n  - name: x\n"},
		{"password auth without password", `
profiles:
  - name: x
    host: h
    username: u
    auth_method: password
`},
		{"bad forward type", `
profiles:
  - name: x
    host: h
    username: u
    forwards:
      - type: sideways
        bind_port: 1
        host: h
        port: 1
`},
		{"bad duration", `
profiles:
  - name: x
    host: h
    username: u
    backoff_base: soon
`},
	}
	for _, c := range cases {
		path := writeYAML(t, c.content)
		if _, _, err := ImportFile(path); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}

func TestImportFileMissing(t *testing.T) {
	setupTestDB(t)
	if _, _, err := ImportFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
