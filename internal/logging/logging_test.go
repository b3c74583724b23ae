package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tunneld/tunneld/internal/config"
)

func setupLogFile(t *testing.T, content string) {
	t.Helper()
	old := config.Cfg
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "test.log")
	if err := os.WriteFile(config.Cfg.LogPath, []byte(content), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	t.Cleanup(func() { config.Cfg = old })
}

func TestReadTail(t *testing.T) {
	setupLogFile(t, "one\ntwo\nthree\nfour\n")

	got, err := ReadTail(2)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if got != "three\nfour" {
		t.Fatalf("unexpected tail: %q", got)
	}

	got, err = ReadTail(100)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	if got != "one\ntwo\nthree\nfour" {
		t.Fatalf("unexpected full read: %q", got)
	}
}

func TestReadTailMissingFile(t *testing.T) {
	old := config.Cfg
	config.Cfg.LogPath = filepath.Join(t.TempDir(), "absent.log")
	t.Cleanup(func() { config.Cfg = old })

	got, err := ReadTail(10)
	if err != nil || got != "" {
		t.Fatalf("expected empty result for missing file, got %q (%v)", got, err)
	}
}

func TestClear(t *testing.T) {
	setupLogFile(t, "stale\n")

	if err := Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err := ReadTail(10)
	if err != nil || got != "" {
		t.Fatalf("expected empty log after clear, got %q (%v)", got, err)
	}
}
