package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tunneld/tunneld/internal/bus"
	"github.com/tunneld/tunneld/internal/config"
	"github.com/tunneld/tunneld/internal/database"
	"github.com/tunneld/tunneld/internal/handlers"
	"github.com/tunneld/tunneld/internal/logging"
	"github.com/tunneld/tunneld/internal/profiles"
	"github.com/tunneld/tunneld/internal/registry"
	"github.com/tunneld/tunneld/internal/sshdial"
	"github.com/tunneld/tunneld/internal/sshkeys"
	"github.com/tunneld/tunneld/internal/supervisor"
)

func main() {
	// Handle CLI commands before starting the daemon
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--import-profiles":
			runImportProfiles(os.Args[2:])
			return
		}
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: ListenAddr=%s, DataPath=%s, EventHistorySize=%d",
		config.Cfg.ListenAddr, config.Cfg.DataPath, config.Cfg.EventHistorySize)

	// Daemon identity key, used by key-auth profiles without an explicit key
	// path.
	signer, publicKey, err := sshkeys.EnsureKeyPair(config.Cfg.DataPath)
	if err != nil {
		log.Fatalf("SSH key init: %v", err)
	}
	log.Printf("SSH identity key ready (public key: %d bytes)", len(publicKey))

	broadcaster := bus.New(config.Cfg.SubscriberBuffer)
	reg := registry.New(config.Cfg.EventHistorySize, broadcaster)
	dialer := sshdial.New(signer)
	sup := supervisor.New(reg, database.GetProfile, dialer)
	handlers.Init(reg, broadcaster, sup)

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: handlers.Router(),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	sup.StopAll()
	broadcaster.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runImportProfiles(args []string) {
	if len(args) != 1 {
		log.Fatalf("Usage: tunneld --import-profiles <file.yaml>")
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	created, updated, err := profiles.ImportFile(args[0])
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	log.Printf("Imported profiles from %s: %d created, %d updated", args[0], created, updated)
}
