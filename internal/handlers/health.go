package handlers

import (
	"net/http"

	"github.com/tunneld/tunneld/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	tunnels := 0
	if Registry != nil {
		tunnels = len(Registry.Snapshot())
	}
	subscribers := 0
	if Bus != nil {
		subscribers = Bus.SubscriberCount()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      status,
		"database":    dbStatus,
		"tunnels":     tunnels,
		"subscribers": subscribers,
	})
}
