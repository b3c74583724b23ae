package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tunneld/tunneld/internal/logging"
)

// GetLogs returns the tail of the daemon's log file.
func GetLogs(w http.ResponseWriter, r *http.Request) {
	tail := 100
	if t := r.URL.Query().Get("tail"); t != "" {
		if v, err := strconv.Atoi(t); err == nil && v > 0 {
			tail = v
		}
	}
	content, err := logging.ReadTail(tail)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read logs: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}
