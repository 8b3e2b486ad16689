package httpapi

import (
	"net/http"
	"time"
)

// Counters supplies service-specific health counters. Implementations are
// free to return nil.
type Counters func() map[string]int64

// Health returns a GET /health handler reporting liveness, uptime, and the
// service's own counters inlined beside the standard fields.
func Health(service string, started time.Time, counters Counters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":         "ok",
			"service":        service,
			"started_at":     started.UTC().Format(time.RFC3339),
			"uptime_seconds": int64(time.Since(started).Seconds()),
		}
		if counters != nil {
			for name, value := range counters() {
				body[name] = value
			}
		}
		WriteJSON(w, http.StatusOK, body)
	}
}
