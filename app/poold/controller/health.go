package controller

import (
	"net/http"
)

// HandleHealth reports liveness. The daemon is unhealthy once the engine stops.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	select {
	case <-c.App.Engine.Done():
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "errored", "error": "settlement engine stopped"})
		return
	default:
	}

	resp := map[string]interface{}{
		"status":      "healthy",
		"daemon":      "poold",
		"pools":       c.App.Engine.Pools(),
		"intents":     c.App.Intents.Len(),
		"event_sinks": c.App.Events.Sinks(),
	}
	if c.App.RedisClient != nil {
		if err := c.App.RedisClient.Health(r.Context()); err != nil {
			resp["redis"] = "unreachable"
		} else {
			resp["redis"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
