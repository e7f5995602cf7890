package server

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/camgate/internal/upstream"
)

// HealthReporter exposes the upstream health table.
type HealthReporter interface {
	Snapshot() []upstream.TargetStatus
}

type healthResponse struct {
	Status    string                  `json:"status"`
	Upstreams []upstream.TargetStatus `json:"upstreams"`
}

// HealthHandler reports gateway liveness and the status of every upstream.
// The gateway answers 200 while it is serving; status is "degraded" when any
// upstream is down.
func HealthHandler(health HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Upstreams: []upstream.TargetStatus{}}
		if health != nil {
			resp.Upstreams = health.Snapshot()
		}
		for _, u := range resp.Upstreams {
			if !u.Up {
				resp.Status = "degraded"
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
