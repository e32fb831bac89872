package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/angeloszaimis/node-selector/internal/circuitbreaker"
	"github.com/angeloszaimis/node-selector/internal/selection"
)

// StatusSource is the read-only view of a selector served on the status route.
type StatusSource interface {
	Cached(ctx context.Context) (string, bool)
	State() selection.State
	IsInRegressedMode() bool
}

type Status struct {
	Selected  string            `json:"selected"`
	State     string            `json:"state"`
	Regressed bool              `json:"regressed"`
	Breakers  map[string]string `json:"breakers"`
}

// StatusHandler reports the cached selection without triggering a round.
func StatusHandler(src StatusSource, breakers *circuitbreaker.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		selected, _ := src.Cached(r.Context())

		status := Status{
			Selected:  selected,
			State:     src.State().String(),
			Regressed: src.IsInRegressedMode(),
			Breakers:  make(map[string]string),
		}
		for endpoint, state := range breakers.Stats() {
			status.Breakers[endpoint] = state.String()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}
