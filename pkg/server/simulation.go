package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gridtrade/gridtrade/pkg/log"
	"github.com/gridtrade/gridtrade/pkg/types"
)

type statusResponse struct {
	Status string `json:"status"`
}

type speedResponse struct {
	Speed int `json:"speed"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, s.sim.State())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.sim.Start(r.Context())
	writeJSON(w, statusResponse{Status: "started"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.sim.Pause(r.Context())
	writeJSON(w, statusResponse{Status: "paused"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.sim.Reset(r.Context())
	writeJSON(w, statusResponse{Status: "reset"})
}

// handleSpeed accepts the speed as a query parameter. Out-of-range values are
// clamped by the simulation; only a non-integer is rejected.
func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	raw := r.URL.Query().Get("speed")
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "invalid speed", slog.String("speed", raw))
		writeJSONError(w, "speed must be an integer", http.StatusBadRequest)
		return
	}
	writeJSON(w, speedResponse{Speed: s.sim.SetSpeed(ctx, n)})
}

func (s *Server) handleMarketPrices(w http.ResponseWriter, r *http.Request) {
	prices := s.sim.PriceHistory()
	if prices == nil {
		prices = []types.PricePoint{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, prices)
}
