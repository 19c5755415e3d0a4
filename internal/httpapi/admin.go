package httpapi

import (
	"net/http"

	"github.com/ent0n29/rxdictate/internal/registry"
)

type providersResponse struct {
	Version    uint64               `json:"version"`
	Overrides  map[string]string    `json:"overrides"`
	Selections []registry.Selection `json:"selections"`
}

type grantRequest struct {
	OwnerID string `json:"owner_id" validate:"required"`
	Amount  int64  `json:"amount" validate:"gt=0,lte=100000"`
}

func (s *Server) providersSnapshot() providersResponse {
	return providersResponse{
		Version:    s.registry.Version(),
		Overrides:  s.registry.Overrides(),
		Selections: s.registry.Snapshot(),
	}
}

func (s *Server) handleGetProviders(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.providersSnapshot())
}

// handlePutProviders merges task overrides. Keys are task names, or
// "<task>:model" to pin a model; an empty value clears the key. Every
// backend id is checked before anything is stored.
func (s *Server) handlePutProviders(w http.ResponseWriter, r *http.Request) {
	var entries map[string]string
	if err := decodeJSON(r, &entries); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(entries) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "no overrides given")
		return
	}
	if err := registry.ValidateOverrides(entries); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_override", err.Error())
		return
	}
	if err := s.store.SaveOverrides(r.Context(), entries); err != nil {
		s.logger.Error().Err(err).Msg("save provider overrides failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "could not save overrides")
		return
	}
	s.registry.ApplyOverrides(entries)
	snap := s.providersSnapshot()
	s.logger.Info().Uint64("version", snap.Version).Int("keys", len(entries)).Msg("provider overrides updated")
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	balance, err := s.store.Grant(r.Context(), req.OwnerID, req.Amount)
	if err != nil {
		s.logger.Error().Err(err).Str("owner_id", req.OwnerID).Msg("grant credits failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "could not grant credits")
		return
	}
	s.logger.Info().Str("owner_id", req.OwnerID).Int64("amount", req.Amount).Int64("balance", balance).Msg("credits granted")
	respondJSON(w, http.StatusOK, creditsResponse{OwnerID: req.OwnerID, Credits: balance})
}
