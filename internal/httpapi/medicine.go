package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/rxdictate/internal/medicine"
)

const defaultSuggestLimit = 10

type medicineQuery struct {
	Query string `validate:"required,max=200"`
	Mode  string `validate:"omitempty,oneof=brand molecule"`
	Limit int    `validate:"gte=0,lte=50"`
}

func (s *Server) medicineQuery(w http.ResponseWriter, r *http.Request) (medicineQuery, bool) {
	if s.medicine == nil {
		respondError(w, http.StatusServiceUnavailable, "catalogue_unavailable", "medicine catalogue is not loaded")
		return medicineQuery{}, false
	}
	q := medicineQuery{
		Query: strings.TrimSpace(r.URL.Query().Get("q")),
		Mode:  strings.ToLower(strings.TrimSpace(r.URL.Query().Get("mode"))),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a number")
			return medicineQuery{}, false
		}
		q.Limit = n
	}
	if err := s.validate.Struct(q); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", describeValidation(err))
		return medicineQuery{}, false
	}
	return q, true
}

func (s *Server) handleMedicineSearch(w http.ResponseWriter, r *http.Request) {
	q, ok := s.medicineQuery(w, r)
	if !ok {
		return
	}
	mode := medicine.ModeBrand
	if q.Mode == string(medicine.ModeMolecule) {
		mode = medicine.ModeMolecule
	}
	results := s.medicine.Search(q.Query, mode)
	if results == nil {
		results = []medicine.Result{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleMedicineSuggest(w http.ResponseWriter, r *http.Request) {
	q, ok := s.medicineQuery(w, r)
	if !ok {
		return
	}
	limit := q.Limit
	if limit == 0 {
		limit = defaultSuggestLimit
	}
	results := s.medicine.Suggest(q.Query, limit)
	if results == nil {
		results = []medicine.Result{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleMedicineValidate returns the best match, or an empty object.
func (s *Server) handleMedicineValidate(w http.ResponseWriter, r *http.Request) {
	q, ok := s.medicineQuery(w, r)
	if !ok {
		return
	}
	best, found := s.medicine.Validate(q.Query)
	if !found {
		respondJSON(w, http.StatusOK, map[string]any{})
		return
	}
	respondJSON(w, http.StatusOK, best)
}
