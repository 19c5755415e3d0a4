package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/rxdictate/internal/auth"
	"github.com/ent0n29/rxdictate/internal/store"
)

const (
	defaultNotesLimit = 20
	maxNotesLimit     = 100
)

type noteRequest struct {
	Note string `json:"note" validate:"required"`
}

type creditsResponse struct {
	OwnerID string `json:"owner_id"`
	Credits int64  `json:"credits"`
}

type profileRequest struct {
	PronunciationHints string        `json:"pronunciation_hints" validate:"max=4000"`
	Macros             []store.Macro `json:"macros" validate:"max=200"`
}

// handleUpload accepts a recorded dictation as multipart form data with an
// "audio" file and an optional "context" field holding the current note.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "upload_too_large", "audio exceeds the upload limit")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "expected multipart form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "audio file is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "could not read audio file")
		return
	}

	owner := auth.OwnerFrom(r.Context())
	res, err := s.pipeline.FinalizeFromAudio(r.Context(), owner, data, header.Filename, header.Header.Get("Content-Type"), r.FormValue("context"))
	if err != nil {
		s.respondPipelineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	res, err := s.pipeline.Review(r.Context(), auth.OwnerFrom(r.Context()), req.Note)
	if err != nil {
		s.respondPipelineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleFormat(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	res, err := s.pipeline.Format(r.Context(), auth.OwnerFrom(r.Context()), req.Note)
	if err != nil {
		s.respondPipelineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	limit := defaultNotesLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxNotesLimit {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	notes, err := s.store.RecentNotes(r.Context(), auth.OwnerFrom(r.Context()), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list notes failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "could not list notes")
		return
	}
	if notes == nil {
		notes = []store.NoteRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFrom(r.Context())
	balance, err := s.store.Balance(r.Context(), owner)
	if err != nil {
		s.logger.Error().Err(err).Msg("read balance failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "could not read balance")
		return
	}
	respondJSON(w, http.StatusOK, creditsResponse{OwnerID: owner, Credits: balance})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFrom(r.Context())
	hints, err := s.store.PronunciationHints(r.Context(), owner)
	if err != nil {
		s.logger.Error().Err(err).Msg("read hints failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "could not read profile")
		return
	}
	macros, err := s.store.Macros(r.Context(), owner)
	if err != nil {
		s.logger.Error().Err(err).Msg("read macros failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "could not read profile")
		return
	}
	if macros == nil {
		macros = []store.Macro{}
	}
	respondJSON(w, http.StatusOK, store.Profile{OwnerID: owner, PronunciationHints: hints, Macros: macros})
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	for _, m := range req.Macros {
		if strings.TrimSpace(m.Trigger) == "" || strings.TrimSpace(m.Expansion) == "" {
			respondError(w, http.StatusBadRequest, "invalid_request", "macros need a trigger and an expansion")
			return
		}
	}
	profile := store.Profile{
		OwnerID:            auth.OwnerFrom(r.Context()),
		PronunciationHints: strings.TrimSpace(req.PronunciationHints),
		Macros:             req.Macros,
	}
	if err := s.store.SaveProfile(r.Context(), profile); err != nil {
		s.logger.Error().Err(err).Msg("save profile failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "could not save profile")
		return
	}
	if profile.Macros == nil {
		profile.Macros = []store.Macro{}
	}
	respondJSON(w, http.StatusOK, profile)
}
