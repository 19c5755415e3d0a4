package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/rxdictate/internal/auth"
	"github.com/ent0n29/rxdictate/internal/finalize"
	"github.com/ent0n29/rxdictate/internal/live"
	"github.com/ent0n29/rxdictate/internal/medicine"
	"github.com/ent0n29/rxdictate/internal/observability"
	"github.com/ent0n29/rxdictate/internal/protocol"
	"github.com/ent0n29/rxdictate/internal/provider"
	"github.com/ent0n29/rxdictate/internal/registry"
	"github.com/ent0n29/rxdictate/internal/session"
	"github.com/ent0n29/rxdictate/internal/store"
)

const defaultMaxUploadBytes = 25 << 20

// Options are the request-handling settings taken from config.
type Options struct {
	AllowAnyOrigin bool
	MaxUploadBytes int64
	LiveLanguage   string
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Sessions *session.Manager
	Pipeline *finalize.Pipeline
	Streamer live.Streamer
	Store    store.Store
	Registry *registry.Registry
	Medicine *medicine.Engine
	Verifier *auth.Verifier
	Admin    *auth.Admin
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
	Clock    live.Clock
}

type Server struct {
	opts     Options
	sessions *session.Manager
	pipeline *finalize.Pipeline
	streamer live.Streamer
	store    store.Store
	registry *registry.Registry
	medicine *medicine.Engine
	verifier *auth.Verifier
	admin    *auth.Admin
	metrics  *observability.Metrics
	logger   zerolog.Logger
	clock    live.Clock
	validate *validator.Validate
	upgrader websocket.Upgrader
}

func New(opts Options, deps Deps) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Server{
		opts:     opts,
		sessions: deps.Sessions,
		pipeline: deps.Pipeline,
		streamer: deps.Streamer,
		store:    deps.Store,
		registry: deps.Registry,
		medicine: deps.Medicine,
		verifier: deps.Verifier,
		admin:    deps.Admin,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		clock:    deps.Clock,
		validate: newValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers must come from the same origin unless explicitly opened up.
				if opts.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handleResetPerfLatency)

	// The websocket authenticates itself so it can refuse before upgrading.
	r.Get("/v1/dictation/ws", s.handleDictationWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireOwner)
		r.Post("/v1/dictation/upload", s.handleUpload)
		r.Post("/v1/notes/review", s.handleReview)
		r.Post("/v1/notes/format", s.handleFormat)
		r.Get("/v1/notes", s.handleListNotes)
		r.Get("/v1/credits", s.handleCredits)
		r.Get("/v1/profile", s.handleGetProfile)
		r.Put("/v1/profile", s.handlePutProfile)
		r.Get("/v1/medicine/search", s.handleMedicineSearch)
		r.Get("/v1/medicine/suggest", s.handleMedicineSuggest)
		r.Get("/v1/medicine/validate", s.handleMedicineValidate)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Get("/v1/admin/providers", s.handleGetProviders)
		r.Put("/v1/admin/providers", s.handlePutProviders)
		r.Post("/v1/admin/credits", s.handleGrantCredits)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_connections": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("readiness check failed")
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "store is not reachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"medicine_loaded": s.medicine != nil && s.medicine.Size() > 0,
	})
}

func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := s.verifier.OwnerFromRequest(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", "a valid bearer token is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithOwner(r.Context(), owner)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.admin.Enabled() {
			respondError(w, http.StatusNotFound, "admin_disabled", "admin endpoints are not configured")
			return
		}
		if !s.admin.Check(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="rxdictate-admin"`)
			respondError(w, http.StatusUnauthorized, "unauthorized", "admin credentials required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respondPipelineError maps pipeline and provider failures to HTTP without
// leaking provider detail to the client.
func (s *Server) respondPipelineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, finalize.ErrInsufficientCredits):
		respondError(w, http.StatusPaymentRequired, protocol.ErrorInsufficientCredits, "no credits remaining")
	case errors.Is(err, finalize.ErrEmptyTranscript):
		respondError(w, http.StatusUnprocessableEntity, "empty_transcript", "no speech was recognized")
	case errors.Is(err, finalize.ErrEmptyNote):
		respondError(w, http.StatusBadRequest, "invalid_request", "note is required")
	case errors.Is(err, protocol.ErrInvalidAudioPayload):
		respondError(w, http.StatusBadRequest, "invalid_audio", "audio payload is empty or malformed")
	case errors.Is(err, provider.ErrNotConfigured), errors.Is(err, provider.ErrUnsupported):
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("provider unavailable")
		respondError(w, http.StatusServiceUnavailable, "provider_unavailable", "the configured provider is unavailable")
	default:
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("request processing failed")
		respondError(w, http.StatusBadGateway, protocol.ErrorProcessingFailed, "processing failed")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

// decodeAndValidate writes a 400 and returns false when the body is not a
// valid instance of out.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := decodeJSON(r, out); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", describeValidation(err))
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(msgs, "; ")
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.AudioFrame:
		return protocol.TypeStreamAudio, true
	case protocol.Finalize:
		return protocol.TypeFinalize, true
	case protocol.TranscriptFragment:
		return m.Type, true
	case protocol.FinalizeResult:
		return m.Type, true
	case protocol.FallbackToUpload:
		return m.Type, true
	default:
		return "", false
	}
}
