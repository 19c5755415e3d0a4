package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/rxdictate/internal/audio"
	"github.com/ent0n29/rxdictate/internal/backup"
	"github.com/ent0n29/rxdictate/internal/observability"
	"github.com/ent0n29/rxdictate/internal/policy"
	"github.com/ent0n29/rxdictate/internal/protocol"
	"github.com/ent0n29/rxdictate/internal/registry"
	"github.com/ent0n29/rxdictate/internal/sanitize"
	"github.com/ent0n29/rxdictate/internal/store"
	"github.com/ent0n29/rxdictate/internal/textgen"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrEmptyTranscript     = errors.New("transcript is empty")
	ErrEmptyNote           = errors.New("note is empty")
)

// Completer is the text-generation surface the pipeline needs.
type Completer interface {
	Complete(ctx context.Context, task registry.Task, prompt string, opts textgen.Options) (textgen.Result, error)
}

// Transcriber runs offline transcription for uploads.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error)
}

// MacroSource returns an owner's macro list.
type MacroSource interface {
	Macros(ctx context.Context, ownerID string) ([]store.Macro, error)
}

// Item is one row of the prescribed-items table.
type Item struct {
	Item      string `json:"item"`
	Molecule  string `json:"molecule"`
	Dose      string `json:"dose"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

// Result is a sanitized note and the balance left after producing it.
type Result struct {
	HTML             string `json:"html"`
	RemainingCredits int64  `json:"remainingCredits"`
	Items            []Item `json:"items,omitempty"`
	Transcript       string `json:"transcript,omitempty"`
}

type Deps struct {
	Gateway     Completer
	Transcriber Transcriber
	Ledger      store.Ledger
	Macros      MacroSource
	Notes       store.NoteStore
	Backup      backup.Store
	Sanitizer   *sanitize.Sanitizer
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Pipeline turns transcripts and notes into sanitized HTML behind a one
// credit gate per call.
type Pipeline struct {
	gateway     Completer
	transcriber Transcriber
	ledger      store.Ledger
	macros      MacroSource
	notes       store.NoteStore
	backup      backup.Store
	sanitizer   *sanitize.Sanitizer
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

func New(deps Deps) *Pipeline {
	p := &Pipeline{
		gateway:     deps.Gateway,
		transcriber: deps.Transcriber,
		ledger:      deps.Ledger,
		macros:      deps.Macros,
		notes:       deps.Notes,
		backup:      deps.Backup,
		sanitizer:   deps.Sanitizer,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		now:         deps.Now,
	}
	if p.sanitizer == nil {
		p.sanitizer = sanitize.New()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Finalize drafts or merges a note from a dictation transcript.
func (p *Pipeline) Finalize(ctx context.Context, ownerID, transcript, noteContext string) (Result, error) {
	if strings.TrimSpace(transcript) == "" {
		return Result{}, ErrEmptyTranscript
	}
	start := p.now()
	ctx, span := observability.StartSpan(ctx, "finalize.finalize", attribute.Bool("merge", strings.TrimSpace(noteContext) != ""))
	res, backend, err := p.finalize(ctx, ownerID, transcript, noteContext)
	observability.EndSpan(span, err)
	if err == nil {
		p.metrics.ObserveFinalizeLatency(backend, p.now().Sub(start))
	}
	return res, err
}

// finalize also reports the text backend that drafted the note.
func (p *Pipeline) finalize(ctx context.Context, ownerID, transcript, noteContext string) (Result, string, error) {
	if err := p.deduct(ctx, ownerID); err != nil {
		return Result{}, "", err
	}

	var macros []store.Macro
	if p.macros != nil {
		m, err := p.macros.Macros(ctx, ownerID)
		if err != nil {
			return Result{}, "", fmt.Errorf("load macros: %w", err)
		}
		macros = m
	}

	completion, err := p.gateway.Complete(ctx, registry.TaskTextScribe, buildScribePrompt(transcript, noteContext, macros), textgen.Options{})
	if err != nil {
		return Result{}, "", err
	}
	html := p.clean(completion.RawText)

	remaining, err := p.ledger.Balance(ctx, ownerID)
	if err != nil {
		return Result{}, "", fmt.Errorf("read balance: %w", err)
	}
	p.saveNote(ctx, ownerID, store.NoteKindFinalize, transcript, html, completion)
	return Result{HTML: html, RemainingCredits: remaining}, completion.BackendID, nil
}

// FinalizeFromAudio transcribes an uploaded recording and finalizes the
// result. A blank transcript fails before any credit is taken.
func (p *Pipeline) FinalizeFromAudio(ctx context.Context, ownerID string, data []byte, filename, mimeType, noteContext string) (Result, error) {
	if len(data) == 0 {
		return Result{}, protocol.ErrInvalidAudioPayload
	}
	p.storeBackup(ctx, ownerID, data, filename, mimeType)

	data, filename, mimeType = audio.PrepareUpload(data, filename, mimeType)
	transcript, err := p.transcriber.Transcribe(ctx, data, filename, mimeType)
	if err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(transcript) == "" {
		return Result{}, ErrEmptyTranscript
	}

	res, err := p.Finalize(ctx, ownerID, transcript, noteContext)
	if err != nil {
		return Result{}, err
	}
	res.Transcript = transcript
	return res, nil
}

// Review cleans an existing note without adding medical content.
func (p *Pipeline) Review(ctx context.Context, ownerID, note string) (Result, error) {
	if strings.TrimSpace(note) == "" {
		return Result{}, ErrEmptyNote
	}
	ctx, span := observability.StartSpan(ctx, "finalize.review")
	res, err := p.review(ctx, ownerID, note)
	observability.EndSpan(span, err)
	return res, err
}

func (p *Pipeline) review(ctx context.Context, ownerID, note string) (Result, error) {
	if err := p.deduct(ctx, ownerID); err != nil {
		return Result{}, err
	}
	completion, err := p.gateway.Complete(ctx, registry.TaskTextReview, buildReviewPrompt(note), textgen.Options{})
	if err != nil {
		return Result{}, err
	}
	html := p.clean(completion.RawText)
	remaining, err := p.ledger.Balance(ctx, ownerID)
	if err != nil {
		return Result{}, fmt.Errorf("read balance: %w", err)
	}
	p.saveNote(ctx, ownerID, store.NoteKindReview, "", html, completion)
	return Result{HTML: html, RemainingCredits: remaining}, nil
}

// Format normalizes an existing note and returns its prescribed items.
func (p *Pipeline) Format(ctx context.Context, ownerID, note string) (Result, error) {
	if strings.TrimSpace(note) == "" {
		return Result{}, ErrEmptyNote
	}
	ctx, span := observability.StartSpan(ctx, "finalize.format")
	res, err := p.format(ctx, ownerID, note)
	observability.EndSpan(span, err)
	return res, err
}

func (p *Pipeline) format(ctx context.Context, ownerID, note string) (Result, error) {
	if err := p.deduct(ctx, ownerID); err != nil {
		return Result{}, err
	}
	completion, err := p.gateway.Complete(ctx, registry.TaskTextFormat, buildFormatPrompt(note), textgen.Options{Schema: formatSchema()})
	if err != nil {
		return Result{}, err
	}
	rawHTML, items := parseFormatted(completion.RawText)
	html := p.clean(rawHTML)
	remaining, err := p.ledger.Balance(ctx, ownerID)
	if err != nil {
		return Result{}, fmt.Errorf("read balance: %w", err)
	}
	p.saveNote(ctx, ownerID, store.NoteKindFormat, "", html, completion)
	return Result{HTML: html, RemainingCredits: remaining, Items: items}, nil
}

func (p *Pipeline) deduct(ctx context.Context, ownerID string) error {
	ok, err := p.ledger.DeductIfPositive(ctx, ownerID)
	if err != nil {
		p.metrics.IncCreditDecision("error")
		return fmt.Errorf("deduct credit: %w", err)
	}
	if !ok {
		p.metrics.IncCreditDecision("rejected")
		return ErrInsufficientCredits
	}
	p.metrics.IncCreditDecision("granted")
	return nil
}

func (p *Pipeline) clean(raw string) string {
	return p.sanitizer.HTML(sanitize.StripCodeFences(raw))
}

func (p *Pipeline) saveNote(ctx context.Context, ownerID string, kind store.NoteKind, transcript, html string, completion textgen.Result) {
	if p.notes == nil {
		return
	}
	redacted, _ := policy.RedactPII(transcript)
	record := store.NoteRecord{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Kind:       kind,
		Transcript: redacted,
		HTML:       html,
		BackendID:  completion.BackendID,
		ModelID:    completion.ModelID,
		CreatedAt:  p.now().UTC(),
	}
	if err := p.notes.SaveNote(ctx, record); err != nil {
		p.logger.Warn().Err(err).Str("owner_id", ownerID).Str("kind", string(kind)).Msg("save note failed")
	}
}

func (p *Pipeline) storeBackup(ctx context.Context, ownerID string, data []byte, filename, mimeType string) {
	if p.backup == nil {
		return
	}
	key := backup.ObjectKey(ownerID, filename, p.now())
	if err := p.backup.Put(ctx, key, data, mimeType); err != nil {
		p.logger.Warn().Err(err).Str("owner_id", ownerID).Str("key", key).Msg("backup upload failed")
		return
	}
	p.logger.Debug().Str("owner_id", ownerID).Str("key", key).Int("bytes", len(data)).Msg("backup stored")
}

// parseFormatted reads the structured format response. Text that is not the
// expected object is treated as HTML with no items.
func parseFormatted(raw string) (string, []Item) {
	text := sanitize.StripCodeFences(raw)
	var out struct {
		HTML  string `json:"html"`
		Items []Item `json:"items"`
	}
	if err := json.Unmarshal([]byte(text), &out); err == nil && out.HTML != "" {
		return out.HTML, out.Items
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		if err := json.Unmarshal([]byte(text[i:j+1]), &out); err == nil && out.HTML != "" {
			return out.HTML, out.Items
		}
	}
	return text, nil
}

// Preview returns a short redacted excerpt of a transcript for logs.
func Preview(transcript string) string {
	const limit = 80
	redacted, _ := policy.RedactPII(strings.TrimSpace(transcript))
	if utf8.RuneCountInString(redacted) <= limit {
		return redacted
	}
	runes := []rune(redacted)
	return string(runes[:limit]) + "..."
}
