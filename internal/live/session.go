package live

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/ent0n29/rxdictate/internal/finalize"
	"github.com/ent0n29/rxdictate/internal/logging"
	"github.com/ent0n29/rxdictate/internal/observability"
	"github.com/ent0n29/rxdictate/internal/protocol"
	"github.com/ent0n29/rxdictate/internal/registry"
	"github.com/ent0n29/rxdictate/internal/reliability"
	"github.com/ent0n29/rxdictate/internal/transcription"
)

// State is the lifecycle of one dictation segment's provider channel.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MinTranscriptChars is the shortest transcript, in non-whitespace
// characters, that is worth finalizing.
const MinTranscriptChars = 2

// DefaultOpenRetryDelay spaces channel-open attempts after a failed open.
// Consecutive failures double the delay up to MaxOpenRetryDelay.
const (
	DefaultOpenRetryDelay = time.Second
	MaxOpenRetryDelay     = 16 * time.Second
)

// Streamer resolves the live transcription backend.
type Streamer interface {
	Streaming() (transcription.StreamingBackend, registry.Selection, bool)
}

// HintSource supplies keyword boosts for an owner.
type HintSource interface {
	PronunciationHints(ctx context.Context, ownerID string) (string, error)
}

type Finalizer interface {
	Finalize(ctx context.Context, ownerID, transcript, noteContext string) (finalize.Result, error)
}

// Emitter delivers server messages to the client in call order.
type Emitter interface {
	Emit(msg any) error
}

type Config struct {
	ConnectionID   string
	OwnerID        string
	Language       string
	Streamer       Streamer
	Hints          HintSource
	Finalizer      Finalizer
	Emitter        Emitter
	Clock          Clock
	OpenRetryDelay time.Duration
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

// Session drives one client connection's live transcription.
type Session struct {
	cfg     Config
	clock   Clock
	metrics *observability.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	supportOnce sync.Once
	backend     transcription.StreamingBackend
	selection   registry.Selection
	supported   bool

	mu            sync.Mutex
	state         State
	gen           uint64
	channel       transcription.Channel
	stopKeepAlive chan struct{}
	finals        []string
	fallbackSent  bool
	openedAt      time.Time
	sawFragment   bool
	retryAfter    time.Time
	openFailures  int
	openInFlight  bool
	openCancel    context.CancelFunc
	done          bool

	framesForwarded atomic.Int64

	wg sync.WaitGroup
}

// NewSession requires an authenticated owner; the caller rejects the
// connection before getting here otherwise.
func NewSession(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.OpenRetryDelay <= 0 {
		cfg.OpenRetryDelay = DefaultOpenRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger: cfg.Logger.With().
			Str(logging.FieldConnectionID, cfg.ConnectionID).
			Str(logging.FieldOwnerID, cfg.OwnerID).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FramesForwarded counts frames accepted by a provider channel.
func (s *Session) FramesForwarded() int64 {
	return s.framesForwarded.Load()
}

func (s *Session) resolveStreaming() (transcription.StreamingBackend, registry.Selection, bool) {
	s.supportOnce.Do(func() {
		s.backend, s.selection, s.supported = s.cfg.Streamer.Streaming()
		if !s.supported {
			s.logger.Info().Str(logging.FieldBackend, s.selection.BackendID).Msg("live backend cannot stream, frames will be dropped")
		}
	})
	return s.backend, s.selection, s.supported
}

// HandleAudio forwards one PCM frame, opening a channel on the first frame
// of a segment. Frames that cannot be forwarded right now are dropped.
func (s *Session) HandleAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	backend, sel, ok := s.resolveStreaming()

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if !ok {
		notify := !s.fallbackSent
		s.fallbackSent = true
		s.mu.Unlock()
		s.metrics.IncFrameDropped("streaming_unsupported")
		if notify {
			s.metrics.IncSessionEvent("fallback_unsupported")
			s.emit(protocol.NewFallbackToUpload())
		}
		return
	}

	switch s.state {
	case StateClosed:
		// A cancelled attempt still holds the slot until its Open returns.
		if s.openInFlight {
			s.mu.Unlock()
			s.metrics.IncFrameDropped("open_in_flight")
			return
		}
		if now := s.clock.Now(); now.Before(s.retryAfter) {
			s.mu.Unlock()
			s.metrics.IncFrameDropped("open_backoff")
			return
		}
		s.state = StateOpening
		s.gen++
		gen := s.gen
		s.openedAt = s.clock.Now()
		s.sawFragment = false
		openCtx, cancel := context.WithCancel(s.ctx)
		s.openCancel = cancel
		s.openInFlight = true
		s.wg.Add(1)
		s.mu.Unlock()
		s.metrics.IncFrameDropped("not_ready")
		s.metrics.IncSessionEvent("channel_opening")
		go s.open(openCtx, cancel, gen, backend, sel)
	case StateOpen:
		ch, gen := s.channel, s.gen
		s.mu.Unlock()
		if err := ch.Send(frame); err != nil {
			s.channelFailed(gen, err)
			return
		}
		s.framesForwarded.Add(1)
		s.metrics.IncFrameForwarded(sel.BackendID)
	default:
		s.mu.Unlock()
		s.metrics.IncFrameDropped("not_ready")
	}
}

func (s *Session) open(ctx context.Context, cancel context.CancelFunc, gen uint64, backend transcription.StreamingBackend, sel registry.Selection) {
	defer s.wg.Done()
	defer cancel()

	cfg := transcription.StreamConfig{
		Model:          sel.ModelID,
		Language:       s.cfg.Language,
		Keywords:       s.keywords(ctx),
		InterimResults: true,
	}
	ch, err := backend.Open(ctx, cfg)

	s.mu.Lock()
	s.openInFlight = false
	s.openCancel = nil
	if s.gen != gen || s.state != StateOpening || s.done {
		s.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	if err != nil {
		s.state = StateClosed
		s.retryAfter = s.clock.Now().Add(reliability.ExponentialBackoff(s.openFailures, s.cfg.OpenRetryDelay, MaxOpenRetryDelay))
		s.openFailures++
		s.mu.Unlock()
		s.metrics.IncSessionEvent("channel_open_failed")
		s.logger.Warn().Err(err).Str(logging.FieldBackend, sel.BackendID).Str(logging.FieldModel, sel.ModelID).Msg("open transcription channel failed")
		return
	}
	s.state = StateOpen
	s.openFailures = 0
	s.channel = ch
	stop := make(chan struct{})
	s.stopKeepAlive = stop
	ticker := s.clock.NewTicker(backend.KeepAliveInterval())
	elapsed := s.clock.Now().Sub(s.openedAt)
	s.wg.Add(2)
	s.mu.Unlock()

	s.metrics.IncSessionEvent("channel_open")
	s.metrics.ObserveStage(observability.StageChannelOpen, sel.BackendID, elapsed)
	s.logger.Debug().Str(logging.FieldBackend, sel.BackendID).Str(logging.FieldModel, sel.ModelID).Msg("transcription channel open")

	go s.keepAlive(ch, ticker, stop)
	go s.relay(gen, ch)
}

func (s *Session) keywords(ctx context.Context) []string {
	if s.cfg.Hints == nil {
		return nil
	}
	hints, err := s.cfg.Hints.PronunciationHints(ctx, s.cfg.OwnerID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("load pronunciation hints failed")
		return nil
	}
	var out []string
	for _, h := range strings.Split(hints, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func (s *Session) keepAlive(ch transcription.Channel, ticker Ticker, stop <-chan struct{}) {
	defer s.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if err := ch.KeepAlive(); err != nil {
				s.logger.Debug().Err(err).Msg("keep-alive failed")
			}
		}
	}
}

// relay emits fragments in provider order until the channel ends.
func (s *Session) relay(gen uint64, ch transcription.Channel) {
	defer s.wg.Done()
	for ev := range ch.Events() {
		if ev.Err != nil {
			s.channelFailed(gen, ev.Err)
			return
		}
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		if ev.Fragment.IsFinal && strings.TrimSpace(ev.Fragment.Text) != "" {
			s.finals = append(s.finals, strings.TrimSpace(ev.Fragment.Text))
		}
		first := !s.sawFragment
		s.sawFragment = true
		openedAt := s.openedAt
		s.mu.Unlock()

		if first {
			s.metrics.ObserveStage(observability.StageFirstFragment, s.selection.BackendID, s.clock.Now().Sub(openedAt))
		}
		s.emit(protocol.NewTranscriptFragment(ev.Fragment.Text, ev.Fragment.IsFinal))
	}
	s.channelFailed(gen, errors.New("channel closed by provider"))
}

// channelFailed tears down the channel for gen if it is still current.
func (s *Session) channelFailed(gen uint64, err error) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateOpen {
		s.mu.Unlock()
		return
	}
	ch, stop := s.beginClosingLocked()
	s.mu.Unlock()

	s.metrics.IncSessionEvent("channel_error")
	s.logger.Warn().Err(err).Str(logging.FieldBackend, s.selection.BackendID).Msg("transcription channel failed")
	s.finishClosing(ch, stop)
}

func (s *Session) teardown() {
	s.mu.Lock()
	ch, stop := s.beginClosingLocked()
	s.mu.Unlock()
	s.finishClosing(ch, stop)
}

func (s *Session) beginClosingLocked() (transcription.Channel, chan struct{}) {
	if s.state == StateClosed {
		return nil, nil
	}
	s.state = StateClosing
	s.gen++
	if s.openCancel != nil {
		s.openCancel()
		s.openCancel = nil
	}
	ch := s.channel
	s.channel = nil
	stop := s.stopKeepAlive
	s.stopKeepAlive = nil
	return ch, stop
}

func (s *Session) finishClosing(ch transcription.Channel, stop chan struct{}) {
	if stop != nil {
		close(stop)
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close transcription channel")
		}
	}
	s.mu.Lock()
	if s.state == StateClosing {
		s.state = StateClosed
	}
	s.mu.Unlock()
}

// Finalize ends the current segment. Transcripts too short to be useful, and
// connections whose backend cannot stream, are sent back to upload.
func (s *Session) Finalize(msg protocol.Finalize) {
	s.teardown()
	_, _, supported := s.resolveStreaming()

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	transcript := strings.TrimSpace(msg.Transcript)
	if transcript == "" {
		transcript = strings.Join(s.finals, " ")
	}
	s.finals = nil
	s.fallbackSent = false
	s.mu.Unlock()

	s.metrics.IncSessionEvent("finalize")
	if !supported || meaningfulChars(transcript) < MinTranscriptChars {
		s.metrics.IncSessionEvent("fallback_to_upload")
		s.emit(protocol.NewFallbackToUpload())
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Provider calls outlive a disconnect; the result is discarded.
		res, err := s.cfg.Finalizer.Finalize(context.WithoutCancel(s.ctx), s.cfg.OwnerID, transcript, msg.Context)
		if s.isDone() {
			s.logger.Debug().Err(err).Msg("finalize result discarded after disconnect")
			return
		}
		switch {
		case err == nil:
			s.emit(protocol.NewFinalizeResult(res.HTML, res.RemainingCredits))
		case errors.Is(err, finalize.ErrInsufficientCredits):
			s.emit(protocol.NewFinalizeError(protocol.ErrorInsufficientCredits))
		default:
			s.logger.Warn().Err(err).Str("transcript_preview", finalize.Preview(transcript)).Msg("finalize failed")
			s.emit(protocol.NewFinalizeError(protocol.ErrorProcessingFailed))
		}
	}()
}

// Disconnect tears down any open channel. Later calls are no-ops.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	s.cancel()
	s.teardown()
	s.metrics.IncSessionEvent("disconnect")
}

// Wait blocks until background work started by the session has returned.
func (s *Session) Wait() {
	s.wg.Wait()
}

func (s *Session) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Session) emit(msg any) {
	if err := s.cfg.Emitter.Emit(msg); err != nil {
		s.logger.Debug().Err(err).Msg("emit to client failed")
	}
}

func meaningfulChars(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
