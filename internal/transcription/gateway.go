package transcription

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/rxdictate/internal/observability"
	"github.com/ent0n29/rxdictate/internal/provider"
	"github.com/ent0n29/rxdictate/internal/registry"
)

type Resolver interface {
	Resolve(task registry.Task) registry.Selection
}

// Gateway routes transcription work to the backend the resolver picks.
type Gateway struct {
	resolver  Resolver
	oneShot   map[string]OneShotBackend
	streaming map[string]StreamingBackend
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewGateway(resolver Resolver, metrics *observability.Metrics, logger zerolog.Logger) *Gateway {
	return &Gateway{
		resolver:  resolver,
		oneShot:   make(map[string]OneShotBackend),
		streaming: make(map[string]StreamingBackend),
		metrics:   metrics,
		logger:    logger,
	}
}

func (g *Gateway) RegisterOneShot(b OneShotBackend) {
	g.oneShot[b.ID()] = b
}

func (g *Gateway) RegisterStreaming(b StreamingBackend) {
	g.streaming[b.ID()] = b
}

// Transcribe runs the offline transcription task. An empty transcript is
// returned as is.
func (g *Gateway) Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error) {
	sel := g.resolver.Resolve(registry.TaskTranscriptionOffline)
	b, ok := g.oneShot[sel.BackendID]
	if !ok {
		return "", provider.Unsupported(sel.BackendID)
	}
	if !b.Configured() {
		return "", provider.NotConfigured(sel.BackendID)
	}

	ctx, span := observability.StartSpan(ctx, "transcription.transcribe",
		attribute.String("backend", sel.BackendID),
		attribute.String("model", sel.ModelID),
		attribute.Int("audio_bytes", len(audio)),
	)
	start := time.Now()
	text, err := b.Transcribe(ctx, sel.ModelID, audio, filename, mimeType)
	observability.EndSpan(span, err)

	g.metrics.ObserveProviderCall(string(registry.TaskTranscriptionOffline), sel.BackendID, err)
	if err != nil {
		var ce *provider.CallError
		if errors.As(err, &ce) {
			g.metrics.IncProviderError(sel.BackendID, ce.Code)
		}
		g.logger.Warn().Err(err).Str("backend", sel.BackendID).Str("model", sel.ModelID).Msg("offline transcription failed")
		return "", err
	}
	g.metrics.ObserveStage(observability.StageOfflineTranscription, sel.BackendID, time.Since(start))
	return text, nil
}

// Streaming resolves the live task. ok is false when the resolved backend
// cannot stream or lacks credentials; callers fall back to upload.
func (g *Gateway) Streaming() (StreamingBackend, registry.Selection, bool) {
	sel := g.resolver.Resolve(registry.TaskTranscriptionLive)
	b, ok := g.streaming[sel.BackendID]
	if !ok || !b.Configured() {
		return nil, sel, false
	}
	return b, sel, true
}
