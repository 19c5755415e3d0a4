package textgen

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

// Resolver maps a task to a backend selection.
type Resolver interface {
	Resolve(task registry.Task) registry.Selection
}

// Gateway dispatches completions to the backend the resolver picks.
// It never retries; a failed call is returned to the caller.
type Gateway struct {
	resolver Resolver
	backends map[string]Backend
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewGateway(resolver Resolver, metrics *observability.Metrics, logger zerolog.Logger, backends ...Backend) *Gateway {
	g := &Gateway{
		resolver: resolver,
		backends: make(map[string]Backend, len(backends)),
		metrics:  metrics,
		logger:   logger,
	}
	for _, b := range backends {
		g.backends[b.ID()] = b
	}
	return g
}

// Complete resolves task, calls the selected backend and returns its raw text.
func (g *Gateway) Complete(ctx context.Context, task registry.Task, prompt string, opts Options) (Result, error) {
	sel := g.resolver.Resolve(task)
	b, ok := g.backends[sel.BackendID]
	if !ok {
		return Result{}, provider.Unsupported(sel.BackendID)
	}
	if !b.Configured() {
		return Result{}, provider.NotConfigured(sel.BackendID)
	}

	ctx, span := observability.StartSpan(ctx, "textgen.complete",
		attribute.String("task", string(task)),
		attribute.String("backend", sel.BackendID),
		attribute.String("model", sel.ModelID),
		attribute.Bool("structured", opts.structured()),
	)
	start := time.Now()
	res, err := g.complete(ctx, b, sel, prompt, opts)
	observability.EndSpan(span, err)

	g.metrics.ObserveProviderCall(string(task), sel.BackendID, err)
	if err != nil {
		var ce *provider.CallError
		if errors.As(err, &ce) {
			g.metrics.IncProviderError(sel.BackendID, ce.Code)
		}
		g.logger.Warn().Err(err).
			Str("task", string(task)).
			Str("backend", sel.BackendID).
			Str("model", sel.ModelID).
			Msg("text completion failed")
		return Result{}, err
	}
	g.metrics.ObserveStage(observability.StageTextCompletion, sel.BackendID, time.Since(start))
	return res, nil
}

func (g *Gateway) complete(ctx context.Context, b Backend, sel registry.Selection, prompt string, opts Options) (Result, error) {
	res := Result{BackendID: sel.BackendID, ModelID: sel.ModelID}
	if !opts.structured() {
		text, err := b.CompletePlain(ctx, sel.ModelID, prompt)
		if err != nil {
			return Result{}, err
		}
		res.RawText = text
		return res, nil
	}

	attempt, err := b.AttemptStructured(ctx, sel.ModelID, prompt, opts.Schema)
	if err != nil {
		return Result{}, err
	}
	if !attempt.Unsupported {
		res.RawText = attempt.Text
		return res, nil
	}

	// One plain-text retry with the shape spelled out in the prompt.
	g.metrics.IncStructuredFallback(sel.BackendID)
	g.logger.Info().Str("backend", sel.BackendID).Str("model", sel.ModelID).Msg("structured output unsupported, retrying as plain text")
	text, err := b.CompletePlain(ctx, sel.ModelID, prompt+structuredInstruction(opts.Schema))
	if err != nil {
		return Result{}, err
	}
	res.RawText = text
	res.FellBack = true
	return res, nil
}
