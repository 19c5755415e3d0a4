package app

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/rxdictate/internal/config"
	"github.com/ent0n29/rxdictate/internal/logging"
	"github.com/ent0n29/rxdictate/internal/observability"
	"github.com/ent0n29/rxdictate/internal/registry"
	"github.com/ent0n29/rxdictate/internal/textgen"
	"github.com/ent0n29/rxdictate/internal/transcription"
)

type providerSetup struct {
	text          *textgen.Gateway
	transcription *transcription.Gateway
	configured    []string
}

// buildProviders constructs every adapter. Adapters without credentials are
// still registered so a misrouted task fails as not configured rather than
// unsupported.
func buildProviders(cfg config.Config, reg *registry.Registry, metrics *observability.Metrics, logger zerolog.Logger) providerSetup {
	openAIText := textgen.NewOpenAI(textgen.OpenAIConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Temperature: cfg.TextTemperature,
	})
	anthropic := textgen.NewAnthropic(textgen.AnthropicConfig{
		APIKey:    cfg.AnthropicAPIKey,
		BaseURL:   cfg.AnthropicBaseURL,
		MaxTokens: cfg.AnthropicMaxTokens,
	})
	gemini := textgen.NewGemini(textgen.GeminiConfig{
		APIKey:      cfg.GeminiAPIKey,
		BaseURL:     cfg.GeminiBaseURL,
		Temperature: cfg.TextTemperature,
	})
	text := textgen.NewGateway(reg, metrics, logging.Component(logger, "textgen"), openAIText, anthropic, gemini)

	deepgram := transcription.NewDeepgram(transcription.DeepgramConfig{
		APIKey:    cfg.DeepgramAPIKey,
		BaseURL:   cfg.DeepgramBaseURL,
		WSBaseURL: cfg.DeepgramWSBaseURL,
	})
	elevenLabs := transcription.NewElevenLabs(transcription.ElevenLabsConfig{
		APIKey:    cfg.ElevenLabsAPIKey,
		BaseURL:   cfg.ElevenLabsBaseURL,
		WSBaseURL: cfg.ElevenLabsWSURL,
	})
	openAISTT := transcription.NewOpenAI(transcription.OpenAIConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
	})
	stt := transcription.NewGateway(reg, metrics, logging.Component(logger, "transcription"))
	stt.RegisterOneShot(deepgram)
	stt.RegisterOneShot(elevenLabs)
	stt.RegisterOneShot(openAISTT)
	stt.RegisterStreaming(deepgram)
	stt.RegisterStreaming(elevenLabs)

	var configured []string
	for _, b := range []interface {
		ID() string
		Configured() bool
	}{openAIText, anthropic, gemini, deepgram, elevenLabs} {
		if b.Configured() {
			configured = append(configured, b.ID())
		}
	}
	return providerSetup{text: text, transcription: stt, configured: configured}
}

func (p providerSetup) detail() string {
	if len(p.configured) == 0 {
		return "none"
	}
	return strings.Join(p.configured, ",")
}
