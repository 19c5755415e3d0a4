package transcription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/rxdictate/internal/provider"
	"github.com/ent0n29/rxdictate/internal/registry"
	"github.com/ent0n29/rxdictate/internal/reliability"
)

const elevenLabsKeepAliveInterval = 8 * time.Second

type ElevenLabsConfig struct {
	APIKey     string
	BaseURL    string
	WSBaseURL  string
	HTTPClient *http.Client
}

// ElevenLabs serves one-shot transcription and realtime streaming.
type ElevenLabs struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = provider.NewHTTPClient(0)
	}
	return &ElevenLabs{cfg: cfg, client: client}
}

func (e *ElevenLabs) ID() string { return registry.BackendElevenLabs }

func (e *ElevenLabs) Configured() bool { return strings.TrimSpace(e.cfg.APIKey) != "" }

func (e *ElevenLabs) KeepAliveInterval() time.Duration { return elevenLabsKeepAliveInterval }

func (e *ElevenLabs) Transcribe(ctx context.Context, model string, audio []byte, filename, mimeType string) (string, error) {
	body, contentType, err := multipartAudio(audio, filename, mimeType, map[string]string{"model_id": model})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(e.cfg.BaseURL, "/")+"/v1/speech-to-text", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("Content-Type", contentType)

	var out struct {
		Text string `json:"text"`
	}
	if err := provider.Do(e.client, e.ID(), req, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func (e *ElevenLabs) Open(ctx context.Context, cfg StreamConfig) (Channel, error) {
	u, err := url.Parse(strings.TrimRight(e.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", cfg.Model)
	q.Set("commit_strategy", "vad")
	q.Set("audio_format", fmt.Sprintf("pcm_%d", StreamSampleRate))
	if cfg.Language != "" {
		q.Set("language_code", cfg.Language)
	}
	// The realtime endpoint has no keyterm parameter, so cfg.Keywords only
	// reach Deepgram. Pronunciation hints still shape the finalize prompt.
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", e.cfg.APIKey)

	codec := wsCodec{
		backend: e.ID(),
		encode: func(frame []byte) (int, []byte, error) {
			payload, err := json.Marshal(map[string]any{
				"message_type":  "input_audio_chunk",
				"audio_base_64": base64.StdEncoding.EncodeToString(frame),
				"commit":        false,
				"sample_rate":   StreamSampleRate,
			})
			return websocket.TextMessage, payload, err
		},
		decode: func(data []byte) (*Event, bool) {
			return decodeElevenLabs(data, cfg.InterimResults)
		},
		keepAlive: func(c *wsChannel) error {
			return c.ping()
		},
	}
	ch, err := dialChannel(ctx, u.String(), headers, codec, true)
	if err != nil {
		return nil, fmt.Errorf("dial elevenlabs websocket: %w", err)
	}
	return ch, nil
}

func decodeElevenLabs(data []byte, interim bool) (*Event, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	messageType := asString(raw["message_type"])
	switch messageType {
	case "session_started":
		return nil, true
	case "partial_transcript":
		text := asString(raw["text"])
		if !interim || strings.TrimSpace(text) == "" {
			return nil, false
		}
		return &Event{Fragment: Fragment{Text: text}}, false
	case "committed_transcript", "committed_transcript_with_timestamps":
		text := asString(raw["text"])
		if strings.TrimSpace(text) == "" {
			return nil, false
		}
		return &Event{Fragment: Fragment{Text: text, IsFinal: true}}, false
	case "", "input_audio_chunk":
		return nil, false
	default:
		return &Event{Err: &StreamError{
			Backend:   registry.BackendElevenLabs,
			Code:      messageType,
			Detail:    asString(raw["error"]),
			Retryable: reliability.IsRetryableRealtimeMessageType(messageType),
		}}, false
	}
}
