package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/rxdictate/internal/provider"
	"github.com/ent0n29/rxdictate/internal/registry"
)

const (
	deepgramKeepAliveInterval = 8 * time.Second
	// deepgramKeywordBoost is applied to every custom keyword alike.
	deepgramKeywordBoost = 2
)

type DeepgramConfig struct {
	APIKey     string
	BaseURL    string
	WSBaseURL  string
	HTTPClient *http.Client
}

// Deepgram serves both one-shot and streaming transcription.
type Deepgram struct {
	cfg    DeepgramConfig
	client *http.Client
}

func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.deepgram.com"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = provider.NewHTTPClient(0)
	}
	return &Deepgram{cfg: cfg, client: client}
}

func (d *Deepgram) ID() string { return registry.BackendDeepgram }

func (d *Deepgram) Configured() bool { return strings.TrimSpace(d.cfg.APIKey) != "" }

func (d *Deepgram) KeepAliveInterval() time.Duration { return deepgramKeepAliveInterval }

func (d *Deepgram) Transcribe(ctx context.Context, model string, audio []byte, _ string, mimeType string) (string, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.BaseURL, "/") + "/v1/listen")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(audio))
	if err != nil {
		return "", err
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req.Header.Set("Authorization", "Token "+d.cfg.APIKey)
	req.Header.Set("Content-Type", mimeType)

	var out struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := provider.Do(d.client, d.ID(), req, &out); err != nil {
		return "", err
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return out.Results.Channels[0].Alternatives[0].Transcript, nil
}

func (d *Deepgram) Open(ctx context.Context, cfg StreamConfig) (Channel, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.WSBaseURL, "/") + "/v1/listen")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	q.Set("encoding", StreamEncoding)
	q.Set("sample_rate", strconv.Itoa(StreamSampleRate))
	q.Set("channels", strconv.Itoa(StreamChannels))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("smart_format", "true")
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	for _, kw := range cfg.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			q.Add("keywords", fmt.Sprintf("%s:%d", kw, deepgramKeywordBoost))
		}
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	closeStream, _ := json.Marshal(map[string]string{"type": "CloseStream"})
	keepAlive, _ := json.Marshal(map[string]string{"type": "KeepAlive"})
	codec := wsCodec{
		backend: d.ID(),
		encode: func(frame []byte) (int, []byte, error) {
			return websocket.BinaryMessage, frame, nil
		},
		decode: decodeDeepgram,
		keepAlive: func(c *wsChannel) error {
			return c.write(websocket.TextMessage, keepAlive)
		},
		closing: closeStream,
	}
	ch, err := dialChannel(ctx, u.String(), headers, codec, false)
	if err != nil {
		return nil, fmt.Errorf("dial deepgram websocket: %w", err)
	}
	return ch, nil
}

func decodeDeepgram(data []byte) (*Event, bool) {
	var msg struct {
		Type    string `json:"type"`
		IsFinal bool   `json:"is_final"`
		Channel struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channel"`
		Description string `json:"description"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false
	}
	switch msg.Type {
	case "Results":
		if len(msg.Channel.Alternatives) == 0 {
			return nil, false
		}
		text := msg.Channel.Alternatives[0].Transcript
		if strings.TrimSpace(text) == "" {
			return nil, false
		}
		return &Event{Fragment: Fragment{Text: text, IsFinal: msg.IsFinal}}, false
	case "Error":
		return &Event{Err: &StreamError{
			Backend: registry.BackendDeepgram,
			Code:    "error",
			Detail:  firstNonEmpty(msg.Description, msg.Message),
		}}, false
	default:
		// Metadata, SpeechStarted, UtteranceEnd
		return nil, false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
