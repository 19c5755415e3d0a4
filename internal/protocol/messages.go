package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStreamAudio        MessageType = "stream_audio"
	TypeFinalize           MessageType = "finalize"
	TypeTranscriptFragment MessageType = "transcript_fragment"
	TypeFinalizeResult     MessageType = "finalize_result"
	TypeFallbackToUpload   MessageType = "fallback_to_upload"
)

// Error codes carried by FinalizeResult.
const (
	ErrorInsufficientCredits = "insufficient_credits"
	ErrorProcessingFailed    = "processing_failed"
)

var (
	ErrUnsupportedType     = errors.New("unsupported message type")
	ErrInvalidAudioPayload = errors.New("invalid audio payload")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioFrame is one normalized chunk of 16 kHz mono PCM.
type AudioFrame struct {
	Data []byte
}

type Finalize struct {
	Type       MessageType `json:"type"`
	Transcript string      `json:"transcript"`
	Context    string      `json:"context"`
}

type TranscriptFragment struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"isFinal"`
}

type FinalizeResult struct {
	Type             MessageType `json:"type"`
	HTML             string      `json:"html,omitempty"`
	RemainingCredits *int64      `json:"remainingCredits,omitempty"`
	Error            string      `json:"error,omitempty"`
}

type FallbackToUpload struct {
	Type MessageType `json:"type"`
}

func NewTranscriptFragment(text string, isFinal bool) TranscriptFragment {
	return TranscriptFragment{Type: TypeTranscriptFragment, Text: text, IsFinal: isFinal}
}

func NewFinalizeResult(html string, remaining int64) FinalizeResult {
	return FinalizeResult{Type: TypeFinalizeResult, HTML: html, RemainingCredits: &remaining}
}

func NewFinalizeError(code string) FinalizeResult {
	return FinalizeResult{Type: TypeFinalizeResult, Error: code}
}

func NewFallbackToUpload() FallbackToUpload {
	return FallbackToUpload{Type: TypeFallbackToUpload}
}

// ParseClientMessage decodes a text frame. Audio inside stream_audio is
// normalized to an AudioFrame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStreamAudio:
		var msg struct {
			Audio json.RawMessage `json:"audio"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		data, err := NormalizeAudio(msg.Audio)
		if err != nil {
			return nil, err
		}
		return AudioFrame{Data: data}, nil
	case TypeFinalize:
		var msg Finalize
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// NormalizeAudio accepts the JSON shapes browsers produce for binary audio:
// a base64 string, an array of byte values, a typed-array view serialized as
// an index-keyed object, or a {"type":"Buffer","data":[...]} wrapper.
func NormalizeAudio(raw json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, ErrInvalidAudioPayload
	}

	var out []byte
	var err error
	switch trimmed[0] {
	case '"':
		out, err = normalizeBase64(raw)
	case '[':
		out, err = normalizeByteArray(raw)
	case '{':
		out, err = normalizeObject(raw)
	default:
		err = ErrInvalidAudioPayload
	}
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrInvalidAudioPayload
	}
	return out, nil
}

func normalizeBase64(raw json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, ErrInvalidAudioPayload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAudioPayload, err)
	}
	return data, nil
}

func normalizeByteArray(raw json.RawMessage) ([]byte, error) {
	var values []float64
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, ErrInvalidAudioPayload
	}
	out := make([]byte, len(values))
	for i, v := range values {
		b, ok := toByte(v)
		if !ok {
			return nil, fmt.Errorf("%w: element %d out of range", ErrInvalidAudioPayload, i)
		}
		out[i] = b
	}
	return out, nil
}

func normalizeObject(raw json.RawMessage) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, ErrInvalidAudioPayload
	}
	if data, ok := obj["data"]; ok {
		return normalizeByteArray(data)
	}

	type indexed struct {
		idx int
		val byte
	}
	items := make([]indexed, 0, len(obj))
	for k, v := range obj {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("%w: key %q", ErrInvalidAudioPayload, k)
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return nil, ErrInvalidAudioPayload
		}
		b, ok := toByte(f)
		if !ok {
			return nil, fmt.Errorf("%w: element %d out of range", ErrInvalidAudioPayload, idx)
		}
		items = append(items, indexed{idx: idx, val: b})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].idx < items[j].idx })
	out := make([]byte, len(items))
	for i, it := range items {
		if it.idx != i {
			return nil, fmt.Errorf("%w: missing index %d", ErrInvalidAudioPayload, i)
		}
		out[i] = it.val
	}
	return out, nil
}

func toByte(v float64) (byte, bool) {
	if v < 0 || v > 255 || v != float64(int(v)) {
		return 0, false
	}
	return byte(v), true
}
