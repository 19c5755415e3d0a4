package transcription

import (
	"context"
	"time"
)

// OneShotBackend turns a complete audio file into text.
type OneShotBackend interface {
	ID() string
	Configured() bool
	Transcribe(ctx context.Context, model string, audio []byte, filename, mimeType string) (string, error)
}

// StreamingBackend opens live transcription channels. Open returns once the
// provider has acknowledged the channel.
type StreamingBackend interface {
	ID() string
	Configured() bool
	KeepAliveInterval() time.Duration
	Open(ctx context.Context, cfg StreamConfig) (Channel, error)
}

// Audio format sent over every streaming channel.
const (
	StreamEncoding   = "linear16"
	StreamSampleRate = 16000
	StreamChannels   = 1
)

type StreamConfig struct {
	Model          string
	Language       string
	Keywords       []string
	InterimResults bool
}

// Fragment is one transcript piece. Interim fragments may be superseded by a
// later final one.
type Fragment struct {
	Text    string
	IsFinal bool
}

// Event is a fragment or a channel error.
type Event struct {
	Fragment Fragment
	Err      error
}

// Channel is one open live transcription stream. Events is closed when the
// channel ends for any reason.
type Channel interface {
	Send(frame []byte) error
	KeepAlive() error
	Events() <-chan Event
	Close() error
}
