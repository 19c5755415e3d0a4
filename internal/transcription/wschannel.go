package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// wsCodec holds the per-vendor parts of a websocket channel.
type wsCodec struct {
	backend string
	// encode turns one PCM frame into a websocket message.
	encode func(frame []byte) (int, []byte, error)
	// decode parses one inbound message. started reports the provider's
	// session acknowledgement.
	decode func(data []byte) (ev *Event, started bool)
	// keepAlive sends one keep-alive signal.
	keepAlive func(c *wsChannel) error
	// closing is sent before the socket is closed, if set.
	closing []byte
}

// wsChannel is a live transcription channel over a websocket.
type wsChannel struct {
	conn  *websocket.Conn
	codec wsCodec

	writeMu   sync.Mutex
	closeOnce sync.Once
	startOnce sync.Once
	closed    chan struct{}
	started   chan struct{}
	events    chan Event
}

func dialChannel(ctx context.Context, url string, headers http.Header, codec wsCodec, waitForStart bool) (*wsChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	c := &wsChannel{
		conn:    conn,
		codec:   codec,
		closed:  make(chan struct{}),
		started: make(chan struct{}),
		events:  make(chan Event, 256),
	}
	go c.readLoop()
	if !waitForStart {
		c.markStarted()
		return c, nil
	}

	select {
	case <-c.started:
		return c, nil
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("channel closed before session start")
	}
}

func (c *wsChannel) Send(frame []byte) error {
	msgType, data, err := c.codec.encode(frame)
	if err != nil {
		return err
	}
	return c.write(msgType, data)
}

func (c *wsChannel) KeepAlive() error {
	return c.codec.keepAlive(c)
}

func (c *wsChannel) Events() <-chan Event { return c.events }

func (c *wsChannel) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		if len(c.codec.closing) > 0 {
			_ = c.write(websocket.TextMessage, c.codec.closing)
		}
		close(c.closed)
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *wsChannel) write(msgType int, data []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(msgType, data)
}

func (c *wsChannel) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (c *wsChannel) markStarted() {
	c.startOnce.Do(func() { close(c.started) })
}

// readLoop is the only writer of events and closes it on exit.
func (c *wsChannel) readLoop() {
	defer close(c.events)
	defer c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.emit(Event{Err: &StreamError{Backend: c.codec.backend, Err: err}})
				}
			}
			return
		}
		ev, started := c.codec.decode(data)
		if started {
			c.markStarted()
		}
		if ev != nil && !c.emit(*ev) {
			return
		}
	}
}

func (c *wsChannel) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

// StreamError is a failure reported by or while reading a live channel.
type StreamError struct {
	Backend   string
	Code      string
	Detail    string
	Retryable bool
	Err       error
}

func (e *StreamError) Error() string {
	msg := e.Backend + " stream error"
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StreamError) Unwrap() error { return e.Err }

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
