package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/rxdictate/internal/audio"
	"github.com/ent0n29/rxdictate/internal/auth"
	"github.com/ent0n29/rxdictate/internal/protocol"
)

// dictreplay streams a recorded WAV file over the dictation websocket at a
// chosen pace, finalizes it and reports latency.
type options struct {
	baseURL         string
	token           string
	jwtSecret       string
	jwtIssuer       string
	ownerID         string
	wavPath         string
	noteContext     string
	chunkMS         int
	realtime        float64
	settle          time.Duration
	finalizeTimeout time.Duration
	verbose         bool
}

type serverMessage struct {
	Type             string `json:"type"`
	Text             string `json:"text,omitempty"`
	IsFinal          bool   `json:"isFinal,omitempty"`
	HTML             string `json:"html,omitempty"`
	RemainingCredits *int64 `json:"remainingCredits,omitempty"`
	Error            string `json:"error,omitempty"`
}

type report struct {
	firstFragment time.Duration
	fragments     int
	finals        int
	finalize      time.Duration
	result        serverMessage
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dictreplay: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "dictreplay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var settleMS, timeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "service base URL")
	flag.StringVar(&cfg.token, "token", "", "bearer token; issued from -jwt-secret when empty")
	flag.StringVar(&cfg.jwtSecret, "jwt-secret", os.Getenv("AUTH_JWT_SECRET"), "secret used to issue a token")
	flag.StringVar(&cfg.jwtIssuer, "jwt-issuer", "rxdictate", "issuer used to issue a token")
	flag.StringVar(&cfg.ownerID, "owner", "replay-doctor", "owner id for an issued token")
	flag.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM WAV file to replay (required)")
	flag.StringVar(&cfg.noteContext, "context", "", "existing note HTML to merge into")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 100, "audio frame size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.IntVar(&settleMS, "settle-ms", 1500, "wait after the last frame before finalizing")
	flag.IntVar(&timeoutMS, "finalize-timeout-ms", 60000, "timeout waiting for finalize_result")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print fragments as they arrive")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.wavPath) == "" {
		return options{}, fmt.Errorf("wav is required")
	}
	if cfg.token == "" && cfg.jwtSecret == "" {
		return options{}, fmt.Errorf("either token or jwt-secret is required")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if settleMS < 0 {
		settleMS = 0
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	cfg.settle = time.Duration(settleMS) * time.Millisecond
	cfg.finalizeTimeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	raw, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return err
	}
	pcm, sampleRate, err := audio.DecodeWAVPCM16(raw)
	if err != nil {
		return fmt.Errorf("decode %s: %w", cfg.wavPath, err)
	}
	if sampleRate != audio.DefaultSampleRate {
		return fmt.Errorf("%s is %d Hz; live dictation expects %d Hz", cfg.wavPath, sampleRate, audio.DefaultSampleRate)
	}

	token := cfg.token
	if token == "" {
		token, err = auth.NewVerifier(cfg.jwtSecret, cfg.jwtIssuer).Issue(cfg.ownerID, time.Hour)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
	}
	wsURL, err := dictationURL(cfg.baseURL, token)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	msgs := make(chan serverMessage, 64)
	readErr := make(chan error, 1)
	go readLoop(conn, msgs, readErr)

	if cfg.verbose {
		fmt.Printf("dictreplay: %s bytes=%d chunk_ms=%d realtime=%.2f\n", cfg.wavPath, len(pcm), cfg.chunkMS, cfg.realtime)
	}

	var rep report
	start := time.Now()
	drain := func() {
		for {
			select {
			case m := <-msgs:
				rep.observe(m, start, cfg.verbose)
			default:
				return
			}
		}
	}

	for _, frame := range chunkPCM(pcm, sampleRate, cfg.chunkMS) {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		drain()
		time.Sleep(frameDuration(len(frame), sampleRate, cfg.realtime))
	}
	time.Sleep(cfg.settle)
	drain()

	if err := conn.WriteJSON(protocol.Finalize{Type: protocol.TypeFinalize, Context: cfg.noteContext}); err != nil {
		return fmt.Errorf("send finalize: %w", err)
	}
	finalizeStart := time.Now()
	timer := time.NewTimer(cfg.finalizeTimeout)
	defer timer.Stop()
	for {
		select {
		case m := <-msgs:
			rep.observe(m, start, cfg.verbose)
			switch m.Type {
			case string(protocol.TypeFinalizeResult):
				rep.finalize = time.Since(finalizeStart)
				rep.result = m
				rep.print()
				return nil
			case string(protocol.TypeFallbackToUpload):
				rep.print()
				return fmt.Errorf("server asked for upload fallback")
			}
		case err := <-readErr:
			return fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return fmt.Errorf("no finalize_result after %s", cfg.finalizeTimeout)
		}
	}
}

func (r *report) observe(m serverMessage, start time.Time, verbose bool) {
	if m.Type != string(protocol.TypeTranscriptFragment) {
		return
	}
	if r.fragments == 0 {
		r.firstFragment = time.Since(start)
	}
	r.fragments++
	if m.IsFinal {
		r.finals++
	}
	if verbose {
		fmt.Printf("dictreplay: fragment final=%t %q\n", m.IsFinal, m.Text)
	}
}

func (r *report) print() {
	fmt.Printf("dictreplay: fragments=%d finals=%d first_fragment_ms=%d finalize_ms=%d\n",
		r.fragments, r.finals, r.firstFragment.Milliseconds(), r.finalize.Milliseconds())
	if r.result.Error != "" {
		fmt.Printf("dictreplay: finalize error=%s\n", r.result.Error)
		return
	}
	if r.result.RemainingCredits != nil {
		fmt.Printf("dictreplay: remaining_credits=%d\n", *r.result.RemainingCredits)
	}
	fmt.Println(r.result.HTML)
}

func dictationURL(baseURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/dictation/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// chunkPCM splits mono PCM16 into frames of chunkMS, keeping sample
// boundaries intact.
func chunkPCM(pcm []byte, sampleRate, chunkMS int) [][]byte {
	size := sampleRate * 2 * chunkMS / 1000
	if size < 2 {
		size = 2
	}
	size -= size % 2
	var out [][]byte
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		end -= (end - off) % 2
		if end <= off {
			break
		}
		out = append(out, pcm[off:end])
	}
	return out
}

func frameDuration(frameBytes, sampleRate int, realtime float64) time.Duration {
	d := time.Duration(float64(time.Duration(frameBytes)*time.Second/time.Duration(sampleRate*2)) / realtime)
	if d <= 0 {
		return 10 * time.Millisecond
	}
	return d
}

func readLoop(conn *websocket.Conn, msgs chan<- serverMessage, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var m serverMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		msgs <- m
	}
}
