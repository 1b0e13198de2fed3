// Package gateway bridges WebSocket clients to a speech synthesizer. A
// client sends JSON text events and receives base64-encoded audio frames
// back on the same connection.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rrfunde/fishaudio-livekit/internal/audio"
	"github.com/rrfunde/fishaudio-livekit/internal/config"
	"github.com/rrfunde/fishaudio-livekit/internal/observability"
	"github.com/rrfunde/fishaudio-livekit/internal/resilience"
	"github.com/rrfunde/fishaudio-livekit/tts"
)

// playbackInterval is the cadence at which buffered audio is paced out to
// the client.
const playbackInterval = 20 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect cross-origin during development.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ClientMessage is a message from a gateway client.
// Events: "say" (push text), "flush" (synthesize pending text),
// "stop" (end the session).
type ClientMessage struct {
	Event string `json:"event"`
	Text  string `json:"text,omitempty"`
}

// ServerMessage is a message to a gateway client.
// Events: "media" (one paced chunk of audio), "end" (synthesis finished),
// "error" (provider or session failure). Sequence counts outbound media
// chunks; sample rate and channel count describe the session audio format.
type ServerMessage struct {
	Event      string `json:"event"`
	Sequence   uint64 `json:"sequence,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Payload    string `json:"payload,omitempty"` // Base64-encoded audio
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// outboundItem is one entry in the playback queue: either a synthesized
// frame headed for the ring buffer, or a control event that must go out
// after the audio queued before it.
type outboundItem struct {
	frame tts.AudioFrame
	event *ServerMessage
}

// Session holds the state of one connected client: the WebSocket, the
// synthesis stream feeding it, and the playback buffer between the two.
type Session struct {
	conn  *websocket.Conn
	synth tts.SpeechSynthesizer
	cfg   *config.Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stream   tts.SynthesisStream
	isActive bool

	// streamReady wakes framePump when ensureStream installs a stream.
	streamReady chan struct{}

	// outbound carries frames and control events from framePump to
	// playbackPump, which is the only goroutine writing to the WebSocket.
	outbound    chan outboundItem
	playback    *audio.RingBuffer
	playbackSeq uint64

	logger zerolog.Logger
	done   chan struct{}
}

// NewSession wires up a session for an upgraded connection.
func NewSession(conn *websocket.Conn, synth tts.SpeechSynthesizer, cfg *config.Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	correlationID := observability.NewCorrelationID()

	return &Session{
		conn:        conn,
		synth:       synth,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		isActive:    true,
		streamReady: make(chan struct{}, 1),
		outbound:    make(chan outboundItem, 64),
		playback:    audio.NewRingBuffer(cfg.AudioBufferSize),
		logger:      observability.WithCorrelationID(correlationID),
		done:        make(chan struct{}),
	}
}

// HandleSpeakWS is the entry point for client WebSocket connections.
func HandleSpeakWS(cfg *config.Config, synth tts.SpeechSynthesizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger := observability.GetLogger()
			logger.Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		defer conn.Close()

		session := NewSession(conn, synth, cfg)
		observability.RecordSessionStart()
		defer observability.RecordSessionEnd()

		session.logger.Info().Str("remote", r.RemoteAddr).Msg("gateway session started")

		go session.readPump()
		go session.framePump()
		session.playbackPump()

		<-session.done
		session.logger.Info().Msg("gateway session ended")
	}
}

// streamOptions builds the per-session synthesis options from service
// configuration.
func (s *Session) streamOptions() tts.StreamOptions {
	return tts.StreamOptions{
		Backend:     s.cfg.FishBackend,
		ChunkLength: s.cfg.FishChunkLength,
		Voice: tts.VoiceOptions{
			ReferenceID: s.cfg.FishReferenceID,
			SampleRate:  s.cfg.FishSampleRate,
			Latency:     s.cfg.FishLatency,
		},
	}
}

// ensureStream lazily opens the synthesis stream on the first say event.
// Re-opens after a provider failure go through the retry helper; the
// adapter itself never retries.
func (s *Session) ensureStream() (tts.SynthesisStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return s.stream, nil
	}

	retryCfg := &resilience.RetryConfig{
		MaxAttempts:       s.cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(s.cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}

	var stream tts.SynthesisStream
	err := resilience.Retry(func() error {
		var openErr error
		stream, openErr = s.synth.OpenStream(s.ctx, s.streamOptions())
		return openErr
	}, retryCfg)
	if err != nil {
		return nil, err
	}

	s.stream = stream
	select {
	case s.streamReady <- struct{}{}:
	default:
	}
	return stream, nil
}

// dropStream closes and forgets the current stream so the next say event
// opens a fresh one.
func (s *Session) dropStream() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
}

// readPump consumes client messages and drives the synthesis stream. It
// never writes to the WebSocket; playbackPump is the single writer.
func (s *Session) readPump() {
	defer s.teardown()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Error().Err(err).Msg("failed to parse client message")
			continue
		}

		switch msg.Event {
		case "say":
			stream, err := s.ensureStream()
			if err != nil {
				s.logger.Error().Err(err).Msg("failed to open synthesis stream")
				continue
			}
			if err := stream.PushText(msg.Text); err != nil {
				s.logger.Error().Err(err).Msg("failed to push text")
			}

		case "flush":
			s.mu.Lock()
			stream := s.stream
			s.mu.Unlock()
			if stream == nil {
				continue
			}
			if err := stream.Flush(); err != nil {
				s.logger.Error().Err(err).Msg("failed to flush synthesis stream")
			}

		case "stop":
			s.logger.Info().Msg("client requested stop")
			return

		default:
			s.logger.Debug().Str("event", msg.Event).Msg("unknown client event")
		}
	}
}

// framePump drains the synthesis stream and queues its output for playback.
// It sleeps until ensureStream signals the first stream in.
func (s *Session) framePump() {
	defer s.teardown()

	for {
		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()

		if stream == nil {
			select {
			case <-s.streamReady:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		frame, err := stream.NextFrame(s.ctx)
		switch {
		case err == nil:
			s.enqueue(outboundItem{frame: frame})

		case errors.Is(err, tts.ErrEndOfStream):
			s.enqueue(outboundItem{event: &ServerMessage{Event: "end"}})
			s.dropStream()

		case errors.Is(err, context.Canceled):
			return

		default:
			var provErr *tts.ProviderError
			code := "internal"
			if errors.As(err, &provErr) {
				code = provErr.Code
			}
			s.logger.Error().Err(err).Str("code", code).Msg("synthesis failed")
			s.enqueue(outboundItem{event: &ServerMessage{Event: "error", Code: code, Message: err.Error()}})
			s.dropStream()
		}
	}
}

func (s *Session) enqueue(item outboundItem) {
	select {
	case s.outbound <- item:
	case <-s.ctx.Done():
	}
}

// playbackPump is the single WebSocket writer. Frames land in the ring
// buffer and are paced out one interval's worth of audio per tick; control
// events wait for the audio queued ahead of them to drain first.
func (s *Session) playbackPump() {
	defer s.teardown()

	chunkBytes := s.cfg.FishSampleRate * 2 * int(playbackInterval/time.Millisecond) / 1000
	ticker := time.NewTicker(playbackInterval)
	defer ticker.Stop()

	for {
		select {
		case item := <-s.outbound:
			if item.event != nil {
				for s.sendChunk(chunkBytes) {
				}
				s.sendMessage(*item.event)
				continue
			}
			if n := s.playback.Write(item.frame.Data); n < len(item.frame.Data) {
				s.logger.Warn().
					Int("dropped", len(item.frame.Data)-n).
					Msg("playback buffer overflow")
			}

		case <-ticker.C:
			s.sendChunk(chunkBytes)

		case <-s.ctx.Done():
			return
		}
	}
}

// sendChunk reads up to max bytes of buffered audio and sends one media
// event. Reports whether anything was sent.
func (s *Session) sendChunk(max int) bool {
	buf := make([]byte, max)
	n := s.playback.Read(buf)
	if n == 0 {
		return false
	}

	s.sendMessage(ServerMessage{
		Event:      "media",
		Sequence:   s.playbackSeq,
		SampleRate: s.cfg.FishSampleRate,
		Channels:   1,
		Payload:    base64.StdEncoding.EncodeToString(buf[:n]),
	})
	s.playbackSeq++
	return true
}

func (s *Session) sendMessage(msg ServerMessage) {
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Error().Err(err).Msg("failed to write to client")
	}
}

// teardown ends the session exactly once: the synthesis stream is closed
// first so a suspended NextFrame resolves, then the context wakes the pumps.
func (s *Session) teardown() {
	s.mu.Lock()
	if !s.isActive {
		s.mu.Unlock()
		return
	}
	s.isActive = false
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	s.cancel()
	close(s.done)
}
