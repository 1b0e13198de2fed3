package fishaudio

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rrfunde/fishaudio-livekit/internal/audio"
	"github.com/rrfunde/fishaudio-livekit/internal/observability"
	"github.com/rrfunde/fishaudio-livekit/tts"
)

// stream is one synthesis session. A single goroutine (run) owns the
// provider connection; PushText and Flush feed it, NextFrame drains the
// frame channel it fills. The caller serializes PushText/Flush/NextFrame;
// Close alone is safe to call concurrently and resolves a suspended
// NextFrame promptly.
type stream struct {
	synth  *Synthesizer
	opts   tts.StreamOptions
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   []string
	started   bool
	closed    bool
	inputDone bool
	conn      providerConn
	err       error

	units  chan string
	frames chan tts.AudioFrame
	done   chan struct{}

	closeOnce sync.Once

	seq     uint64
	fade    *audio.FadeInProcessor
	metrics *observability.StreamMetrics
}

func newStream(ctx context.Context, synth *Synthesizer, opts tts.StreamOptions) *stream {
	sctx, cancel := context.WithCancel(ctx)
	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]

	var fade *audio.FadeInProcessor
	if synth.fade > 0 {
		fade = audio.NewFadeInProcessor(opts.Voice.SampleRate, numChannels, synth.fade)
	}

	return &stream{
		synth: synth,
		opts:  opts,
		logger: synth.logger.With().
			Str("stream_id", id).
			Str("backend", opts.Backend).
			Logger(),
		ctx:     sctx,
		cancel:  cancel,
		units:   make(chan string, 64),
		frames:  make(chan tts.AudioFrame, 32),
		done:    make(chan struct{}),
		fade:    fade,
		metrics: observability.NewStreamMetrics(),
	}
}

// PushText appends text to the pending buffer. It never blocks and never
// talks to the provider.
func (s *stream) PushText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.inputDone {
		return tts.ErrSessionClosed
	}
	s.pending = append(s.pending, text)
	return nil
}

// Flush submits everything pushed since the previous flush as one synthesis
// unit, in push order. The first flush dials the provider connection.
func (s *stream) Flush() error {
	s.mu.Lock()
	if s.closed || s.inputDone {
		s.mu.Unlock()
		return tts.ErrSessionClosed
	}
	text := strings.Join(s.pending, "")
	s.pending = s.pending[:0]

	if strings.TrimSpace(text) == "" {
		s.mu.Unlock()
		return nil
	}
	if !s.started {
		s.started = true
		go s.run()
	}
	s.mu.Unlock()

	select {
	case s.units <- text:
		return nil
	case <-s.ctx.Done():
		return tts.ErrSessionClosed
	}
}

// endInput marks the input side finished: no further PushText or Flush is
// accepted, and once the queued units are sent the write loop tells the
// provider to stop, so the session drains to ErrEndOfStream without Close.
// Must be called from the goroutine that drives PushText/Flush.
func (s *stream) endInput() {
	s.mu.Lock()
	if s.closed || s.inputDone {
		s.mu.Unlock()
		return
	}
	s.inputDone = true
	s.mu.Unlock()

	close(s.units)
}

// NextFrame blocks until a frame is available, the stream completes
// (tts.ErrEndOfStream), or the provider fails (tts.ProviderError). Frames
// buffered before a failure are always delivered first.
func (s *stream) NextFrame(ctx context.Context) (tts.AudioFrame, error) {
	select {
	case frame, ok := <-s.frames:
		if !ok {
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return tts.AudioFrame{}, err
			}
			return tts.AudioFrame{}, tts.ErrEndOfStream
		}
		return frame, nil
	case <-ctx.Done():
		return tts.AudioFrame{}, ctx.Err()
	}
}

// Close releases the provider connection and marks the stream unusable.
// Idempotent; a NextFrame suspended at the time of the call resolves with
// ErrEndOfStream or the pending provider error.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.started
		conn := s.conn
		failed := s.err != nil
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			// Unblocks the read loop; the write loop already saw the
			// cancel and sent a best-effort stop event.
			conn.Close()
		}
		if !started {
			close(s.frames)
			close(s.done)
		}
		<-s.done

		s.mu.Lock()
		failed = failed || s.err != nil
		s.mu.Unlock()
		s.metrics.RecordClose(conn != nil, failed)
		s.logger.Debug().Bool("failed", failed).Msg("synthesis stream closed")
	})
	return nil
}

// run owns the provider connection for the life of the stream. It dials,
// sends the start event, then splits into a write loop (text units in) and
// a read loop (audio events out). The frame channel is closed on exit,
// after any terminal error has been recorded.
func (s *stream) run() {
	defer close(s.done)
	defer close(s.frames)
	defer s.cancel()

	conn, status, err := s.synth.dial(s.ctx, s.synth.endpoint, s.synth.header(s.opts.Backend))
	if err != nil {
		if s.ctx.Err() == nil {
			s.fail(&tts.ProviderError{
				StatusCode: status,
				Code:       "connect_failed",
				Message:    "failed to connect to provider",
				Err:        err,
			})
		}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	s.metrics.RecordConnect()
	s.logger.Debug().Msg("provider connection established")

	if err := s.send(conn, clientEvent{Event: eventStart, Request: s.request()}); err != nil {
		s.fail(&tts.ProviderError{Code: "start_failed", Message: "failed to send start event", Err: err})
		return
	}

	go s.writeLoop(conn)
	s.readLoop(conn)
}

// writeLoop forwards flushed synthesis units to the provider, one text
// event plus one flush event per unit. It sends stop once the input side is
// finished, or best-effort on teardown, so the provider can end the session
// cleanly.
func (s *stream) writeLoop(conn providerConn) {
	for {
		select {
		case unit, ok := <-s.units:
			if !ok {
				// Input finished; queued units were already drained.
				_ = s.send(conn, clientEvent{Event: eventStop})
				return
			}
			if err := s.send(conn, clientEvent{Event: eventText, Text: unit}); err != nil {
				return
			}
			if err := s.send(conn, clientEvent{Event: eventFlush}); err != nil {
				return
			}
		case <-s.ctx.Done():
			_ = s.send(conn, clientEvent{Event: eventStop})
			return
		}
	}
}

// readLoop turns provider audio events into ordered frames. It exits on
// finish, on connection loss, or when the stream is torn down.
func (s *stream) readLoop(conn providerConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil || s.isClosed() {
				return // deliberate teardown, not a provider failure
			}
			s.fail(&tts.ProviderError{Code: "connection_lost", Message: "provider connection lost mid-stream", Err: err})
			return
		}

		ev, err := decodeEvent(data)
		if err != nil {
			s.fail(&tts.ProviderError{Code: "bad_message", Message: "undecodable provider message", Err: err})
			return
		}

		switch ev.Event {
		case eventAudio:
			if len(ev.Audio) == 0 {
				continue
			}
			payload := ev.Audio
			if s.fade != nil {
				payload = s.fade.Process(payload)
			}
			frame := tts.AudioFrame{
				Data:       payload,
				SampleRate: s.opts.Voice.SampleRate,
				Channels:   numChannels,
				Sequence:   s.seq,
				Timestamp:  time.Now(),
			}
			s.seq++

			select {
			case s.frames <- frame:
				s.metrics.RecordFrame(len(payload))
			case <-s.ctx.Done():
				return
			}

		case eventFinish:
			if ev.Reason == finishReasonError {
				s.fail(&tts.ProviderError{Code: "synthesis_failed", Message: "provider reported a synthesis failure"})
			}
			return

		case eventLog:
			s.logger.Debug().Str("message", ev.Message).Msg("provider log")

		default:
			s.logger.Debug().Str("event", ev.Event).Msg("ignoring unknown provider event")
		}
	}
}

func (s *stream) send(conn providerConn, ev clientEvent) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return conn.WriteMessage(binaryMessage, data)
}

// fail records the terminal error delivered by NextFrame once the frame
// channel drains. Only the first failure wins.
func (s *stream) fail(err *tts.ProviderError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	observability.RecordProviderError(err.Code)
	s.logger.Warn().Err(err).Str("code", err.Code).Msg("provider failure")
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stream) request() *ttsRequest {
	v := s.opts.Voice
	speed := v.Speed
	if speed == 0 {
		speed = 1.0
	}
	return &ttsRequest{
		Text:        "",
		Format:      "pcm",
		ReferenceID: v.ReferenceID,
		ChunkLength: s.opts.ChunkLength,
		SampleRate:  v.SampleRate,
		Temperature: v.Temperature,
		TopP:        v.TopP,
		Latency:     v.Latency,
		Prosody:     &prosody{Speed: speed, Volume: v.Volume},
	}
}
