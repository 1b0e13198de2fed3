package fishaudio

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rrfunde/fishaudio-livekit/tts"
)

func encodeServerEvent(ev serverEvent) ([]byte, error) {
	return msgpack.Marshal(ev)
}

func decodeClientEvent(data []byte, ev *clientEvent) error {
	return msgpack.Unmarshal(data, ev)
}

// fakeConn is a scripted provider connection. The script runs on every
// client event and can queue server events or a read error in response.
type fakeConn struct {
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}

	incoming chan readResult
	events   []clientEvent

	// script reacts to client events; nil entries are ignored.
	script func(c *fakeConn, ev clientEvent)
}

type readResult struct {
	data []byte
	err  error
}

func newFakeConn(script func(c *fakeConn, ev clientEvent)) *fakeConn {
	return &fakeConn{
		closeCh:  make(chan struct{}),
		incoming: make(chan readResult, 32),
		script:   script,
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("write on closed connection")
	}
	c.mu.Unlock()

	var ev clientEvent
	if err := decodeClientEvent(data, &ev); err != nil {
		return err
	}

	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()

	if c.script != nil {
		c.script(c, ev)
	}
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.incoming:
		return binaryMessage, r.data, r.err
	case <-c.closeCh:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

func (c *fakeConn) sendAudio(payload []byte) {
	data, _ := encodeServerEvent(serverEvent{Event: eventAudio, Audio: payload})
	c.incoming <- readResult{data: data}
}

func (c *fakeConn) sendFinish(reason string) {
	data, _ := encodeServerEvent(serverEvent{Event: eventFinish, Reason: reason})
	c.incoming <- readResult{data: data}
}

func (c *fakeConn) sendReadError(err error) {
	c.incoming <- readResult{err: err}
}

func (c *fakeConn) clientEvents() []clientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]clientEvent, len(c.events))
	copy(out, c.events)
	return out
}

// newTestSynth builds a synthesizer wired to the given fake connection and
// records the headers each dial carried.
func newTestSynth(t *testing.T, conn *fakeConn, opts ...Option) (*Synthesizer, *http.Header) {
	t.Helper()

	var dialedHeader http.Header
	base := []Option{
		WithAPIKey("test-key"),
		WithFadeDuration(0),
		withDialer(func(ctx context.Context, url string, header http.Header) (providerConn, int, error) {
			dialedHeader = header
			return conn, 0, nil
		}),
	}
	synth, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return synth, &dialedHeader
}

// finishOnStop mirrors the provider's real sequencing: audio follows each
// flush, but finish only arrives once the client sends stop.
func finishOnStop(chunks ...[]byte) func(*fakeConn, clientEvent) {
	return func(c *fakeConn, ev clientEvent) {
		switch ev.Event {
		case eventFlush:
			for _, chunk := range chunks {
				c.sendAudio(chunk)
			}
		case eventStop:
			c.sendFinish("stop")
		}
	}
}

// echoOnFlush yields the given audio chunks and then a normal finish as
// soon as the provider sees a flush event.
func echoOnFlush(chunks ...[]byte) func(*fakeConn, clientEvent) {
	return func(c *fakeConn, ev clientEvent) {
		if ev.Event != eventFlush {
			return
		}
		for _, chunk := range chunks {
			c.sendAudio(chunk)
		}
		c.sendFinish("stop")
	}
}

func mustNextFrame(t *testing.T, s tts.SynthesisStream) tts.AudioFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := s.NextFrame(ctx)
	if err != nil {
		t.Fatalf("NextFrame() failed: %v", err)
	}
	return frame
}

func TestStream_PushFlushDrain(t *testing.T) {
	conn := newFakeConn(echoOnFlush([]byte("AUD1"), []byte("AUD2")))
	synth, header := newTestSynth(t, conn)

	stream, err := synth.OpenStream(context.Background(), tts.StreamOptions{
		Backend:     "s1-mini",
		ChunkLength: 120,
	})
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	defer stream.Close()

	if err := stream.PushText("Hello"); err != nil {
		t.Fatalf("PushText() failed: %v", err)
	}
	if err := stream.PushText(" world"); err != nil {
		t.Fatalf("PushText() failed: %v", err)
	}
	if err := stream.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	first := mustNextFrame(t, stream)
	if string(first.Data) != "AUD1" || first.Sequence != 0 {
		t.Errorf("first frame = %q seq %d, want AUD1 seq 0", first.Data, first.Sequence)
	}
	second := mustNextFrame(t, stream)
	if string(second.Data) != "AUD2" || second.Sequence != 1 {
		t.Errorf("second frame = %q seq %d, want AUD2 seq 1", second.Data, second.Sequence)
	}

	if _, err := stream.NextFrame(context.Background()); !errors.Is(err, tts.ErrEndOfStream) {
		t.Errorf("NextFrame() after last frame = %v, want ErrEndOfStream", err)
	}
	// End of stream is sticky.
	if _, err := stream.NextFrame(context.Background()); !errors.Is(err, tts.ErrEndOfStream) {
		t.Errorf("repeated NextFrame() = %v, want ErrEndOfStream", err)
	}

	// The provider must have received the segments concatenated in push
	// order, as a single synthesis unit.
	events := conn.clientEvents()
	if len(events) < 2 {
		t.Fatalf("provider saw %d events, want at least start+text", len(events))
	}
	if events[0].Event != eventStart {
		t.Errorf("first event = %q, want start", events[0].Event)
	}
	if events[0].Request == nil || events[0].Request.ChunkLength != 120 {
		t.Errorf("start request missing chunk_length hint: %+v", events[0].Request)
	}
	if events[1].Event != eventText || events[1].Text != "Hello world" {
		t.Errorf("text event = %+v, want text %q", events[1], "Hello world")
	}

	if got := header.Get("Authorization"); got != "Bearer test-key" {
		t.Errorf("Authorization header = %q", got)
	}
	if got := header.Get("model"); got != "s1-mini" {
		t.Errorf("model header = %q, want s1-mini", got)
	}
}

func TestStream_LazyConnection(t *testing.T) {
	dialed := false
	synth, err := New(
		WithAPIKey("test-key"),
		withDialer(func(ctx context.Context, url string, header http.Header) (providerConn, int, error) {
			dialed = true
			return nil, 0, errors.New("should not dial")
		}),
	)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	stream, err := synth.OpenStream(context.Background(), tts.StreamOptions{Backend: "s1-mini"})
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	if err := stream.PushText("queued but not flushed"); err != nil {
		t.Fatalf("PushText() failed: %v", err)
	}
	if dialed {
		t.Error("provider was dialed before the first flush")
	}
	stream.Close()
}

func TestStream_MultipleFlushBoundaries(t *testing.T) {
	flushes := 0
	conn := newFakeConn(func(c *fakeConn, ev clientEvent) {
		if ev.Event != eventFlush {
			return
		}
		flushes++
		c.sendAudio([]byte{0xAA, byte(flushes)})
		if flushes == 2 {
			c.sendFinish("stop")
		}
	})
	synth, _ := newTestSynth(t, conn)

	stream, err := synth.OpenStream(context.Background(), tts.StreamOptions{Backend: "s1"})
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	defer stream.Close()

	stream.PushText("first")
	if err := stream.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	stream.PushText("second")
	if err := stream.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	first := mustNextFrame(t, stream)
	second := mustNextFrame(t, stream)
	if first.Sequence != 0 || second.Sequence != 1 {
		t.Errorf("sequences = %d, %d; want 0, 1", first.Sequence, second.Sequence)
	}
	if _, err := stream.NextFrame(context.Background()); !errors.Is(err, tts.ErrEndOfStream) {
		t.Errorf("NextFrame() = %v, want ErrEndOfStream", err)
	}

	// Each flush must have produced its own text unit; the first unit is
	// never re-sent with the second.
	var texts []string
	for _, ev := range conn.clientEvents() {
		if ev.Event == eventText {
			texts = append(texts, ev.Text)
		}
	}
	if len(texts) != 2 || texts[0] != "first" || texts[1] != "second" {
		t.Errorf("text units = %v, want [first second]", texts)
	}
}

func TestStream_EmptyFlushIsNoop(t *testing.T) {
	conn := newFakeConn(nil)
	synth, _ := newTestSynth(t, conn)

	stream, err := synth.OpenStream(context.Background(), tts.StreamOptions{Backend: "s1-mini"})
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	defer stream.Close()

	if err := stream.Flush(); err != nil {
		t.Fatalf("empty Flush() failed: %v", err)
	}
	stream.PushText("   ")
	if err := stream.Flush(); err != nil {
		t.Fatalf("whitespace Flush() failed: %v", err)
	}
	if got := len(conn.clientEvents()); got != 0 {
		t.Errorf("provider saw %d events after empty flushes, want 0", got)
	}
}

func TestStream_CloseResolvesSuspendedNextFrame(t *testing.T) {
	// Script emits nothing, so NextFrame stays suspended until Close.
	conn := newFakeConn(nil)
	synth, _ := newTestSynth(t, conn)

	stream, err := synth.OpenStream(context.Background(), tts.StreamOptions{Backend: "s1-mini"})
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	stream.PushText("hello")
	if err := stream.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := stream.NextFrame(context.Background())
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, tts.ErrEndOfStream) {
			t.Errorf("suspended NextFrame() resolved with %v, want ErrEndOfStream", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("NextFrame() still suspended after Close()")
	}
}

func TestStream_CloseBeforeFirstFlush(t *testing.T) {
	conn := newFakeConn(nil)
	synth, _ := newTestSynth(t, conn)

	stream, err := synth.OpenStream(context.Background(), tts.StreamOptions{Backend: "s1-mini"})
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := stream.NextFrame(context.Background())
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, tts.ErrEndOfStream) {
			t.Errorf("NextFrame() = %v, want ErrEndOfStream", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("NextFrame() still suspended after Close()")
	}
}

func TestStream_UseAfterClose(t *testing.T) {
	conn := newFakeConn(nil)
	synth, _ := newTestSynth(t, conn)

	stream, err := synth.OpenStream(context.Background(), tts.StreamOptions{Backend: "s1-mini"})
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if err := stream.PushText("late"); !errors.Is(err, tts.ErrSessionClosed) {
		t.Errorf("PushText() after Close = %v, want ErrSessionClosed", err)
	}
	if err := stream.Flush(); !errors.Is(err, tts.ErrSessionClosed) {
		t.Errorf("Flush() after Close = %v, want ErrSessionClosed", err)
	}
	// Close is idempotent.
	if err := stream.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestStream_ProviderDisconnectMidStream(t *testing.T) {
	conn := newFakeConn(func(c *fakeConn, ev clientEvent) {
		if ev.Event != eventFlush {
			return
		}
		c.sendAudio([]byte("AUD1"))
		c.sendReadError(errors.New("connection reset by peer"))
	})
	synth, _ := newTestSynth(t, conn)

	stream, err := synth.OpenStream(context.Background(), tts.StreamOptions{Backend: "s1-mini"})
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}

	stream.PushText("doomed")
	if err := stream.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	// The frame delivered before the drop survives.
	frame := mustNextFrame(t, stream)
	if string(frame.Data) != "AUD1" {
		t.Errorf("frame = %q, want AUD1", frame.Data)
	}

	_, err = stream.NextFrame(context.Background())
	var provErr *tts.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("NextFrame() after disconnect = %v, want ProviderError", err)
	}
	if provErr.Code != "connection_lost" {
		t.Errorf("ProviderError code = %q, want connection_lost", provErr.Code)
	}

	// Cleanup still succeeds, twice.
	if err := stream.Close(); err != nil {
		t.Errorf("Close() after failure = %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("second Close() after failure = %v", err)
	}
}

func TestStream_ProviderFinishError(t *testing.T) {
	conn := newFakeConn(func(c *fakeConn, ev clientEvent) {
		if ev.Event == eventFlush {
			c.sendFinish(finishReasonError)
		}
	})
	synth, _ := newTestSynth(t, conn)

	stream, err := synth.OpenStream(context.Background(), tts.StreamOptions{Backend: "s1-mini"})
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	defer stream.Close()

	stream.PushText("bad input")
	if err := stream.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	_, err = stream.NextFrame(context.Background())
	var provErr *tts.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("NextFrame() = %v, want ProviderError", err)
	}
	if provErr.Code != "synthesis_failed" {
		t.Errorf("ProviderError code = %q, want synthesis_failed", provErr.Code)
	}
}

func TestStream_DialFailureCarriesStatus(t *testing.T) {
	synth, err := New(
		WithAPIKey("bad-key"),
		withDialer(func(ctx context.Context, url string, header http.Header) (providerConn, int, error) {
			return nil, 401, errors.New("bad handshake")
		}),
	)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	stream, err := synth.OpenStream(context.Background(), tts.StreamOptions{Backend: "s1-mini"})
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	defer stream.Close()

	stream.PushText("hello")
	if err := stream.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	_, err = stream.NextFrame(context.Background())
	var provErr *tts.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("NextFrame() = %v, want ProviderError", err)
	}
	if provErr.StatusCode != 401 {
		t.Errorf("StatusCode = %d, want 401", provErr.StatusCode)
	}
}

func TestStream_NextFrameHonorsContext(t *testing.T) {
	conn := newFakeConn(nil)
	synth, _ := newTestSynth(t, conn)

	stream, err := synth.OpenStream(context.Background(), tts.StreamOptions{Backend: "s1-mini"})
	if err != nil {
		t.Fatalf("OpenStream() failed: %v", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := stream.NextFrame(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("NextFrame() = %v, want DeadlineExceeded", err)
	}
}
