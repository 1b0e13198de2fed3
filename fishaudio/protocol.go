package fishaudio

import (
	"github.com/vmihailenco/msgpack/v5"
)

// The realtime endpoint speaks MessagePack-encoded events over the
// WebSocket. Client events: start, text, flush, stop. Server events:
// audio, finish, log.
const (
	eventStart  = "start"
	eventText   = "text"
	eventFlush  = "flush"
	eventStop   = "stop"
	eventAudio  = "audio"
	eventFinish = "finish"
	eventLog    = "log"
)

// finishReasonError is the finish reason the provider sends on a fatal
// server-side failure.
const finishReasonError = "error"

// ttsRequest is the synthesis request carried by the start event.
type ttsRequest struct {
	Text        string   `msgpack:"text"`
	ReferenceID string   `msgpack:"reference_id,omitempty"`
	Format      string   `msgpack:"format"`
	ChunkLength int      `msgpack:"chunk_length,omitempty"`
	SampleRate  int      `msgpack:"sample_rate,omitempty"`
	Temperature float64  `msgpack:"temperature,omitempty"`
	TopP        float64  `msgpack:"top_p,omitempty"`
	Latency     string   `msgpack:"latency,omitempty"`
	Prosody     *prosody `msgpack:"prosody,omitempty"`
}

type prosody struct {
	Speed  float64 `msgpack:"speed"`
	Volume float64 `msgpack:"volume"`
}

// clientEvent is every message the adapter sends to the provider.
type clientEvent struct {
	Event   string      `msgpack:"event"`
	Text    string      `msgpack:"text,omitempty"`
	Request *ttsRequest `msgpack:"request,omitempty"`
}

// serverEvent is every message the provider sends back.
type serverEvent struct {
	Event   string `msgpack:"event"`
	Audio   []byte `msgpack:"audio,omitempty"`
	Reason  string `msgpack:"reason,omitempty"`
	Message string `msgpack:"message,omitempty"`
}

func encodeEvent(ev clientEvent) ([]byte, error) {
	return msgpack.Marshal(ev)
}

func decodeEvent(data []byte) (serverEvent, error) {
	var ev serverEvent
	err := msgpack.Unmarshal(data, &ev)
	return ev, err
}
