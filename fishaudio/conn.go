package fishaudio

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// binaryMessage mirrors websocket.BinaryMessage so stream code does not
// depend on the transport package directly.
const binaryMessage = websocket.BinaryMessage

// providerConn is the slice of the WebSocket connection the stream uses.
// Tests substitute a fake provider through withDialer.
type providerConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// dialFunc opens a provider connection. The returned status code is the
// HTTP response status when the upgrade fails, 0 otherwise.
type dialFunc func(ctx context.Context, url string, header http.Header) (providerConn, int, error)

func dialWebSocket(ctx context.Context, url string, header http.Header) (providerConn, int, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, status, err
	}
	return conn, 0, nil
}
