package transport

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// WebSocketChannel adapts a server-side WebSocket connection to ChannelConn,
// so a DataChannelTransport can serve WebSocket peers with the same handler
// registry it uses for WebRTC data channels.
//
// Typical use inside an HTTP handler, after upgrading the connection:
//
//	ch := transport.NewWebSocketChannel(conn)
//	tr := transport.NewChannelTransport(ch, opts)
//	tr.Start()
//	ch.Serve()
type WebSocketChannel struct {
	conn *websocket.Conn

	// writeMu serializes writes; gorilla/websocket allows one writer.
	writeMu sync.Mutex

	mu        sync.Mutex
	onMessage func(msg webrtc.DataChannelMessage)
	onClose   func()
	onError   func(err error)
}

// NewWebSocketChannel wraps conn. The caller keeps ownership of the upgrade;
// Serve must be called to start delivering messages.
func NewWebSocketChannel(conn *websocket.Conn) *WebSocketChannel {
	return &WebSocketChannel{conn: conn}
}

func (w *WebSocketChannel) Send(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *WebSocketChannel) Close() error {
	return w.conn.Close()
}

func (w *WebSocketChannel) OnMessage(f func(msg webrtc.DataChannelMessage)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMessage = f
}

func (w *WebSocketChannel) OnClose(f func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClose = f
}

func (w *WebSocketChannel) OnError(f func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onError = f
}

// Serve reads messages and delivers them to the registered callback until
// the peer hangs up or the connection fails. It runs on the caller's
// goroutine and returns after the close callback fires.
func (w *WebSocketChannel) Serve() {
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			onClose := w.onClose
			onError := w.onError
			w.mu.Unlock()
			if onError != nil && websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				onError(err)
			}
			if onClose != nil {
				onClose()
			}
			return
		}
		w.mu.Lock()
		onMessage := w.onMessage
		w.mu.Unlock()
		if onMessage != nil {
			onMessage(webrtc.DataChannelMessage{Data: data})
		}
	}
}
