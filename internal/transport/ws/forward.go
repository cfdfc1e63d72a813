package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// forwardConn adapts one dialed-in CLI websocket to the sdk-url stream
// contract: every text frame is one NDJSON line.
type forwardConn struct {
	conn  *websocket.Conn
	lines chan []byte

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool

	closeOnce sync.Once
}

func newForwardConn(conn *websocket.Conn) *forwardConn {
	return &forwardConn{
		conn:  conn,
		lines: make(chan []byte, 256),
	}
}

func (f *forwardConn) Lines() <-chan []byte { return f.lines }

func (f *forwardConn) WriteLine(line []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteMessage(websocket.TextMessage, line)
}

func (f *forwardConn) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *forwardConn) Close() error {
	f.closeOnce.Do(func() {
		_ = f.conn.Close()
	})
	return nil
}

// readLoop feeds inbound frames into the line channel until the peer
// disconnects, then records the terminal error and closes the channel.
func (f *forwardConn) readLoop() {
	f.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			f.mu.Lock()
			if !f.closed {
				f.closed = true
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					f.err = err
				}
			}
			f.mu.Unlock()
			close(f.lines)
			return
		}
		f.lines <- data
	}
}
