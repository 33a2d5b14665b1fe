package native

import (
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// closeGrace bounds how long writing a close frame may take.
const closeGrace = time.Second

// socket implements [wsconn.Transport] for one upgraded connection. Gorilla allows one concurrent writer.
type socket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socket) WriteMessage(binary bool, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	typ := websocket.TextMessage
	if binary {
		typ = websocket.BinaryMessage
	}

	return errors.Wrap(s.conn.WriteMessage(typ, data), "write message")
}

func (s *socket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)

	return errors.Wrap(s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)), "write close")
}

func (e *Engine) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logs.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	defer conn.Close()

	id := uuid.NewString()
	if _, err := e.ws.Open(id, r.URL.Path, r.Header, &socket{conn: conn}); err != nil {
		e.logs.Error("failed to open websocket connection", zap.String("conn_id", id), zap.Error(err))
		return
	}

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			var cerr *websocket.CloseError
			if errors.As(err, &cerr) {
				e.report(e.ws.Closed(id, cerr.Code, cerr.Text))
			} else {
				e.report(e.ws.Failed(id, err))
			}

			return
		}

		e.stats.AddBytesReceived(len(data))
		if err := e.ws.Message(id, data, typ == websocket.BinaryMessage); err != nil {
			e.report(err)
		}
	}
}

func (e *Engine) report(err error) {
	if err != nil {
		e.logs.Debug("websocket event not dispatched", zap.Error(err))
	}
}
