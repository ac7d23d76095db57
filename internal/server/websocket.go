package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/wasmbox/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn serializes writes to one websocket connection.
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *zap.Logger
}

func (c *wsConn) writeJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("websocket marshal error", zap.Error(err))
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("websocket write error", zap.Error(err))
		return false
	}
	return true
}

// handleWebSocket runs every request frame independently and answers each
// with exactly one response frame carrying the request's id. Frames may
// complete out of order.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.Server.MaxBodyBytes)

	s.trackConn(conn, true)
	defer s.trackConn(conn, false)

	// Requests still waiting for a slot are dropped once the reader stops.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	wc := &wsConn{conn: conn, logger: s.logger}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			cancel()
			return
		}
		s.countFrame("in")

		wg.Add(1)
		go func() {
			defer wg.Done()
			if wc.writeJSON(s.executeFrame(ctx, data)) {
				s.countFrame("out")
			}
		}()
	}
}

func (s *Server) executeFrame(ctx context.Context, data []byte) wire.Response {
	er, req, err := wire.Decode(bytes.NewReader(data))
	if err != nil {
		s.exec.RecordDecodeFailure(er.ID, err)
		return wire.ErrorResponse(er.ID, err)
	}
	o, err := s.exec.Run(ctx, req)
	if err != nil {
		return wire.ErrorResponse(er.ID, err)
	}
	return wire.NewResponse(er.ID, o)
}

func (s *Server) countFrame(direction string) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction).Inc()
	}
}

func (s *Server) trackConn(conn *websocket.Conn, open bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if open {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
	if s.metrics != nil {
		s.metrics.WSConnections.Set(float64(len(s.conns)))
	}
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}
