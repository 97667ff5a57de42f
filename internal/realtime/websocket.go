package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"retro/api/internal/metrics"
)

const (
	readLimit    = 1 << 20
	writeTimeout = 10 * time.Second
	leaveTimeout = 10 * time.Second
)

// Server upgrades HTTP requests to websocket connections and feeds their
// frames to the Manager.
type Server struct {
	hub            *Hub
	manager        *Manager
	logger         *zap.Logger
	originPatterns []string
	sendQueue      int
}

// NewServer accepts connections from the given origin patterns. An empty
// list only accepts same-origin requests.
func NewServer(hub *Hub, manager *Manager, logger *zap.Logger, originPatterns []string) *Server {
	return &Server{
		hub:            hub,
		manager:        manager,
		logger:         logger,
		originPatterns: originPatterns,
		sendQueue:      defaultSendQueue,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(readLimit)

	conn := NewConn(s.sendQueue)
	s.hub.Register(conn)
	metrics.Connections.Inc()
	defer metrics.Connections.Dec()
	s.logger.Debug("client connected", zap.String("conn_id", conn.ID()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	go s.writeLoop(ctx, cancel, ws, conn)

	s.readLoop(ctx, ws, conn)

	cancel()
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer leaveCancel()
	s.manager.Disconnect(leaveCtx, conn)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", zap.String("conn_id", conn.ID()))
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, conn *Conn) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug("websocket read ended", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.manager.HandleFrame(ctx, conn, data)
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, conn *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-conn.Outbound():
			writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, frame)
			writeCancel()
			if err != nil {
				s.logger.Debug("websocket write failed", zap.String("conn_id", conn.ID()), zap.Error(err))
				cancel()
				return
			}
		}
	}
}
