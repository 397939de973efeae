package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/coordinator"
	"github.com/rzbill/relay/internal/message"
	"github.com/rzbill/relay/internal/recovery"
	"github.com/rzbill/relay/pkg/log"
)

// Server handles client WebSocket connections: auth, welcome, history
// replay, live streaming, and the reconnect protocol.
type Server struct {
	cfg      config.WS
	history  config.History
	hub      *Hub
	coord    *coordinator.Coordinator
	recov    *recovery.Engine
	durable  *message.Store
	upgrader websocket.Upgrader
	lg       log.Logger

	// OnChatRequest forwards a client chat request to the upstream proxy.
	// Optional; when nil, chat requests are rejected.
	OnChatRequest func(ctx context.Context, sessionID, userID string, data json.RawMessage) error
}

// NewServer wires the WebSocket server. durable may be nil to disable
// history replay.
func NewServer(cfg config.WS, history config.History, hub *Hub, coord *coordinator.Coordinator, recov *recovery.Engine, durable *message.Store, lg log.Logger) *Server {
	return &Server{
		cfg:     cfg,
		history: history,
		hub:     hub,
		coord:   coord,
		recov:   recov,
		durable: durable,
		lg:      lg.WithComponent("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the connection and runs it until the client goes away.
// Registered on GET /v1/stream.
func (s *Server) Handle(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	userID := c.QueryParam("user_id")
	conversationID := c.QueryParam("conversation_id")
	token := c.QueryParam("token")
	if sessionID == "" || userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id and user_id are required")
	}

	sock, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.lg.Warn("websocket upgrade failed", log.Err(err))
		return err
	}

	if !validToken(s.cfg.AuthSecret, userID, token) {
		s.lg.Warn("rejecting connection with bad token", log.Str("user_id", userID))
		deadline := time.Now().Add(s.cfg.WriteTimeout.Std())
		_ = sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"), deadline)
		_ = sock.Close()
		return nil
	}

	conn := &Connection{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		ws:        sock,
		send:      make(chan outbound, 256),
		quit:      make(chan struct{}),
	}
	s.hub.register(conn)
	go s.writePump(conn)

	conn.Enqueue(welcomeMsg(sessionID))
	s.replayHistory(c.Request().Context(), conn, conversationID)

	ctx := context.Background()
	cb := s.callback(conn)
	owned, err := s.coord.Start(ctx, sessionID, userID, conversationID, cb)
	if err != nil {
		s.lg.Error("session start failed", log.Str("session_id", sessionID), log.Err(err))
		conn.Enqueue(errorMsg(sessionID, "", "session start failed"))
	} else if !owned {
		// another node (or an earlier connection on this one) drives the
		// stream; listen on the fan-out instead
		sub, err := s.coord.Resubscribe(ctx, sessionID, cb)
		if err != nil {
			s.lg.Warn("resubscribe failed", log.Str("session_id", sessionID), log.Err(err))
		} else {
			conn.attach(sub)
		}
	}

	s.readPump(conn)
	return nil
}

// callback bridges coordinator events onto the connection. Chunk frames ack
// from the write pump once they reach the wire, so the coordinator's
// backpressure window tracks real delivery progress, not queue admission.
func (s *Server) callback(conn *Connection) coordinator.Callback {
	return coordinator.CallbackFuncs{
		Chunk: func(c message.StreamChunk) {
			ok := conn.enqueueAcked(chunkMsg(conn.SessionID, c), func() {
				s.coord.Ack(conn.SessionID)
			})
			if !ok {
				s.lg.Warn("chunk frame dropped",
					log.Str("session_id", conn.SessionID), log.Int("index", c.Index))
			}
		},
		Complete: func(m message.Message) {
			conn.Enqueue(completeMsg(conn.SessionID, m, false))
		},
		Error: func(sessionID, messageID, errText string) {
			conn.Enqueue(errorMsg(sessionID, messageID, errText))
		},
	}
}

func (s *Server) replayHistory(ctx context.Context, conn *Connection, conversationID string) {
	if s.durable == nil || conversationID == "" || s.history.Limit <= 0 {
		return
	}
	msgs, err := s.durable.History(ctx, conversationID, s.history.Limit)
	if err != nil {
		s.lg.Warn("history replay failed", log.Str("conversation_id", conversationID), log.Err(err))
		return
	}
	for _, m := range msgs {
		conn.Enqueue(completeMsg(conn.SessionID, m, true))
	}
}

func (s *Server) readPump(conn *Connection) {
	defer s.hub.unregister(conn)

	conn.ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout.Std()))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout.Std()))
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.lg.Warn("read failed", log.Str("conn_id", conn.ID), log.Err(err))
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout.Std()))

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			conn.Enqueue(errorMsg(conn.SessionID, "", "malformed message"))
			continue
		}
		s.handleMessage(conn, msg)
	}
}

func (s *Server) handleMessage(conn *Connection, msg Message) {
	ctx := context.Background()
	switch msg.Type {
	case TypeHeartbeat:
		s.coord.Heartbeat(conn.SessionID)
		conn.Enqueue(heartbeatAckMsg(conn.SessionID))

	case TypeReconnect:
		s.handleReconnect(ctx, conn, msg)

	case TypeCancelStream:
		s.coord.Fail(ctx, conn.SessionID, "cancelled by client")

	case TypeChatRequest:
		if s.OnChatRequest == nil {
			conn.Enqueue(errorMsg(conn.SessionID, "", "chat requests are not accepted here"))
			return
		}
		if err := s.OnChatRequest(ctx, conn.SessionID, conn.UserID, msg.Data); err != nil {
			conn.Enqueue(errorMsg(conn.SessionID, "", "chat request failed"))
		}

	default:
		conn.Enqueue(errorMsg(conn.SessionID, "", "unknown message type "+msg.Type))
	}
}

// handleReconnect runs the recovery protocol: the missing chunks (or the
// finished message), then one recovery_status frame, then a live
// resubscription when the stream is still going.
func (s *Server) handleReconnect(ctx context.Context, conn *Connection, msg Message) {
	var rd ReconnectData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &rd); err != nil {
			conn.Enqueue(errorMsg(conn.SessionID, "", "malformed reconnect payload"))
			return
		}
	}
	if rd.MessageID == "" {
		rd.MessageID = msg.MessageID
	}

	resp := s.recov.Recover(ctx, recovery.Request{
		SessionID:       conn.SessionID,
		MessageID:       rd.MessageID,
		LastChunkIndex:  rd.LastChunkIndex,
		ClientTimestamp: rd.ClientTimestamp,
	})

	switch resp.Status {
	case recovery.StatusRecovered:
		for _, c := range resp.MissingChunks {
			conn.Enqueue(chunkMsg(conn.SessionID, c))
		}
	case recovery.StatusCompleted:
		if resp.CompleteMessage != nil {
			conn.Enqueue(completeMsg(conn.SessionID, *resp.CompleteMessage, false))
		}
	}
	conn.Enqueue(recoveryStatusMsg(conn.SessionID, resp))

	if resp.ShouldReconnect {
		sub, err := s.coord.Resubscribe(ctx, conn.SessionID, s.callback(conn))
		if err != nil {
			s.lg.Warn("post-recovery resubscribe failed", log.Str("session_id", conn.SessionID), log.Err(err))
			return
		}
		conn.attach(sub)
	}
}

func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval.Std())
	defer func() {
		ticker.Stop()
		_ = conn.ws.Close()
	}()

	for {
		select {
		case o := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout.Std()))
			if err := conn.ws.WriteMessage(websocket.TextMessage, o.frame); err != nil {
				return
			}
			if o.ack != nil {
				o.ack()
			}
		case <-conn.quit:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout.Std()))
			_ = conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout.Std()))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
