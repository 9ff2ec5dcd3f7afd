package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/fault"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20

	closeTextShutdown = "server shutting down"
)

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", identity.UserID.String()), zap.Error(err))
		return
	}

	client := newClient(socket, h.newConnectionID(), identity, h.outboxSize, h.engine, h.logger)
	if !h.track(client) {
		client.closeWith(websocket.CloseGoingAway, closeTextShutdown)
		return
	}
	defer h.untrack(client)

	if err := h.engine.Connect(client.session()); err != nil {
		h.logger.Error("failed to register connection", zap.String("connection_id", string(client.id)), zap.Error(err))
		client.closeWith(websocket.CloseInternalServerErr, "registration failed")
		return
	}

	go client.writePump()
	client.readPump(c.Request.Context())
}

func (h *httpHandler) track(client *client) bool {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if h.closing {
		return false
	}
	h.clients[client] = struct{}{}
	h.pumps.Add(1)
	return true
}

func (h *httpHandler) untrack(client *client) {
	h.clientsMu.Lock()
	delete(h.clients, client)
	h.clientsMu.Unlock()
	h.pumps.Done()
}

// closeClients sends a going-away close to every tracked client and waits for
// their read loops to disconnect from the engine.
func (h *httpHandler) closeClients(ctx context.Context) error {
	h.clientsMu.Lock()
	h.closing = true
	live := make([]*client, 0, len(h.clients))
	for client := range h.clients {
		live = append(live, client)
	}
	h.clientsMu.Unlock()

	for _, client := range live {
		client.closeWith(websocket.CloseGoingAway, closeTextShutdown)
	}

	drained := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		h.logger.Info("websocket connections closed", zap.Int("count", len(live)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type client struct {
	id       realtime.ConnectionID
	identity auth.Identity
	socket   *websocket.Conn
	outbox   *realtime.Outbox
	engine   SessionEngine
	logger   *zap.Logger
}

func newClient(socket *websocket.Conn, id realtime.ConnectionID, identity auth.Identity, outboxSize int, engine SessionEngine, logger *zap.Logger) *client {
	return &client{
		id:       id,
		identity: identity,
		socket:   socket,
		outbox:   realtime.NewOutbox(outboxSize),
		engine:   engine,
		logger: logger.With(
			zap.String("connection_id", string(id)),
			zap.String("user_id", identity.UserID.String()),
		),
	}
}

func (c *client) session() realtime.Session {
	return realtime.Session{
		ConnectionID: c.id,
		UserID:       c.identity.UserID,
		UserName:     c.identity.DisplayName,
		Sink:         c.outbox,
	}
}

// readPump decodes inbound frames and hands them to the engine until the
// socket fails, then unregisters the connection.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.engine.Disconnect(c.id)
		c.outbox.Close()
		_ = c.socket.Close()
	}()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, frame, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		message, err := protocol.DecodeInbound(frame)
		if err != nil {
			c.rejectFrame(err)
			continue
		}
		if err := c.engine.Handle(ctx, c.id, message); err != nil {
			c.logger.Debug("message rejected",
				zap.String("type", string(message.Type())),
				zap.String("code", fault.CodeOf(err)),
			)
		}
	}
}

func (c *client) rejectFrame(err error) {
	reason := "malformed_message"
	if errors.Is(err, protocol.ErrUnknownType) {
		reason = "unknown_type"
	}
	c.logger.Info("rejected inbound frame", zap.String("reason", reason), zap.Error(err))
	if deliverErr := c.outbox.Deliver(protocol.Error{
		Kind:    string(fault.KindInvalidArgument),
		Code:    "transport.decode." + reason,
		Message: err.Error(),
	}); deliverErr != nil {
		c.logger.Warn("failed to queue decode error", zap.Error(deliverErr))
	}
}

// writePump drains the outbox to the socket and keeps the connection alive
// with pings. A closed outbox ends the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.socket.Close()
	}()

	events := c.outbox.Events()
	for {
		select {
		case event, ok := <-events:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync required"))
				return
			}
			payload, err := protocol.EncodeEvent(event)
			if err != nil {
				c.logger.Error("failed to encode event", zap.String("type", string(event.Type())), zap.Error(err))
				continue
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) closeWith(code int, text string) {
	deadline := time.Now().Add(writeWait)
	_ = c.socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = c.socket.Close()
	c.outbox.Close()
}
