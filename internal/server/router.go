package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/fault"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const identityContextKey = "duet_identity"

var (
	errMissingEngine    = errors.New("session engine dependency required")
	errMissingValidator = errors.New("token validator dependency required")
	errMissingMetrics   = errors.New("metrics collector dependency required")
)

// SessionEngine is the part of the session engine the transport drives.
type SessionEngine interface {
	Connect(session realtime.Session) error
	Disconnect(connectionID realtime.ConnectionID)
	Handle(ctx context.Context, connectionID realtime.ConnectionID, message protocol.Inbound) error
	Snapshot(ctx context.Context, noteID notes.NoteID) (notes.State, error)
}

// TokenValidator authenticates requests.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.Identity, error)
}

// Dependencies bundles what the HTTP handler needs.
type Dependencies struct {
	Engine    SessionEngine
	Validator TokenValidator
	Metrics   *metrics.Collector
	// AllowedOrigins restricts cross-origin reads and WebSocket upgrades; empty
	// or "*" allows any origin without credentials.
	AllowedOrigins []string
	OutboxSize     int
	Logger         *zap.Logger
}

// Handler serves health, metrics, snapshots, and the WebSocket endpoint.
type Handler struct {
	router    *gin.Engine
	transport *httpHandler
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// CloseConnections closes every live WebSocket, refuses new ones, and waits
// until each closed connection has left the engine or ctx ends.
func (h *Handler) CloseConnections(ctx context.Context) error {
	return h.transport.closeClients(ctx)
}

// NewHTTPHandler builds the gin router serving health, metrics, snapshots, and
// the WebSocket endpoint.
func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Metrics == nil {
		return nil, errMissingMetrics
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &httpHandler{
		engine:     deps.Engine,
		validator:  deps.Validator,
		outboxSize: deps.OutboxSize,
		logger:     logger,
		clients:    make(map[*client]struct{}),
		newConnectionID: func() realtime.ConnectionID {
			return realtime.ConnectionID(uuid.NewString())
		},
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(deps.AllowedOrigins),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(deps.Metrics.Middleware())

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/notes/:id/snapshot", handler.handleSnapshot)
	protected.GET("/ws", handler.handleWebSocket)

	return &Handler{router: router, transport: handler}, nil
}

// corsMiddleware only shares credentialed responses with listed origins.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = slices.Clone(allowed)
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

type httpHandler struct {
	engine          SessionEngine
	validator       TokenValidator
	upgrader        websocket.Upgrader
	outboxSize      int
	newConnectionID func() realtime.ConnectionID
	logger          *zap.Logger

	clientsMu sync.Mutex
	clients   map[*client]struct{}
	closing   bool
	pumps     sync.WaitGroup
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type snapshotResponsePayload struct {
	NoteID           string `json:"noteId"`
	Content          string `json:"content"`
	Revision         int64  `json:"revision"`
	Sequence         int64  `json:"sequence"`
	UpdatedAtSeconds int64  `json:"updatedAtS"`
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	noteID, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}
	state, err := h.engine.Snapshot(c.Request.Context(), noteID)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to load note snapshot", zap.String("note_id", noteID.String()), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": fault.CodeOf(err)})
		return
	}
	response := snapshotResponsePayload{
		NoteID:   noteID.String(),
		Content:  state.Content,
		Revision: state.Revision,
		Sequence: state.Sequence,
	}
	if !state.UpdatedAt.IsZero() {
		response.UpdatedAtSeconds = state.UpdatedAt.Unix()
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func identityFrom(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok && identity.UserID != ""
}

func statusForError(err error) int {
	switch fault.KindOf(err) {
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindForbidden:
		return http.StatusForbidden
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}
