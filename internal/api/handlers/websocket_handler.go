package handlers

import (
	"context"
	"net/http"
	"strings"

	"live-auction/internal/domain"
	"live-auction/internal/infrastructure/websocket"
	"live-auction/internal/services"
	"live-auction/pkg/logger"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Dispatcher runs the session lifecycle for one connection.
type Dispatcher interface {
	Open(ctx context.Context, connID, token string) services.Result
	Dispatch(ctx context.Context, connID string, frame []byte) services.Result
	Close(connID string)
}

type ConnectionRegistry interface {
	Register(id string, sink websocket.Sink) (*websocket.Connection, error)
	Touch(id string)
}

type WebSocketConfig struct {
	Client             websocket.ClientConfig
	RateLimitPerSecond float64
	RateLimitBurst     int
	AllowedOrigins     []string
}

// WebSocketHandler upgrades HTTP requests and pumps frames between the socket
// and the session controller.
type WebSocketHandler struct {
	upgrader   gws.Upgrader
	registry   ConnectionRegistry
	dispatcher Dispatcher
	cfg        WebSocketConfig
	log        logger.Logger
}

func NewWebSocketHandler(registry ConnectionRegistry, dispatcher Dispatcher, cfg WebSocketConfig,
	log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	id := uuid.NewString()
	client := websocket.NewClient(id, conn, h.cfg.Client, h.log)
	if _, err := h.registry.Register(id, client); err != nil {
		h.log.Error("Failed to register connection", "connection_id", id, "error", err)
		_ = conn.Close()
		return
	}
	go client.WritePump()

	ctx := r.Context()
	h.log.Debug("WebSocket connection opened", "connection_id", id, "remote_addr", r.RemoteAddr)
	h.reply(client, h.dispatcher.Open(ctx, id, token))

	limiter := h.newLimiter()
	client.ReadPump(func(frame []byte) {
		if !limiter.Allow() {
			h.reply(client, services.Result{Err: domain.NewCommandError(domain.CodeRateLimited)})
			return
		}
		h.reply(client, h.dispatcher.Dispatch(ctx, id, frame))
	}, func() {
		h.registry.Touch(id)
	})

	h.dispatcher.Close(id)
	h.log.Debug("WebSocket connection closed", "connection_id", id)
}

func (h *WebSocketHandler) reply(client *websocket.Client, result services.Result) {
	frames, err := result.Frames()
	if err != nil {
		h.log.Error("Failed to encode reply", "connection_id", client.ID(), "error", err)
		return
	}
	for _, frame := range frames {
		if err := client.Send(frame); err != nil {
			h.log.Debug("Dropping reply", "connection_id", client.ID(), "error", err)
			return
		}
	}
}

func (h *WebSocketHandler) newLimiter() *rate.Limiter {
	if h.cfg.RateLimitPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.cfg.RateLimitBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.cfg.RateLimitPerSecond), burst)
}

// bearerToken reads the credential from the `token` query parameter or an
// Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
