package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"live-auction/internal/domain"
	"live-auction/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type RoomEmitter interface {
	EmitToRoom(ctx context.Context, room, event string, payload interface{}) error
	Degraded() bool
}

type RoomStats interface {
	RoomSize(room string) int
	Len() int
}

type EmitRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type RoomResponse struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
}

// AdminHandler serves the internal HTTP API other services use to push
// events into rooms and inspect live state.
type AdminHandler struct {
	emitter     RoomEmitter
	rooms       RoomStats
	leaderboard domain.BidLeaderboard
	history     domain.BidHistory
	log         logger.Logger
}

func NewAdminHandler(emitter RoomEmitter, rooms RoomStats, leaderboard domain.BidLeaderboard,
	history domain.BidHistory, log logger.Logger) *AdminHandler {
	return &AdminHandler{
		emitter:     emitter,
		rooms:       rooms,
		leaderboard: leaderboard,
		history:     history,
		log:         log,
	}
}

func (h *AdminHandler) EmitToRoom(c echo.Context) error {
	room := c.Param("room")

	var req EmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if req.Event == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Event name required"})
	}

	var payload interface{}
	if len(req.Data) > 0 {
		payload = req.Data
	}
	if err := h.emitter.EmitToRoom(c.Request().Context(), room, req.Event, payload); err != nil {
		if errors.Is(err, domain.ErrInvalidRoom) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid room"})
		}
		if errors.Is(err, domain.ErrReservedEvent) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Event name is reserved"})
		}
		h.log.Error("Failed to emit to room", "room", room, "event", req.Event, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to emit event"})
	}

	h.log.Info("Event emitted to room", "room", room, "event", req.Event)
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"room":     room,
		"event":    req.Event,
		"degraded": h.emitter.Degraded(),
	})
}

func (h *AdminHandler) GetRoom(c echo.Context) error {
	room := c.Param("room")
	if _, _, err := domain.ParseRoom(room); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid room"})
	}
	return c.JSON(http.StatusOK, RoomResponse{Room: room, Members: h.rooms.RoomSize(room)})
}

// GetLeaderboard serves the top bids from the Redis leaderboard and falls
// back to the bid table when the leaderboard is unavailable or empty.
func (h *AdminHandler) GetLeaderboard(c echo.Context) error {
	auctionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || auctionID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid auction id"})
	}
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 || limit > 100 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Limit must be between 1 and 100"})
		}
	}

	ctx := c.Request().Context()
	var entries []domain.LeaderboardEntry
	if h.leaderboard != nil {
		entries, err = h.leaderboard.Top(ctx, auctionID, limit)
		if err != nil {
			h.log.Warn("Leaderboard read failed, falling back to bid history", "auction_id", auctionID, "error", err)
		}
	}
	if len(entries) == 0 && h.history != nil {
		entries, err = h.history.ListBids(ctx, auctionID, limit)
		if err != nil {
			h.log.Error("Failed to list bids", "auction_id", auctionID, "error", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load bids"})
		}
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"auctionId": auctionID,
		"bids":      entries,
	})
}

func (h *AdminHandler) Health(c echo.Context) error {
	status := "ok"
	if h.emitter.Degraded() {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      status,
		"service":     "live-auction-admin",
		"connections": h.rooms.Len(),
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}

// RequireRole rejects requests whose bearer token does not verify or does not
// carry role. With a nil verifier every request is rejected.
func RequireRole(verifier domain.IdentityVerifier, role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if verifier == nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Admin authentication is not configured"})
			}
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			if token == "" || token == header {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Bearer token required"})
			}
			identity, err := verifier.VerifyToken(c.Request().Context(), token)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid token"})
			}
			if identity.Role != role {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "Insufficient role"})
			}
			return next(c)
		}
	}
}

// NewAdminServer builds the echo instance for the admin API. Every /api/v1
// route requires an admin token.
func NewAdminServer(h *AdminHandler, verifier domain.IdentityVerifier, log logger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			log.Info("Admin request received",
				"method", req.Method,
				"path", req.URL.Path,
				"remote_addr", c.RealIP(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID))
			return next(c)
		}
	})

	e.GET("/health", h.Health)

	api := e.Group("/api/v1")
	api.Use(RequireRole(verifier, "admin"))
	api.POST("/rooms/:room/events", h.EmitToRoom)
	api.GET("/rooms/:room", h.GetRoom)
	api.GET("/auctions/:id/leaderboard", h.GetLeaderboard)

	return e
}
