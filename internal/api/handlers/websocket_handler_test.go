package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"live-auction/internal/domain"
	"live-auction/internal/infrastructure/auth"
	"live-auction/internal/infrastructure/websocket"
	"live-auction/internal/services"
	"live-auction/pkg/logger"

	gws "github.com/gorilla/websocket"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

type wsServer struct {
	url      string
	verifier *auth.JWTVerifier
	registry *websocket.Registry
	store    *auctionFixture
}

func newWSServer(t *testing.T, cfg WebSocketConfig) *wsServer {
	t.Helper()
	log := logger.NewNop()

	verifier, err := auth.NewJWTVerifier("test-secret", "")
	assert.NoError(t, err)

	store := newAuctionFixture(42)
	registry := websocket.NewRegistry(log, nil)
	broadcaster := services.NewBroadcaster(nil, registry, services.BroadcasterConfig{}, nil, log)
	arbitrator := services.NewBidArbitrator(store, broadcaster, nil, services.ArbitratorConfig{}, nil, log)
	gatekeeper := services.NewGatekeeper(verifier, registry, log)
	controller := services.NewSessionController(registry, gatekeeper, arbitrator, store, nil, log)

	if cfg.Client.SendBuffer == 0 {
		cfg.Client = websocket.DefaultClientConfig()
	}
	handler := NewWebSocketHandler(registry, controller, cfg, log)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleConnection))
	t.Cleanup(server.Close)

	return &wsServer{
		url:      "ws" + strings.TrimPrefix(server.URL, "http"),
		verifier: verifier,
		registry: registry,
		store:    store,
	}
}

func (s *wsServer) dial(t *testing.T, token string) *gws.Conn {
	t.Helper()
	url := s.url
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *gws.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	assert.NoError(t, conn.ReadJSON(&f))
	return f
}

func send(t *testing.T, conn *gws.Conn, raw string) {
	t.Helper()
	assert.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(raw)))
}

func TestWebSocketBidFlow(t *testing.T) {
	s := newWSServer(t, WebSocketConfig{})
	token, err := s.verifier.CreateToken(domain.Identity{UserID: "u1", DisplayName: "Layla"}, time.Hour)
	assert.NoError(t, err)

	bidder := s.dial(t, token)
	connected := readFrame(t, bidder)
	check.Equal(t, domain.EventConnected, connected.Event)
	var payload domain.ConnectedPayload
	assert.NoError(t, json.Unmarshal(connected.Data, &payload))
	check.True(t, payload.Authenticated)
	check.Equal(t, "u1", payload.UserID)

	watcher := s.dial(t, "")
	check.Equal(t, domain.EventConnected, readFrame(t, watcher).Event)

	send(t, bidder, `{"event":"join-auction","data":{"auctionId":42}}`)
	check.Equal(t, domain.EventAuctionState, readFrame(t, bidder).Event)
	send(t, watcher, `{"event":"join-auction","data":42}`)
	check.Equal(t, domain.EventAuctionState, readFrame(t, watcher).Event)

	send(t, bidder, `{"event":"place-bid","data":{"auctionId":42,"amount":150}}`)

	// the room broadcast is queued before the unicast acknowledgement
	check.Equal(t, domain.EventBidPlaced, readFrame(t, bidder).Event)
	check.Equal(t, domain.EventAuctionUpdated, readFrame(t, bidder).Event)
	check.Equal(t, domain.EventBidAccepted, readFrame(t, bidder).Event)

	placed := readFrame(t, watcher)
	check.Equal(t, domain.EventBidPlaced, placed.Event)
	var bid domain.BidPlacedPayload
	assert.NoError(t, json.Unmarshal(placed.Data, &bid))
	check.Equal(t, int64(150), bid.Amount)
	check.Equal(t, "Layla", bid.BidderName)
	check.Equal(t, domain.EventAuctionUpdated, readFrame(t, watcher).Event)

	send(t, watcher, `{"event":"place-bid","data":{"auctionId":42,"amount":500}}`)
	rejected := readFrame(t, watcher)
	check.Equal(t, domain.EventError, rejected.Event)
	check.Equal(t, `{"message":"Authentication is required for this action","code":"AUTH_REQUIRED"}`, string(rejected.Data))
}

func TestWebSocketDisconnectDeregisters(t *testing.T) {
	s := newWSServer(t, WebSocketConfig{})
	conn := s.dial(t, "")
	readFrame(t, conn)
	check.Equal(t, 1, s.registry.Len())

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for s.registry.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	check.Equal(t, 0, s.registry.Len())
}

func TestWebSocketRateLimit(t *testing.T) {
	s := newWSServer(t, WebSocketConfig{RateLimitPerSecond: 0.001, RateLimitBurst: 1})
	conn := s.dial(t, "")
	readFrame(t, conn)

	send(t, conn, `{"event":"ping"}`)
	check.Equal(t, domain.EventPong, readFrame(t, conn).Event)

	send(t, conn, `{"event":"ping"}`)
	limited := readFrame(t, conn)
	check.Equal(t, domain.EventError, limited.Event)
	check.True(t, strings.Contains(string(limited.Data), `"code":"RATE_LIMITED"`))
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=abc", nil)
	check.Equal(t, "abc", bearerToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer xyz")
	check.Equal(t, "xyz", bearerToken(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Basic xyz")
	check.Equal(t, "", bearerToken(r))
}

func TestOriginChecker(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://evil.example")
	check.True(t, originChecker(nil)(r))
	check.False(t, originChecker([]string{"https://auction.example/"})(r))

	r.Header.Set("Origin", "https://auction.example")
	check.True(t, originChecker([]string{"https://auction.example/"})(r))
	check.True(t, originChecker([]string{"*"})(r))
}
