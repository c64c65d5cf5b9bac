package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"live-auction/internal/domain"
	"live-auction/internal/infrastructure/websocket"
	"live-auction/internal/metrics"
	"live-auction/pkg/logger"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func sampleBid() *domain.CommittedBid {
	return &domain.CommittedBid{
		BidID:      11,
		AuctionID:  42,
		BidderID:   "u1",
		BidderName: "Layla",
		Amount:     150,
		CreatedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Snapshot:   domain.AuctionSnapshot{AuctionID: 42, CurrentBid: 150, BidCount: 4},
	}
}

func startRun(t *testing.T, b *Broadcaster) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, b.subscribed.Load)
}

func eventNames(t *testing.T, frames []string) []string {
	t.Helper()
	names := make([]string, 0, len(frames))
	for _, frame := range frames {
		var event struct {
			Event string `json:"event"`
		}
		assert.NoError(t, json.Unmarshal([]byte(frame), &event))
		names = append(names, event.Event)
	}
	return names
}

type degradedRecorder struct {
	metrics.Nop
	mu    sync.Mutex
	flips []bool
}

func (r *degradedRecorder) SetFanoutDegraded(degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flips = append(r.flips, degraded)
}

func (r *degradedRecorder) transitions() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.flips...)
}

func TestPublishBidCrossesProcesses(t *testing.T) {
	h := newHub()
	store := newMemStore(liveAuction(42, 100))
	a := newProcess(store, h, "node-a")
	b := newProcess(store, h, "node-b")
	startRun(t, a.broadcaster)
	startRun(t, b.broadcaster)

	onA := a.connect(t, "a1", "")
	onB := b.connect(t, "b1", "")
	outside := b.connect(t, "b2", "")
	_, _ = a.registry.Join("a1", "auction:42")
	_, _ = b.registry.Join("b1", "auction:42")
	_, _ = b.registry.Join("b2", "auction:7")

	assert.NoError(t, a.broadcaster.PublishBid(context.Background(), sampleBid()))

	waitFor(t, func() bool { return len(onA.Frames()) == 2 && len(onB.Frames()) == 2 })
	check.Equal(t, []string{domain.EventBidPlaced, domain.EventAuctionUpdated}, eventNames(t, onA.Frames()))
	check.Equal(t, onA.Frames(), onB.Frames())
	check.Equal(t, 0, len(outside.Frames()))
	check.False(t, a.broadcaster.Degraded())

	// the origin receives its own publish through the transport exactly once
	time.Sleep(20 * time.Millisecond)
	check.Equal(t, 2, len(onA.Frames()))
}

func TestPublishFallsBackWhenTransportDown(t *testing.T) {
	h := newHub()
	core, logs := observer.New(zap.WarnLevel)
	rec := &degradedRecorder{}

	registry := websocket.NewRegistry(logger.NewNop(), rec)
	b := NewBroadcaster(h, registry, BroadcasterConfig{InstanceID: "node-a", RetryDelay: 10 * time.Millisecond},
		rec, logger.NewFromZap(zap.New(core)))
	startRun(t, b)

	sink := &recordingSink{}
	_, _ = registry.Register("c1", sink)
	_, _ = registry.Join("c1", "auction:42")

	h.setDown(true)
	assert.NoError(t, b.PublishBid(context.Background(), sampleBid()))

	// delivered synchronously on the local fallback path
	check.Equal(t, 2, len(sink.Frames()))
	check.True(t, b.Degraded())
	check.Equal(t, 1, logs.FilterMessageSnippet("degraded").Len())
	check.Equal(t, []bool{true}, rec.transitions())

	// a second failure does not log again
	assert.NoError(t, b.PublishBid(context.Background(), sampleBid()))
	check.Equal(t, 1, logs.FilterMessageSnippet("degraded").Len())

	h.setDown(false)
	assert.NoError(t, b.PublishBid(context.Background(), sampleBid()))
	waitFor(t, func() bool { return len(sink.Frames()) == 6 })
	check.False(t, b.Degraded())
	check.Equal(t, []bool{true, false}, rec.transitions())
}

func TestPublishWithoutSubscriptionDeliversLocally(t *testing.T) {
	h := newHub()
	registry := websocket.NewRegistry(logger.NewNop(), nil)
	b := NewBroadcaster(h, registry, BroadcasterConfig{InstanceID: "node-a"}, nil, logger.NewNop())

	sink := &recordingSink{}
	_, _ = registry.Register("c1", sink)
	_, _ = registry.Join("c1", "auction:42")

	assert.NoError(t, b.PublishBid(context.Background(), sampleBid()))

	check.Equal(t, 2, len(sink.Frames()))
	check.True(t, b.Degraded())
}

func TestSingleProcessMode(t *testing.T) {
	registry := websocket.NewRegistry(logger.NewNop(), nil)
	b := NewBroadcaster(nil, registry, BroadcasterConfig{}, nil, logger.NewNop())

	sink := &recordingSink{}
	_, _ = registry.Register("c1", sink)
	_, _ = registry.Join("c1", "artwork:9")

	assert.NoError(t, b.EmitToRoom(context.Background(), "artwork:9", "artwork-updated", map[string]int{"price": 5}))
	check.Equal(t, []string{`{"event":"artwork-updated","data":{"price":5}}`}, sink.Frames())
	check.False(t, b.Degraded())
}

func TestEmitToRoomValidates(t *testing.T) {
	registry := websocket.NewRegistry(logger.NewNop(), nil)
	b := NewBroadcaster(nil, registry, BroadcasterConfig{}, nil, logger.NewNop())

	sink := &recordingSink{}
	_, _ = registry.Register("c1", sink)
	_, _ = registry.Join("c1", "auction:1")

	check.Error(t, b.EmitToRoom(context.Background(), "lobby", "x", nil))
	check.Error(t, b.EmitToRoom(context.Background(), "auction:1", "", nil))

	err := b.EmitToRoom(context.Background(), "auction:1", domain.EventBidPlaced, map[string]int{"amount": 1})
	check.True(t, errors.Is(err, domain.ErrReservedEvent))
	check.Equal(t, 0, len(sink.Frames()))
}

func TestHandleEnvelopeIgnoresGarbage(t *testing.T) {
	registry := websocket.NewRegistry(logger.NewNop(), nil)
	b := NewBroadcaster(nil, registry, BroadcasterConfig{}, nil, logger.NewNop())
	sink := &recordingSink{}
	_, _ = registry.Register("c1", sink)
	_, _ = registry.Join("c1", "auction:1")

	b.HandleEnvelope([]byte("not json"))
	b.HandleEnvelope([]byte(`{"room":"auction:1","frames":[]}`))
	check.Equal(t, 0, len(sink.Frames()))

	b.HandleEnvelope([]byte(`{"id":"e1","room":"auction:1","frames":[{"event":"pong"}]}`))
	check.Equal(t, []string{`{"event":"pong"}`}, sink.Frames())
}
