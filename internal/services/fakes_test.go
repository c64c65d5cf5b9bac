package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"live-auction/internal/domain"
	"live-auction/internal/infrastructure/websocket"
	"live-auction/internal/metrics"
	"live-auction/pkg/logger"
)

// memStore is an in-memory auction store with the same optimistic
// precondition as the MySQL store.
type memStore struct {
	mu        sync.Mutex
	auctions  map[int64]*domain.AuctionSnapshot
	bids      []domain.CommittedBid
	nextBidID int64

	getErr       error
	recordErr    error
	conflicts    int
	beforeRecord func(s *memStore)
	recordCalls  int
}

func newMemStore(auctions ...domain.AuctionSnapshot) *memStore {
	s := &memStore{auctions: make(map[int64]*domain.AuctionSnapshot)}
	for i := range auctions {
		a := auctions[i]
		s.auctions[a.AuctionID] = &a
	}
	return s
}

func liveAuction(id, currentBid int64) domain.AuctionSnapshot {
	return domain.AuctionSnapshot{
		AuctionID:  id,
		Status:     domain.AuctionLive,
		CurrentBid: currentBid,
		BidCount:   3,
		EndTime:    time.Now().Add(time.Hour),
	}
}

func (s *memStore) GetAuctionByID(_ context.Context, auctionID int64) (*domain.AuctionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	a, ok := s.auctions[auctionID]
	if !ok {
		return nil, domain.ErrAuctionNotFound
	}
	snapshot := *a
	return &snapshot, nil
}

func (s *memStore) RecordBid(_ context.Context, rec domain.BidRecord) (*domain.CommittedBid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordCalls++

	if s.beforeRecord != nil {
		hook := s.beforeRecord
		s.beforeRecord = nil
		hook(s)
	}
	if s.recordErr != nil {
		return nil, s.recordErr
	}
	if s.conflicts > 0 {
		s.conflicts--
		return nil, domain.ErrBidConflict
	}

	a, ok := s.auctions[rec.AuctionID]
	if !ok || a.CurrentBid != rec.ExpectedPriorBid || a.Status != domain.AuctionLive || !rec.PlacedAt.Before(a.EndTime) {
		return nil, domain.ErrBidConflict
	}

	a.CurrentBid = rec.Amount
	a.HighestBidderID = rec.BidderID
	a.HighestBidderName = rec.BidderName
	a.BidCount++
	s.nextBidID++

	bid := domain.CommittedBid{
		BidID:      s.nextBidID,
		AuctionID:  rec.AuctionID,
		BidderID:   rec.BidderID,
		BidderName: rec.BidderName,
		Amount:     rec.Amount,
		CreatedAt:  rec.PlacedAt,
		Snapshot:   *a,
	}
	s.bids = append(s.bids, bid)
	return &bid, nil
}

func (s *memStore) CloseExpired(_ context.Context, now time.Time) ([]domain.AuctionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var closed []domain.AuctionSnapshot
	for _, a := range s.auctions {
		if a.Status == domain.AuctionLive && !now.Before(a.EndTime) {
			a.Status = domain.AuctionEnded
			closed = append(closed, *a)
		}
	}
	return closed, nil
}

func (s *memStore) snapshot(id int64) domain.AuctionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.auctions[id]
}

func (s *memStore) committed() []domain.CommittedBid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CommittedBid(nil), s.bids...)
}

type fakeVerifier map[string]domain.Identity

func (v fakeVerifier) VerifyToken(_ context.Context, token string) (*domain.Identity, error) {
	identity, ok := v[token]
	if !ok {
		return nil, errors.New("token rejected")
	}
	return &identity, nil
}

// recordingSink captures frames queued to a connection.
type recordingSink struct {
	mu     sync.Mutex
	frames []string
	closed bool
}

func (s *recordingSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrSinkClosed
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

// hub is an in-memory pub/sub channel shared by several simulated processes.
type hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
	down bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan []byte]struct{})}
}

func (h *hub) setDown(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = down
}

func (h *hub) Publish(_ context.Context, payload []byte) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return 0, errors.New("connection refused")
	}
	for ch := range h.subs {
		ch <- payload
	}
	return int64(len(h.subs)), nil
}

func (h *hub) Subscribe(_ context.Context) (domain.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return nil, errors.New("connection refused")
	}
	ch := make(chan []byte, 64)
	h.subs[ch] = struct{}{}
	return &hubSubscription{hub: h, ch: ch}, nil
}

type hubSubscription struct {
	hub  *hub
	ch   chan []byte
	once sync.Once
}

func (s *hubSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.ch)
		s.hub.mu.Unlock()
	})
	return nil
}

// process wires the pieces one server process owns.
type process struct {
	registry    *websocket.Registry
	broadcaster *Broadcaster
	arbitrator  *BidArbitrator
	gatekeeper  *Gatekeeper
	controller  *SessionController
}

func newProcess(store *memStore, transport domain.Transport, instanceID string) *process {
	log := logger.NewNop()
	registry := websocket.NewRegistry(log, metrics.Nop{})
	broadcaster := NewBroadcaster(transport, registry, BroadcasterConfig{
		InstanceID:     instanceID,
		PublishTimeout: time.Second,
		RetryDelay:     10 * time.Millisecond,
	}, metrics.Nop{}, log)
	arbitrator := NewBidArbitrator(store, broadcaster, nil, ArbitratorConfig{MaxCommitAttempts: 4}, metrics.Nop{}, log)
	gatekeeper := NewGatekeeper(fakeVerifier{
		"token-u1": {UserID: "u1", DisplayName: "Layla"},
		"token-u2": {UserID: "u2", DisplayName: "Omar"},
	}, registry, log)
	controller := NewSessionController(registry, gatekeeper, arbitrator, store, metrics.Nop{}, log)

	return &process{
		registry:    registry,
		broadcaster: broadcaster,
		arbitrator:  arbitrator,
		gatekeeper:  gatekeeper,
		controller:  controller,
	}
}

// connect registers a connection and runs the handshake.
func (p *process) connect(t *testing.T, id, token string) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	if _, err := p.registry.Register(id, sink); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	p.controller.Open(context.Background(), id, token)
	return sink
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
