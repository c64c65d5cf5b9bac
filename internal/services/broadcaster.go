package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"live-auction/internal/domain"
	"live-auction/internal/metrics"
	"live-auction/pkg/logger"

	"github.com/google/uuid"
)

// RoomDelivery delivers already-encoded frames to local room members.
type RoomDelivery interface {
	Broadcast(room string, frames ...[]byte) int
}

// Envelope is what travels over the pub/sub transport. Frames are the
// encoded outbound events, delivered in order as one broadcast.
type Envelope struct {
	ID          string            `json:"id"`
	Origin      string            `json:"origin"`
	Room        string            `json:"room"`
	Frames      []json.RawMessage `json:"frames"`
	PublishedAt time.Time         `json:"publishedAt"`
}

type BroadcasterConfig struct {
	InstanceID     string
	PublishTimeout time.Duration
	RetryDelay     time.Duration
}

// Broadcaster fans room events out through the transport so every process,
// this one included, delivers them to its local members. When the transport
// is unusable it delivers locally and reports degraded mode.
type Broadcaster struct {
	transport domain.Transport
	rooms     RoomDelivery
	cfg       BroadcasterConfig
	metrics   metrics.Recorder
	log       logger.Logger

	subscribed atomic.Bool
	degradedMu sync.Mutex
	degraded   bool
}

// NewBroadcaster builds a broadcaster. A nil transport runs single-process.
func NewBroadcaster(transport domain.Transport, rooms RoomDelivery, cfg BroadcasterConfig,
	rec metrics.Recorder, log logger.Logger) *Broadcaster {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Broadcaster{
		transport: transport,
		rooms:     rooms,
		cfg:       cfg,
		metrics:   rec,
		log:       log,
	}
}

// Publish encodes events and fans them out to room as a single broadcast.
func (b *Broadcaster) Publish(ctx context.Context, room string, events ...domain.Event) error {
	frames := make([]json.RawMessage, 0, len(events))
	for _, event := range events {
		frame, err := event.Encode()
		if err != nil {
			return err
		}
		frames = append(frames, frame)
	}

	b.fanOut(ctx, room, frames)
	return nil
}

// PublishBid broadcasts the bid-placed / auction-updated pair for a
// committed bid.
func (b *Broadcaster) PublishBid(ctx context.Context, bid *domain.CommittedBid) error {
	return b.Publish(ctx, domain.AuctionRoom(bid.AuctionID), domain.BidEvents(bid)...)
}

// EmitToRoom sends one event with an arbitrary payload to every member of
// room on every process. Server-authored event names are refused.
func (b *Broadcaster) EmitToRoom(ctx context.Context, room, event string, payload interface{}) error {
	if _, _, err := domain.ParseRoom(room); err != nil {
		return err
	}
	if event == "" {
		return fmt.Errorf("event name is required")
	}
	if domain.ServerAuthored(event) {
		return fmt.Errorf("%w: %s", domain.ErrReservedEvent, event)
	}
	return b.Publish(ctx, room, domain.Event{Name: event, Data: payload})
}

func (b *Broadcaster) Degraded() bool {
	b.degradedMu.Lock()
	defer b.degradedMu.Unlock()
	return b.degraded
}

func (b *Broadcaster) fanOut(ctx context.Context, room string, frames []json.RawMessage) {
	if b.transport == nil {
		b.deliverLocal(room, frames)
		return
	}

	subscribed := b.subscribed.Load()
	receivers, err := b.publish(ctx, room, frames)
	switch {
	case err != nil:
		b.setDegraded(true, "publish failed", err)
		b.deliverLocal(room, frames)
	case !subscribed:
		b.setDegraded(true, "subscription not active", nil)
		b.deliverLocal(room, frames)
	case receivers == 0:
		b.setDegraded(true, "no subscribers received publish", nil)
		b.deliverLocal(room, frames)
	default:
		b.setDegraded(false, "", nil)
		b.metrics.RecordFanout(metrics.ModeTransport)
	}
}

func (b *Broadcaster) publish(ctx context.Context, room string, frames []json.RawMessage) (int64, error) {
	envelope := Envelope{
		ID:          uuid.NewString(),
		Origin:      b.cfg.InstanceID,
		Room:        room,
		Frames:      frames,
		PublishedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()
	return b.transport.Publish(pctx, payload)
}

func (b *Broadcaster) deliverLocal(room string, frames []json.RawMessage) {
	b.metrics.RecordFanout(metrics.ModeLocal)
	b.rooms.Broadcast(room, rawFrames(frames)...)
}

func (b *Broadcaster) setDegraded(degraded bool, reason string, err error) {
	b.degradedMu.Lock()
	changed := b.degraded != degraded
	b.degraded = degraded
	b.degradedMu.Unlock()

	if !changed {
		return
	}
	b.metrics.SetFanoutDegraded(degraded)
	if degraded {
		b.log.Warn("Fan-out transport degraded, delivering to local members only",
			"code", domain.CodeTransportDegraded, "reason", reason, "error", err)
		return
	}
	b.log.Info("Fan-out transport recovered")
}

// Run consumes the transport subscription and delivers every envelope to
// local members until ctx is cancelled. Subscription failures are retried.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.transport == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		sub, err := b.transport.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.setDegraded(true, "subscribe failed", err)
			select {
			case <-time.After(b.cfg.RetryDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		b.subscribed.Store(true)
		b.log.Info("Subscribed to fan-out transport", "instance_id", b.cfg.InstanceID)
		err = b.consume(ctx, sub)
		b.subscribed.Store(false)
		if cerr := sub.Close(); cerr != nil {
			b.log.Debug("Failed to close subscription", "error", cerr)
		}
		if err != nil {
			return err
		}
		b.setDegraded(true, "subscription closed", nil)
	}
}

func (b *Broadcaster) consume(ctx context.Context, sub domain.Subscription) error {
	messages := sub.Messages()
	for {
		select {
		case payload, ok := <-messages:
			if !ok {
				return nil
			}
			b.HandleEnvelope(payload)
		case <-ctx.Done():
			b.log.Info("Fan-out subscriber stopped")
			return ctx.Err()
		}
	}
}

// HandleEnvelope decodes one transport message and delivers it locally.
func (b *Broadcaster) HandleEnvelope(payload []byte) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		b.log.Error("Failed to decode fan-out envelope", "error", err)
		return
	}
	if envelope.Room == "" || len(envelope.Frames) == 0 {
		b.log.Warn("Ignoring empty fan-out envelope", "envelope_id", envelope.ID)
		return
	}

	delivered := b.rooms.Broadcast(envelope.Room, rawFrames(envelope.Frames)...)
	b.log.Debug("Delivered fan-out envelope",
		"envelope_id", envelope.ID, "origin", envelope.Origin, "room", envelope.Room, "members", delivered)
}

func rawFrames(frames []json.RawMessage) [][]byte {
	out := make([][]byte, len(frames))
	for i, frame := range frames {
		out[i] = frame
	}
	return out
}
