package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"live-auction/internal/domain"
	"live-auction/internal/metrics"
	"live-auction/pkg/logger"
)

// SessionRegistry is the connection registry as seen by the controller.
type SessionRegistry interface {
	IdentityRegistry
	Identity(connID string) (*domain.Identity, error)
	Leave(connID, room string) bool
	IsMember(connID, room string) bool
	Deregister(connID string) bool
}

type Arbitrator interface {
	SubmitBid(ctx context.Context, attempt domain.BidAttempt) domain.BidOutcome
}

// Result is the uniform outcome of one command: unicast events for the
// originating connection, or a client-facing error.
type Result struct {
	Events []domain.Event
	Err    *domain.CommandError
}

func reply(events ...domain.Event) Result {
	return Result{Events: events}
}

func fail(code domain.ErrorCode) Result {
	return Result{Err: domain.NewCommandError(code)}
}

// Frames encodes the result for the wire. The error frame, if any, comes last.
func (r Result) Frames() ([][]byte, error) {
	events := r.Events
	if r.Err != nil {
		events = append(events[:len(events):len(events)], domain.ErrorEvent(r.Err))
	}

	frames := make([][]byte, 0, len(events))
	for _, event := range events {
		frame, err := event.Encode()
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// SessionController routes inbound commands for one process.
type SessionController struct {
	registry   SessionRegistry
	gatekeeper *Gatekeeper
	arbitrator Arbitrator
	store      domain.AuctionStore
	metrics    metrics.Recorder
	log        logger.Logger
	now        func() time.Time
}

func NewSessionController(registry SessionRegistry, gatekeeper *Gatekeeper, arbitrator Arbitrator,
	store domain.AuctionStore, rec metrics.Recorder, log logger.Logger) *SessionController {
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &SessionController{
		registry:   registry,
		gatekeeper: gatekeeper,
		arbitrator: arbitrator,
		store:      store,
		metrics:    rec,
		log:        log,
		now:        time.Now,
	}
}

// Open runs the handshake for a registered connection. Authentication
// completes before Open returns, so no command sees a half-attached identity.
func (s *SessionController) Open(ctx context.Context, connID, token string) Result {
	identity := s.gatekeeper.Admit(ctx, connID, token)

	payload := domain.ConnectedPayload{ConnectionID: connID}
	if identity != nil {
		payload.Authenticated = true
		payload.UserID = identity.UserID
	}
	return reply(domain.Event{Name: domain.EventConnected, Data: payload})
}

// Close removes the connection from every room.
func (s *SessionController) Close(connID string) {
	s.registry.Deregister(connID)
}

// Dispatch decodes and executes one inbound frame.
func (s *SessionController) Dispatch(ctx context.Context, connID string, frame []byte) Result {
	var cmd domain.Command
	if err := json.Unmarshal(frame, &cmd); err != nil || cmd.Event == "" {
		s.metrics.RecordCommand("invalid")
		return fail(domain.CodeInvalidPayload)
	}

	switch cmd.Event {
	case domain.CmdJoinAuction:
		s.metrics.RecordCommand(cmd.Event)
		return s.joinAuction(ctx, connID, cmd.Data)
	case domain.CmdLeaveAuction:
		s.metrics.RecordCommand(cmd.Event)
		return s.leaveAuction(connID, cmd.Data)
	case domain.CmdPlaceBid:
		s.metrics.RecordCommand(cmd.Event)
		return s.placeBid(ctx, connID, cmd.Data)
	case domain.CmdWatchArtwork:
		s.metrics.RecordCommand(cmd.Event)
		return s.watchArtwork(connID, cmd.Data)
	case domain.CmdUnwatchArtwork:
		s.metrics.RecordCommand(cmd.Event)
		return s.unwatchArtwork(connID, cmd.Data)
	case domain.CmdJoinNotifications:
		s.metrics.RecordCommand(cmd.Event)
		return s.joinNotifications(connID)
	case domain.CmdPing:
		s.metrics.RecordCommand(cmd.Event)
		return reply(domain.Event{Name: domain.EventPong})
	default:
		s.metrics.RecordCommand("unknown")
		s.log.Debug("Unknown command", "connection_id", connID, "event", cmd.Event)
		return fail(domain.CodeInvalidPayload)
	}
}

func (s *SessionController) joinAuction(ctx context.Context, connID string, data json.RawMessage) Result {
	var cmd domain.AuctionCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.AuctionID <= 0 {
		return fail(domain.CodeInvalidPayload)
	}
	room := domain.AuctionRoom(cmd.AuctionID)

	// Join before reading the snapshot so no broadcast falls between the two.
	added, err := s.registry.Join(connID, room)
	if err != nil {
		s.log.Error("Failed to join auction room", "connection_id", connID, "room", room, "error", err)
		return fail(domain.CodeServiceUnavailable)
	}
	undo := func() {
		if added {
			s.registry.Leave(connID, room)
		}
	}

	snapshot, err := s.store.GetAuctionByID(ctx, cmd.AuctionID)
	if err != nil {
		undo()
		if errors.Is(err, domain.ErrAuctionNotFound) {
			return fail(domain.CodeAuctionNotFound)
		}
		s.log.Error("Failed to load auction state", "auction_id", cmd.AuctionID, "error", err)
		return fail(domain.CodeServiceUnavailable)
	}

	now := s.now()
	if snapshot.Phase(now) != domain.PhaseOpen {
		undo()
		return fail(domain.CodeAuctionNotLive)
	}

	s.log.Debug("Joined auction", "connection_id", connID, "auction_id", cmd.AuctionID)
	return reply(domain.Event{Name: domain.EventAuctionState, Data: domain.AuctionState(snapshot, now)})
}

func (s *SessionController) leaveAuction(connID string, data json.RawMessage) Result {
	var cmd domain.AuctionCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.AuctionID <= 0 {
		return fail(domain.CodeInvalidPayload)
	}
	room := domain.AuctionRoom(cmd.AuctionID)
	s.registry.Leave(connID, room)
	return reply(domain.Event{Name: domain.EventLeft, Data: domain.RoomPayload{Room: room}})
}

func (s *SessionController) placeBid(ctx context.Context, connID string, data json.RawMessage) Result {
	identity, err := s.registry.Identity(connID)
	if err != nil {
		return fail(domain.CodeServiceUnavailable)
	}
	if identity == nil {
		return fail(domain.CodeAuthRequired)
	}

	var cmd domain.BidCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.AuctionID <= 0 {
		return fail(domain.CodeInvalidPayload)
	}
	if !s.registry.IsMember(connID, domain.AuctionRoom(cmd.AuctionID)) {
		return fail(domain.CodeNotJoined)
	}
	if cmd.Amount <= 0 || cmd.Amount > domain.MaxBidAmount {
		return fail(domain.CodeInvalidPayload)
	}

	outcome := s.arbitrator.SubmitBid(ctx, domain.BidAttempt{
		AuctionID:    cmd.AuctionID,
		ConnectionID: connID,
		Bidder:       identity,
		Amount:       cmd.Amount,
		SubmittedAt:  s.now(),
	})
	if !outcome.Accepted {
		return Result{Err: outcome.Reject}
	}

	return reply(domain.Event{
		Name: domain.EventBidAccepted,
		Data: domain.BidAcceptedPayload{
			BidID:   outcome.Bid.BidID,
			Amount:  outcome.Bid.Amount,
			Auction: domain.AuctionState(outcome.Snapshot, s.now()),
		},
	})
}

func (s *SessionController) watchArtwork(connID string, data json.RawMessage) Result {
	var cmd domain.ArtworkCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.ArtworkID <= 0 {
		return fail(domain.CodeInvalidPayload)
	}
	return s.join(connID, domain.ArtworkRoom(cmd.ArtworkID))
}

func (s *SessionController) unwatchArtwork(connID string, data json.RawMessage) Result {
	var cmd domain.ArtworkCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.ArtworkID <= 0 {
		return fail(domain.CodeInvalidPayload)
	}
	room := domain.ArtworkRoom(cmd.ArtworkID)
	s.registry.Leave(connID, room)
	return reply(domain.Event{Name: domain.EventLeft, Data: domain.RoomPayload{Room: room}})
}

func (s *SessionController) joinNotifications(connID string) Result {
	identity, err := s.registry.Identity(connID)
	if err != nil {
		return fail(domain.CodeServiceUnavailable)
	}
	if identity == nil {
		return fail(domain.CodeAuthRequired)
	}
	return s.join(connID, domain.NotificationsRoom(identity.UserID))
}

// join adds the connection to room. Identity-scoped rooms only admit the
// connection whose identity they are named after.
func (s *SessionController) join(connID, room string) Result {
	kind, key, err := domain.ParseRoom(room)
	if err != nil {
		return fail(domain.CodeInvalidPayload)
	}
	if kind.IdentityScoped() {
		identity, err := s.registry.Identity(connID)
		if err != nil {
			return fail(domain.CodeServiceUnavailable)
		}
		if identity == nil || identity.UserID != key {
			return fail(domain.CodeAuthRequired)
		}
	}

	if _, err := s.registry.Join(connID, room); err != nil {
		s.log.Error("Failed to join room", "connection_id", connID, "room", room, "error", err)
		return fail(domain.CodeServiceUnavailable)
	}
	return reply(domain.Event{Name: domain.EventJoined, Data: domain.RoomPayload{Room: room}})
}
