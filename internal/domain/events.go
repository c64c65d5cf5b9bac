package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Inbound command names.
const (
	CmdJoinAuction       = "join-auction"
	CmdLeaveAuction      = "leave-auction"
	CmdPlaceBid          = "place-bid"
	CmdWatchArtwork      = "watch-artwork"
	CmdUnwatchArtwork    = "unwatch-artwork"
	CmdJoinNotifications = "join-notifications"
	CmdPing              = "ping"
)

// Outbound event names.
const (
	EventConnected      = "connected"
	EventAuctionState   = "auction-state"
	EventJoined         = "joined"
	EventLeft           = "left"
	EventBidAccepted    = "bid-accepted"
	EventBidPlaced      = "bid-placed"
	EventAuctionUpdated = "auction-updated"
	EventAuctionEnded   = "auction-ended"
	EventError          = "error"
	EventPong           = "pong"
)

// ServerAuthored reports whether event may only originate from bid
// arbitration or the close sweep, never from an external emitter.
func ServerAuthored(event string) bool {
	switch event {
	case EventConnected, EventAuctionState, EventBidAccepted, EventBidPlaced,
		EventAuctionUpdated, EventAuctionEnded, EventError:
		return true
	default:
		return false
	}
}

// Command is an inbound frame: {"event": "...", "data": {...}}.
type Command struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is an outbound frame.
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data,omitempty"`
}

func (e Event) Encode() ([]byte, error) {
	frame, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Name, err)
	}
	return frame, nil
}

type AuctionCommand struct {
	AuctionID int64 `json:"auctionId"`
}

// UnmarshalJSON accepts either {"auctionId": 42} or a bare 42.
func (c *AuctionCommand) UnmarshalJSON(data []byte) error {
	id, err := decodeID(data, "auctionId")
	if err != nil {
		return err
	}
	c.AuctionID = id
	return nil
}

type ArtworkCommand struct {
	ArtworkID int64 `json:"artworkId"`
}

func (c *ArtworkCommand) UnmarshalJSON(data []byte) error {
	id, err := decodeID(data, "artworkId")
	if err != nil {
		return err
	}
	c.ArtworkID = id
	return nil
}

type BidCommand struct {
	AuctionID int64 `json:"auctionId"`
	Amount    int64 `json:"amount"`
}

func decodeID(data []byte, field string) (int64, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		var id int64
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return 0, err
		}
		return id, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return 0, err
	}
	raw, ok := fields[field]
	if !ok {
		return 0, fmt.Errorf("missing %s", field)
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return id, nil
}

type ConnectedPayload struct {
	ConnectionID  string `json:"connectionId"`
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId,omitempty"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type AuctionStatePayload struct {
	AuctionID       int64     `json:"auctionId"`
	Status          string    `json:"status"`
	CurrentBid      int64     `json:"currentBid"`
	BidCount        int64     `json:"bidCount"`
	HighestBidderID string    `json:"highestBidderId,omitempty"`
	LeadingBidder   string    `json:"leadingBidder,omitempty"`
	EndTime         time.Time `json:"endTime"`
	TimeRemainingMs int64     `json:"timeRemainingMs"`
}

type BidAcceptedPayload struct {
	BidID   int64               `json:"bidId"`
	Amount  int64               `json:"amount"`
	Auction AuctionStatePayload `json:"auction"`
}

type BidPlacedPayload struct {
	BidID      int64     `json:"bidId"`
	AuctionID  int64     `json:"auctionId"`
	Amount     int64     `json:"amount"`
	BidderID   string    `json:"bidderId"`
	BidderName string    `json:"bidderName"`
	CreatedAt  time.Time `json:"createdAt"`
}

type AuctionUpdatedPayload struct {
	AuctionID  int64 `json:"auctionId"`
	CurrentBid int64 `json:"currentBid"`
	BidCount   int64 `json:"bidCount"`
}

type AuctionEndedPayload struct {
	AuctionID int64  `json:"auctionId"`
	FinalBid  int64  `json:"finalBid"`
	BidCount  int64  `json:"bidCount"`
	WinnerID  string `json:"winnerId,omitempty"`
}

type ErrorPayload struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code"`
}

func AuctionState(s *AuctionSnapshot, now time.Time) AuctionStatePayload {
	return AuctionStatePayload{
		AuctionID:       s.AuctionID,
		Status:          string(s.Status),
		CurrentBid:      s.CurrentBid,
		BidCount:        s.BidCount,
		HighestBidderID: s.HighestBidderID,
		LeadingBidder:   s.HighestBidderName,
		EndTime:         s.EndTime,
		TimeRemainingMs: s.TimeRemaining(now).Milliseconds(),
	}
}

// BidEvents returns the bid-placed / auction-updated pair for a committed bid.
func BidEvents(bid *CommittedBid) []Event {
	return []Event{
		{
			Name: EventBidPlaced,
			Data: BidPlacedPayload{
				BidID:      bid.BidID,
				AuctionID:  bid.AuctionID,
				Amount:     bid.Amount,
				BidderID:   bid.BidderID,
				BidderName: bid.BidderName,
				CreatedAt:  bid.CreatedAt,
			},
		},
		{
			Name: EventAuctionUpdated,
			Data: AuctionUpdatedPayload{
				AuctionID:  bid.AuctionID,
				CurrentBid: bid.Snapshot.CurrentBid,
				BidCount:   bid.Snapshot.BidCount,
			},
		},
	}
}

func AuctionEndedEvent(s *AuctionSnapshot) Event {
	return Event{
		Name: EventAuctionEnded,
		Data: AuctionEndedPayload{
			AuctionID: s.AuctionID,
			FinalBid:  s.CurrentBid,
			BidCount:  s.BidCount,
			WinnerID:  s.HighestBidderID,
		},
	}
}

func ErrorEvent(err *CommandError) Event {
	return Event{Name: EventError, Data: ErrorPayload{Message: err.Message, Code: err.Code}}
}
