package domain

import (
	"time"
)

type AuctionStatus string

const (
	AuctionScheduled AuctionStatus = "scheduled"
	AuctionLive      AuctionStatus = "live"
	AuctionEnded     AuctionStatus = "ended"
)

func (s AuctionStatus) Valid() bool {
	switch s {
	case AuctionScheduled, AuctionLive, AuctionEnded:
		return true
	default:
		return false
	}
}

// Phase is the arbitration view of an auction. The status column only moves
// through external transitions, so a live auction whose end time has passed
// is CLOSING until the close sweep marks it ended.
type Phase int

const (
	PhasePending Phase = iota
	PhaseOpen
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "PENDING"
	case PhaseOpen:
		return "OPEN"
	case PhaseClosing:
		return "CLOSING"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// MaxBidAmount is the largest amount, in minor units, the DECIMAL(12,2)
// money columns can hold.
const MaxBidAmount int64 = 999_999_999_999

// AuctionSnapshot is the authoritative state of one auction as read from
// storage. Amounts are integer minor units.
type AuctionSnapshot struct {
	AuctionID         int64
	Status            AuctionStatus
	CurrentBid        int64
	HighestBidderID   string
	HighestBidderName string
	BidCount          int64
	EndTime           time.Time
}

func (s *AuctionSnapshot) Phase(now time.Time) Phase {
	switch s.Status {
	case AuctionLive:
		if now.Before(s.EndTime) {
			return PhaseOpen
		}
		return PhaseClosing
	case AuctionEnded:
		return PhaseClosed
	default:
		return PhasePending
	}
}

func (s *AuctionSnapshot) TimeRemaining(now time.Time) time.Duration {
	if s.Status != AuctionLive {
		return 0
	}
	if remaining := s.EndTime.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

type Identity struct {
	UserID      string
	DisplayName string
	Role        string
}

// BidAttempt is one bid submission. SubmittedAt is assigned by the accepting
// process. Bidder is nil for anonymous connections.
type BidAttempt struct {
	AuctionID    int64
	ConnectionID string
	Bidder       *Identity
	Amount       int64
	SubmittedAt  time.Time
}

// BidRecord is what the arbitrator asks storage to commit. ExpectedPriorBid
// is the current bid observed before the commit and acts as the optimistic
// precondition.
type BidRecord struct {
	AuctionID        int64
	BidderID         string
	BidderName       string
	Amount           int64
	ExpectedPriorBid int64
	PlacedAt         time.Time
}

// CommittedBid is a durably stored bid together with the auction state it
// produced.
type CommittedBid struct {
	BidID      int64
	AuctionID  int64
	BidderID   string
	BidderName string
	Amount     int64
	CreatedAt  time.Time
	Snapshot   AuctionSnapshot
}

type BidOutcome struct {
	Accepted bool
	Bid      *CommittedBid
	Snapshot *AuctionSnapshot
	Reject   *CommandError
}

func Accepted(bid *CommittedBid) BidOutcome {
	snapshot := bid.Snapshot
	return BidOutcome{Accepted: true, Bid: bid, Snapshot: &snapshot}
}

func Rejected(code ErrorCode) BidOutcome {
	return BidOutcome{Reject: NewCommandError(code)}
}

type LeaderboardEntry struct {
	BidID      int64     `json:"bidId"`
	BidderID   string    `json:"bidderId"`
	BidderName string    `json:"bidderName"`
	Amount     int64     `json:"amount"`
	CreatedAt  time.Time `json:"createdAt"`
}
