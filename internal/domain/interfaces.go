package domain

import (
	"context"
	"time"
)

// AuctionStore is the auction-state collaborator. GetAuctionByID returns
// ErrAuctionNotFound for unknown ids and RecordBid returns ErrBidConflict when
// the optimistic precondition no longer holds.
type AuctionStore interface {
	GetAuctionByID(ctx context.Context, auctionID int64) (*AuctionSnapshot, error)
	RecordBid(ctx context.Context, record BidRecord) (*CommittedBid, error)
}

type AuctionCloseStore interface {
	CloseExpired(ctx context.Context, now time.Time) ([]AuctionSnapshot, error)
}

type BidHistory interface {
	ListBids(ctx context.Context, auctionID int64, limit int) ([]LeaderboardEntry, error)
}

// IdentityVerifier is the identity collaborator.
type IdentityVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Identity, error)
}

// Transport is the cross-process pub/sub channel used for fan-out. Publish
// reports how many subscribers received the payload.
type Transport interface {
	Publish(ctx context.Context, payload []byte) (int64, error)
	Subscribe(ctx context.Context) (Subscription, error)
}

type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

type BidLeaderboard interface {
	RecordBid(ctx context.Context, bid *CommittedBid) error
	Top(ctx context.Context, auctionID int64, limit int) ([]LeaderboardEntry, error)
}

// Leader election interface
type LeaderElection interface {
	BecomeLeader(ctx context.Context, instanceID string) (bool, error)
	IsLeader(ctx context.Context, instanceID string) (bool, error)
	ReleaseLeadership(ctx context.Context, instanceID string) error
}
