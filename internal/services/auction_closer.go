package services

import (
	"context"
	"time"

	"live-auction/internal/domain"
	"live-auction/pkg/logger"
)

// RoomPublisher publishes events to a room on every process.
type RoomPublisher interface {
	Publish(ctx context.Context, room string, events ...domain.Event) error
}

// AuctionCloser ends live auctions whose end time has passed and announces
// the result. Only the elected leader sweeps.
type AuctionCloser struct {
	store      domain.AuctionCloseStore
	election   domain.LeaderElection
	publisher  RoomPublisher
	instanceID string
	log        logger.Logger
	now        func() time.Time
}

// NewAuctionCloser builds a closer. A nil election makes this process always
// sweep.
func NewAuctionCloser(store domain.AuctionCloseStore, election domain.LeaderElection, publisher RoomPublisher,
	instanceID string, log logger.Logger) *AuctionCloser {
	return &AuctionCloser{
		store:      store,
		election:   election,
		publisher:  publisher,
		instanceID: instanceID,
		log:        log,
		now:        time.Now,
	}
}

// Sweep closes expired auctions and returns how many were closed.
func (c *AuctionCloser) Sweep(ctx context.Context) (int, error) {
	leader, err := c.ensureLeader(ctx)
	if err != nil {
		return 0, err
	}
	if !leader {
		return 0, nil
	}

	closed, err := c.store.CloseExpired(ctx, c.now())
	if err != nil {
		return 0, err
	}

	for i := range closed {
		snapshot := &closed[i]
		c.log.Info("Auction ended", "auction_id", snapshot.AuctionID,
			"final_bid", snapshot.CurrentBid, "bid_count", snapshot.BidCount, "winner_id", snapshot.HighestBidderID)
		if err := c.publisher.Publish(ctx, domain.AuctionRoom(snapshot.AuctionID), domain.AuctionEndedEvent(snapshot)); err != nil {
			c.log.Error("Failed to publish auction ended", "auction_id", snapshot.AuctionID, "error", err)
		}
	}
	return len(closed), nil
}

func (c *AuctionCloser) ensureLeader(ctx context.Context) (bool, error) {
	if c.election == nil {
		return true, nil
	}

	leader, err := c.election.IsLeader(ctx, c.instanceID)
	if err != nil {
		return false, err
	}
	if leader {
		return true, nil
	}

	became, err := c.election.BecomeLeader(ctx, c.instanceID)
	if err != nil {
		return false, err
	}
	if became {
		c.log.Info("Became auction close leader", "instance_id", c.instanceID)
	}
	return became, nil
}

// Resign releases leadership if this process holds it.
func (c *AuctionCloser) Resign(ctx context.Context) error {
	if c.election == nil {
		return nil
	}
	return c.election.ReleaseLeadership(ctx, c.instanceID)
}
