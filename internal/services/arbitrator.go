package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"live-auction/internal/domain"
	"live-auction/internal/metrics"
	"live-auction/pkg/logger"
	"live-auction/pkg/utils"
)

const outcomeAccepted = "ACCEPTED"

// BidPublisher hands committed bids to fan-out.
type BidPublisher interface {
	PublishBid(ctx context.Context, bid *domain.CommittedBid) error
}

type ArbitratorConfig struct {
	MaxCommitAttempts int
	CommitTimeout     time.Duration
}

// BidArbitrator validates and commits bids. Attempts on the same auction run
// one at a time in this process; across processes the storage precondition
// on the previously observed current bid decides.
type BidArbitrator struct {
	store       domain.AuctionStore
	publisher   BidPublisher
	leaderboard domain.BidLeaderboard
	locks       *utils.KeyedMutex
	cfg         ArbitratorConfig
	metrics     metrics.Recorder
	log         logger.Logger
	now         func() time.Time
}

// NewBidArbitrator builds an arbitrator. leaderboard may be nil.
func NewBidArbitrator(store domain.AuctionStore, publisher BidPublisher, leaderboard domain.BidLeaderboard,
	cfg ArbitratorConfig, rec metrics.Recorder, log logger.Logger) *BidArbitrator {
	if cfg.MaxCommitAttempts < 1 {
		cfg.MaxCommitAttempts = 4
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 5 * time.Second
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &BidArbitrator{
		store:       store,
		publisher:   publisher,
		leaderboard: leaderboard,
		locks:       utils.NewKeyedMutex(),
		cfg:         cfg,
		metrics:     rec,
		log:         log,
		now:         time.Now,
	}
}

// errRetry marks an attempt whose commit precondition failed.
var errRetry = errors.New("retry")

// SubmitBid runs the arbitration for one attempt. Accepted bids are durably
// committed and handed to fan-out before SubmitBid returns.
func (a *BidArbitrator) SubmitBid(ctx context.Context, attempt domain.BidAttempt) domain.BidOutcome {
	if attempt.SubmittedAt.IsZero() {
		attempt.SubmittedAt = a.now()
	}
	log := a.log.With("auction_id", attempt.AuctionID, "connection_id", attempt.ConnectionID)

	for n := 1; n <= a.cfg.MaxCommitAttempts; n++ {
		outcome, err := a.tryCommit(ctx, attempt, log)
		if errors.Is(err, errRetry) {
			a.metrics.RecordCommitConflict()
			log.Debug("Bid commit precondition failed, retrying", "attempt", n, "amount", attempt.Amount)
			continue
		}
		if outcome.Accepted {
			a.recordLeaderboard(ctx, outcome.Bid, log)
		}
		a.recordOutcome(outcome)
		return outcome
	}

	log.Warn("Bid rejected after exhausting commit attempts",
		"attempts", a.cfg.MaxCommitAttempts, "amount", attempt.Amount, "code", domain.CodeConflictRetryExceeded)
	outcome := domain.Rejected(domain.CodeConflictRetryExceeded)
	a.recordOutcome(outcome)
	return outcome
}

func (a *BidArbitrator) tryCommit(ctx context.Context, attempt domain.BidAttempt, log logger.Logger) (domain.BidOutcome, error) {
	unlock := a.locks.Lock(strconv.FormatInt(attempt.AuctionID, 10))
	defer unlock()

	cctx, cancel := context.WithTimeout(ctx, a.cfg.CommitTimeout)
	defer cancel()

	snapshot, err := a.store.GetAuctionByID(cctx, attempt.AuctionID)
	if err != nil {
		if errors.Is(err, domain.ErrAuctionNotFound) {
			return domain.Rejected(domain.CodeAuctionNotFound), nil
		}
		log.Error("Failed to load auction for bid", "error", err)
		return domain.Rejected(domain.CodeServiceUnavailable), nil
	}

	if phase := snapshot.Phase(a.now()); phase != domain.PhaseOpen {
		log.Debug("Bid on auction that is not open", "phase", phase.String())
		return domain.Rejected(domain.CodeAuctionNotLive), nil
	}
	if attempt.Amount <= snapshot.CurrentBid {
		return domain.Rejected(domain.CodeBidTooLow), nil
	}
	if attempt.Bidder == nil || attempt.Bidder.UserID == "" {
		return domain.Rejected(domain.CodeInvalidBidder), nil
	}

	bid, err := a.store.RecordBid(cctx, domain.BidRecord{
		AuctionID:        attempt.AuctionID,
		BidderID:         attempt.Bidder.UserID,
		BidderName:       attempt.Bidder.DisplayName,
		Amount:           attempt.Amount,
		ExpectedPriorBid: snapshot.CurrentBid,
		PlacedAt:         attempt.SubmittedAt,
	})
	if err != nil {
		if errors.Is(err, domain.ErrBidConflict) {
			return domain.BidOutcome{}, errRetry
		}
		log.Error("Failed to commit bid", "error", err, "amount", attempt.Amount)
		return domain.Rejected(domain.CodeServiceUnavailable), nil
	}

	log.Info("Bid accepted", "bid_id", bid.BidID, "amount", bid.Amount,
		"bidder_id", bid.BidderID, "bid_count", bid.Snapshot.BidCount)

	// Published under the auction lock so fan-out order matches commit order.
	if err := a.publisher.PublishBid(ctx, bid); err != nil {
		log.Error("Failed to publish accepted bid", "bid_id", bid.BidID, "error", err)
	}

	return domain.Accepted(bid), nil
}

// recordLeaderboard runs after the auction lock is released and is bounded by
// the commit timeout.
func (a *BidArbitrator) recordLeaderboard(ctx context.Context, bid *domain.CommittedBid, log logger.Logger) {
	if a.leaderboard == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, a.cfg.CommitTimeout)
	defer cancel()
	if err := a.leaderboard.RecordBid(lctx, bid); err != nil {
		log.Warn("Failed to update bid leaderboard", "bid_id", bid.BidID, "error", err)
	}
}

func (a *BidArbitrator) recordOutcome(outcome domain.BidOutcome) {
	if outcome.Accepted {
		a.metrics.RecordBidOutcome(outcomeAccepted)
		return
	}
	a.metrics.RecordBidOutcome(string(outcome.Reject.Code))
}
