package handlers

import (
	"context"
	"sync"
	"time"

	"live-auction/internal/domain"
)

// auctionFixture is a single-table in-memory auction store.
type auctionFixture struct {
	mu       sync.Mutex
	auctions map[int64]*domain.AuctionSnapshot
	nextID   int64
}

func newAuctionFixture(ids ...int64) *auctionFixture {
	f := &auctionFixture{auctions: make(map[int64]*domain.AuctionSnapshot)}
	for _, id := range ids {
		f.auctions[id] = &domain.AuctionSnapshot{
			AuctionID:  id,
			Status:     domain.AuctionLive,
			CurrentBid: 100,
			BidCount:   3,
			EndTime:    time.Now().Add(time.Hour),
		}
	}
	return f
}

func (f *auctionFixture) GetAuctionByID(_ context.Context, id int64) (*domain.AuctionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[id]
	if !ok {
		return nil, domain.ErrAuctionNotFound
	}
	snapshot := *a
	return &snapshot, nil
}

func (f *auctionFixture) RecordBid(_ context.Context, rec domain.BidRecord) (*domain.CommittedBid, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.auctions[rec.AuctionID]
	if !ok || a.CurrentBid != rec.ExpectedPriorBid {
		return nil, domain.ErrBidConflict
	}
	a.CurrentBid = rec.Amount
	a.HighestBidderID = rec.BidderID
	a.HighestBidderName = rec.BidderName
	a.BidCount++
	f.nextID++
	return &domain.CommittedBid{
		BidID:      f.nextID,
		AuctionID:  rec.AuctionID,
		BidderID:   rec.BidderID,
		BidderName: rec.BidderName,
		Amount:     rec.Amount,
		CreatedAt:  rec.PlacedAt,
		Snapshot:   *a,
	}, nil
}
