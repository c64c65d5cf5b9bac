package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"live-auction/internal/domain"

	"github.com/shopspring/decimal"
)

type BidRepository struct {
	db *sql.DB
}

func NewBidRepository(db *sql.DB) *BidRepository {
	return &BidRepository{db: db}
}

// ListBids returns the highest bids of an auction, highest first.
func (r *BidRepository) ListBids(ctx context.Context, auctionID int64, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
        SELECT id, user_id, bidder_name, amount, created_at
        FROM bids
        WHERE auction_id = ?
        ORDER BY amount DESC, id ASC
        LIMIT ?
    `

	rows, err := r.db.QueryContext(ctx, query, auctionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list bids for auction %d: %w", auctionID, err)
	}
	defer rows.Close()

	entries := make([]domain.LeaderboardEntry, 0, limit)
	for rows.Next() {
		var (
			entry  domain.LeaderboardEntry
			amount decimal.Decimal
		)
		if err := rows.Scan(&entry.BidID, &entry.BidderID, &entry.BidderName, &amount, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if entry.Amount, err = toMinor(amount); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
