package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"live-auction/internal/domain"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

const auctionColumns = `id, status, current_bid, highest_bidder_id, highest_bidder_name, bid_count, end_time`

const closeAttempts = 3

// AuctionStore is the MySQL-backed auction state. Bids are committed with an
// optimistic precondition on the current bid, so concurrent writers from
// other processes are detected rather than overwritten.
type AuctionStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewAuctionStore(db *sql.DB) *AuctionStore {
	return &AuctionStore{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*domain.AuctionSnapshot, error) {
	var (
		s          domain.AuctionSnapshot
		status     string
		currentBid decimal.Decimal
		bidderID   sql.NullString
		bidderName sql.NullString
	)
	if err := row.Scan(&s.AuctionID, &status, &currentBid, &bidderID, &bidderName, &s.BidCount, &s.EndTime); err != nil {
		return nil, err
	}

	s.Status = domain.AuctionStatus(status)
	if !s.Status.Valid() {
		return nil, fmt.Errorf("auction %d has unknown status %q", s.AuctionID, status)
	}
	minor, err := toMinor(currentBid)
	if err != nil {
		return nil, err
	}
	s.CurrentBid = minor
	s.HighestBidderID = bidderID.String
	s.HighestBidderName = bidderName.String
	return &s, nil
}

func (r *AuctionStore) GetAuctionByID(ctx context.Context, auctionID int64) (*domain.AuctionSnapshot, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = ?`

	snapshot, err := scanSnapshot(r.db.QueryRowContext(ctx, query, auctionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAuctionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %d: %w", auctionID, err)
	}
	return snapshot, nil
}

// RecordBid commits a bid if the auction is still live, not past its end
// time, and its current bid still equals rec.ExpectedPriorBid. Otherwise it
// returns domain.ErrBidConflict and nothing is written.
func (r *AuctionStore) RecordBid(ctx context.Context, rec domain.BidRecord) (*domain.CommittedBid, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bid transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
        UPDATE auctions
        SET current_bid = ?, highest_bidder_id = ?, highest_bidder_name = ?, bid_count = bid_count + 1, updated_at = ?
        WHERE id = ? AND current_bid = ? AND status = 'live' AND end_time > ?
    `,
		fromMinor(rec.Amount), rec.BidderID, rec.BidderName, rec.PlacedAt,
		rec.AuctionID, fromMinor(rec.ExpectedPriorBid), rec.PlacedAt)
	if err != nil {
		return nil, fmt.Errorf("update auction %d: %w", rec.AuctionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, domain.ErrBidConflict
	}

	res, err = tx.ExecContext(ctx, `
        INSERT INTO bids (auction_id, user_id, bidder_name, amount, created_at)
        VALUES (?, ?, ?, ?, ?)
    `, rec.AuctionID, rec.BidderID, rec.BidderName, fromMinor(rec.Amount), rec.PlacedAt)
	if err != nil {
		return nil, fmt.Errorf("insert bid: %w", err)
	}
	bidID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	snapshot, err := scanSnapshot(tx.QueryRowContext(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = ?`, rec.AuctionID))
	if err != nil {
		return nil, fmt.Errorf("reload auction %d: %w", rec.AuctionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bid: %w", err)
	}

	return &domain.CommittedBid{
		BidID:      bidID,
		AuctionID:  rec.AuctionID,
		BidderID:   rec.BidderID,
		BidderName: rec.BidderName,
		Amount:     rec.Amount,
		CreatedAt:  rec.PlacedAt,
		Snapshot:   *snapshot,
	}, nil
}

// CloseExpired marks every live auction whose end time is at or before now
// as ended and returns the final snapshots. Rows another process closed first
// are skipped.
func (r *AuctionStore) CloseExpired(ctx context.Context, now time.Time) ([]domain.AuctionSnapshot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE status = 'live' AND end_time <= ? ORDER BY end_time ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired auctions: %w", err)
	}

	var expired []domain.AuctionSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, *snapshot)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var closed []domain.AuctionSnapshot
	for _, snapshot := range expired {
		final, err := r.closeAuction(ctx, snapshot, now)
		if err != nil {
			return closed, err
		}
		if final != nil {
			closed = append(closed, *final)
		}
	}
	return closed, nil
}

// closeAuction ends one auction only if its bid count is still the one the
// snapshot was read with. A bid committed in between changes the count, so
// the row is re-read and the close retried with the fresh snapshot. A nil
// snapshot means the auction is no longer this sweep's to close.
func (r *AuctionStore) closeAuction(ctx context.Context, snapshot domain.AuctionSnapshot, now time.Time) (*domain.AuctionSnapshot, error) {
	for attempt := 0; attempt < closeAttempts; attempt++ {
		res, err := r.db.ExecContext(ctx,
			`UPDATE auctions SET status = 'ended', updated_at = ? WHERE id = ? AND status = 'live' AND bid_count = ?`,
			r.now(), snapshot.AuctionID, snapshot.BidCount)
		if err != nil {
			return nil, fmt.Errorf("close auction %d: %w", snapshot.AuctionID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected > 0 {
			snapshot.Status = domain.AuctionEnded
			return &snapshot, nil
		}

		fresh, err := r.GetAuctionByID(ctx, snapshot.AuctionID)
		if errors.Is(err, domain.ErrAuctionNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if fresh.Status != domain.AuctionLive || fresh.EndTime.After(now) {
			return nil, nil
		}
		snapshot = *fresh
	}
	// Still contended; the next sweep picks it up.
	return nil, nil
}
