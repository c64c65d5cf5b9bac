package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"live-auction/internal/domain"

	"github.com/go-redis/redis/v8"
)

// Leaderboard keeps the accepted bids of each auction in a sorted set scored
// by amount. It is a read model: the auction store stays authoritative.
type Leaderboard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLeaderboard(client *redis.Client, ttl time.Duration) *Leaderboard {
	return &Leaderboard{client: client, ttl: ttl}
}

func leaderboardKey(auctionID int64) string {
	return fmt.Sprintf("auction:%d:bids", auctionID)
}

type leaderboardMember struct {
	BidID      int64  `json:"id"`
	BidderID   string `json:"uid"`
	BidderName string `json:"name"`
	CreatedAt  int64  `json:"ts"`
}

func encodeMember(bid *domain.CommittedBid) (string, error) {
	raw, err := json.Marshal(leaderboardMember{
		BidID:      bid.BidID,
		BidderID:   bid.BidderID,
		BidderName: bid.BidderName,
		CreatedAt:  bid.CreatedAt.UnixMilli(),
	})
	return string(raw), err
}

func decodeMember(z redis.Z) (domain.LeaderboardEntry, error) {
	raw, ok := z.Member.(string)
	if !ok {
		return domain.LeaderboardEntry{}, fmt.Errorf("unexpected leaderboard member %T", z.Member)
	}
	var m leaderboardMember
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return domain.LeaderboardEntry{}, err
	}
	return domain.LeaderboardEntry{
		BidID:      m.BidID,
		BidderID:   m.BidderID,
		BidderName: m.BidderName,
		Amount:     int64(z.Score),
		CreatedAt:  time.UnixMilli(m.CreatedAt).UTC(),
	}, nil
}

func (l *Leaderboard) RecordBid(ctx context.Context, bid *domain.CommittedBid) error {
	member, err := encodeMember(bid)
	if err != nil {
		return err
	}

	key := leaderboardKey(bid.AuctionID)
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(bid.Amount), Member: member})
	if l.ttl > 0 {
		pipe.Expire(ctx, key, l.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Top returns up to limit bids, highest first.
func (l *Leaderboard) Top(ctx context.Context, auctionID int64, limit int) ([]domain.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	result, err := l.client.ZRevRangeWithScores(ctx, leaderboardKey(auctionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LeaderboardEntry, 0, len(result))
	for _, z := range result {
		entry, err := decodeMember(z)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
