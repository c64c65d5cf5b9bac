package domain

import (
	"fmt"
	"strconv"
	"strings"
)

type RoomKind string

const (
	RoomAuction       RoomKind = "auction"
	RoomArtwork       RoomKind = "artwork"
	RoomUser          RoomKind = "user"
	RoomNotifications RoomKind = "notifications"
)

func AuctionRoom(auctionID int64) string {
	return fmt.Sprintf("%s:%d", RoomAuction, auctionID)
}

func ArtworkRoom(artworkID int64) string {
	return fmt.Sprintf("%s:%d", RoomArtwork, artworkID)
}

func UserRoom(userID string) string {
	return fmt.Sprintf("%s:%s", RoomUser, userID)
}

func NotificationsRoom(userID string) string {
	return fmt.Sprintf("%s:%s", RoomNotifications, userID)
}

// ParseRoom splits a room name into its kind and key. Auction and artwork
// keys must be positive integers.
func ParseRoom(room string) (RoomKind, string, error) {
	kind, key, ok := strings.Cut(room, ":")
	if !ok || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}

	switch RoomKind(kind) {
	case RoomAuction, RoomArtwork:
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || id <= 0 {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidRoom, room)
		}
	case RoomUser, RoomNotifications:
	default:
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}

	return RoomKind(kind), key, nil
}

// IdentityScoped reports whether joining the room requires an authenticated
// connection.
func (k RoomKind) IdentityScoped() bool {
	return k == RoomUser || k == RoomNotifications
}
