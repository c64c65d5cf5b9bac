package domain

import (
	"errors"
)

var (
	ErrAuctionNotFound      = errors.New("auction not found")
	ErrBidConflict          = errors.New("bid precondition failed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrConnectionNotFound   = errors.New("connection not registered")
	ErrConnectionExists     = errors.New("connection already registered")
	ErrInvalidRoom          = errors.New("invalid room name")
	ErrTransportUnavailable = errors.New("fan-out transport unavailable")
	ErrReservedEvent        = errors.New("event name is reserved")
)

// ErrorCode is the stable code carried by an `error` frame.
type ErrorCode string

const (
	CodeAuthRequired          ErrorCode = "AUTH_REQUIRED"
	CodeAuctionNotFound       ErrorCode = "AUCTION_NOT_FOUND"
	CodeAuctionNotLive        ErrorCode = "AUCTION_NOT_LIVE"
	CodeBidTooLow             ErrorCode = "BID_TOO_LOW"
	CodeConflictRetryExceeded ErrorCode = "CONFLICT_RETRY_EXCEEDED"
	CodeInvalidPayload        ErrorCode = "INVALID_PAYLOAD"
	CodeInvalidBidder         ErrorCode = "INVALID_BIDDER"
	CodeServiceUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
	CodeNotJoined             ErrorCode = "NOT_JOINED"
	CodeRateLimited           ErrorCode = "RATE_LIMITED"

	// CodeTransportDegraded is logged and exported as a metric, never sent
	// to clients.
	CodeTransportDegraded ErrorCode = "TRANSPORT_DEGRADED"
)

var defaultMessages = map[ErrorCode]string{
	CodeAuthRequired:          "Authentication is required for this action",
	CodeAuctionNotFound:       "Auction not found",
	CodeAuctionNotLive:        "Auction is not accepting bids",
	CodeBidTooLow:             "Bid must be higher than the current bid",
	CodeConflictRetryExceeded: "Auction is busy, please try again",
	CodeInvalidPayload:        "Invalid request payload",
	CodeInvalidBidder:         "Bidder identity is missing",
	CodeServiceUnavailable:    "Service temporarily unavailable",
	CodeNotJoined:             "Join the auction before bidding",
	CodeRateLimited:           "Too many requests",
	CodeTransportDegraded:     "Fan-out transport degraded",
}

func (c ErrorCode) Message() string {
	if msg, ok := defaultMessages[c]; ok {
		return msg
	}
	return string(c)
}

// CommandError is a client-facing rejection. Message never carries internal
// error text.
type CommandError struct {
	Code    ErrorCode
	Message string
}

func NewCommandError(code ErrorCode) *CommandError {
	return &CommandError{Code: code, Message: code.Message()}
}

func (e *CommandError) Error() string {
	return string(e.Code) + ": " + e.Message
}
