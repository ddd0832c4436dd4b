// Package deathqueue holds join requests that are waiting for their requester
// to pass the challenge. Every entry either gets verified or expires; the
// queue guarantees only one of the two ever happens for a given entry.
package deathqueue

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by Enqueue when the user already has a pending
// request for the same chat.
var ErrDuplicate = errors.New("deathqueue: join request already pending")

// Key identifies a pending request. There is at most one entry per key.
type Key struct {
	UserID int64
	ChatID int64
}

// JoinRequest is one pending challenge.
type JoinRequest struct {
	UserID    int64  `json:"user_id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`         // challenge message in the user's private chat
	JoinTime  int64  `json:"join_time"`          // issuance time, ms since epoch
	Language  string `json:"language,omitempty"` // requester's language code
}

// Key returns the uniqueness key of the request.
func (r JoinRequest) Key() Key {
	return Key{UserID: r.UserID, ChatID: r.ChatID}
}

// Expired reports whether a request issued at joinTime (ms) is older than ttl
// at now. An age of exactly ttl is still fresh.
func Expired(joinTime int64, now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-joinTime > ttl.Milliseconds()
}

// Store persists the queue. The Manager keeps the authoritative copy in
// memory and writes through to the Store after every mutation.
type Store interface {
	LoadAll(ctx context.Context) ([]JoinRequest, error)
	Put(ctx context.Context, req JoinRequest) error
	Delete(ctx context.Context, key Key) error
}
