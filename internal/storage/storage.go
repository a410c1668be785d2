// Package storage implements the session store shared by every connected client:
// the waiting pool, active rooms, their messages and call signaling, presence
// heartbeats, and change notifications. Cross-client mutual exclusion comes only
// from the conditional writes offered here.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ochatle/backend/internal/models"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrPreconditionFailed means a conditional write lost a race.
	ErrPreconditionFailed = errors.New("storage: precondition failed")
	// ErrAlreadyWaiting means the user already has a waiting entry.
	ErrAlreadyWaiting = errors.New("storage: user is already waiting")
	// ErrAlreadyInSession means the user already belongs to a room.
	ErrAlreadyInSession = errors.New("storage: user is already in a session")
	// ErrTransient marks network or availability failures worth retrying.
	ErrTransient = errors.New("storage: transient failure")
)

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func isSentinel(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPreconditionFailed) ||
		errors.Is(err, ErrAlreadyWaiting) ||
		errors.Is(err, ErrAlreadyInSession)
}

// Change notification topics.
const (
	TopicPool     = "pool"
	TopicPresence = "presence"
)

// UserTopic fires when the user joins or leaves a room.
func UserTopic(userID string) string { return "user:" + userID }

// RoomTopic fires when the room is created or deleted.
func RoomTopic(roomID string) string { return "room:" + roomID }

// MessagesTopic fires when a message is appended or the messages are purged.
func MessagesTopic(roomID string) string { return "messages:" + roomID }

// CallTopic fires on every change to the room's call signal.
func CallTopic(roomID string) string { return "call:" + roomID }

// Subscription delivers a coalesced tick every time its topic changes.
// A tick carries no payload: receivers reload the full current state.
type Subscription interface {
	C() <-chan struct{}
	Close() error
}

// PresenceStore keeps the last heartbeat of each online user.
type PresenceStore interface {
	Heartbeat(ctx context.Context, userID string, at time.Time) error
	RemovePresence(ctx context.Context, userID string) error
	LastHeartbeat(ctx context.Context, userID string) (time.Time, bool, error)
	StaleUsers(ctx context.Context, cutoff time.Time) ([]string, error)
	CountOnline(ctx context.Context, cutoff time.Time) (int, error)
}

// PoolStore holds the waiting pool.
type PoolStore interface {
	AddWaitingEntry(ctx context.Context, entry models.WaitingEntry) error
	GetWaitingEntry(ctx context.Context, userID string) (*models.WaitingEntry, error)
	RemoveWaitingEntry(ctx context.Context, userID string) error
	ListWaitingEntries(ctx context.Context) ([]models.WaitingEntry, error)
	// ClaimPair atomically removes both waiting entries and stores room.
	ClaimPair(ctx context.Context, selfID, partnerID string, room *models.ChatRoom) error
}

// RoomStore holds active rooms.
type RoomStore interface {
	GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error)
	ActiveRoomFor(ctx context.Context, userID string) (string, error)
	ActiveRoomIDs(ctx context.Context) ([]string, error)
	DeleteRoom(ctx context.Context, roomID string, reason models.EndReason) error
	EndReason(ctx context.Context, roomID string) (models.EndReason, bool, error)
}

// MessageStore holds the messages of active rooms.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.ChatMessage) error
	ListMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error)
	DeleteMessages(ctx context.Context, roomID string) error
	MarkOrphaned(ctx context.Context, roomID string) error
	OrphanedRooms(ctx context.Context) ([]string, error)
	ClearOrphaned(ctx context.Context, roomID string) error
}

// CallStore holds the call signal sub-record of each room.
type CallStore interface {
	GetCallSignal(ctx context.Context, roomID string) (*models.CallSignal, error)
	SetOffer(ctx context.Context, roomID, from string, desc models.SessionDescription) error
	SetAnswer(ctx context.Context, roomID, from string, desc models.SessionDescription) error
	AddCandidate(ctx context.Context, roomID, from, key string, candidate json.RawMessage) error
	ClearCallSignal(ctx context.Context, roomID string) error
}

// Notifier hands out change subscriptions. A subscription is closed when ctx ends.
type Notifier interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Storage is the full session store contract.
type Storage interface {
	PresenceStore
	PoolStore
	RoomStore
	MessageStore
	CallStore
	Notifier

	Ping(ctx context.Context) error
	Close() error
}
