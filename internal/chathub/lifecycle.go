package chathub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ochatle/backend/internal/models"
	"ochatle/backend/internal/storage"

	"golang.org/x/sync/singleflight"
)

const teardownTimeout = 10 * time.Second

// SessionState is one observation of a room: either the live room or the
// fact that it ended and why.
type SessionState struct {
	Room   *models.ChatRoom
	Ended  bool
	Reason models.EndReason
}

// LifecycleService creates and tears down chat rooms.
type LifecycleService struct {
	Storage storage.Storage

	resync   time.Duration
	log      *slog.Logger
	teardown singleflight.Group
	now      func() time.Time
}

// NewLifecycleService Constructor
func NewLifecycleService(s storage.Storage, resync time.Duration, logger *slog.Logger) *LifecycleService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleService{
		Storage: s,
		resync:  resync,
		log:     logger.With("component", "lifecycle"),
		now:     time.Now,
	}
}

// CreateSession claims partner for self: both waiting entries are removed and
// the room is stored in one conditional write. A lost race surfaces as
// storage.ErrPreconditionFailed and leaves the store untouched. Transient
// failures retry the whole claim.
func (l *LifecycleService) CreateSession(ctx context.Context, self, partner models.WaitingEntry) (*models.ChatRoom, error) {
	room := models.NewChatRoom(self, partner, l.now())
	err := withRetry(ctx, func(ctx context.Context) error {
		return l.Storage.ClaimPair(ctx, self.UserID, partner.UserID, room)
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("session created", "room_id", room.RoomID, "user_id", self.UserID, "partner_id", partner.UserID)
	return room, nil
}

// EndSession deletes the room's messages and then the room. Concurrent calls
// for one room share a single teardown; ending a missing room is a no-op.
// A failed message purge does not keep the room alive: the room is marked
// orphaned for the reaper and deleted anyway.
func (l *LifecycleService) EndSession(ctx context.Context, roomID string, reason models.EndReason) error {
	if !reason.Valid() {
		reason = models.EndPartnerLost
	}
	_, err, _ := l.teardown.Do(roomID, func() (interface{}, error) {
		// Teardown outlives the caller that started it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		return nil, l.endSession(ctx, roomID, reason)
	})
	return err
}

func (l *LifecycleService) endSession(ctx context.Context, roomID string, reason models.EndReason) error {
	if _, err := l.Storage.GetRoom(ctx, roomID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}

	purged := l.purgeMessages(ctx, roomID)

	err := withRetry(ctx, func(ctx context.Context) error {
		return l.Storage.DeleteRoom(ctx, roomID, reason)
	})
	if err != nil {
		l.log.Error("delete room failed", "room_id", roomID, "reason", reason, "err", err)
		return err
	}

	// A message may have landed between the purge and the room deletion.
	if purged {
		l.purgeMessages(ctx, roomID)
	}
	l.log.Info("session ended", "room_id", roomID, "reason", reason)
	return nil
}

// purgeMessages reports whether the messages are gone. On failure the room
// is recorded as orphaned.
func (l *LifecycleService) purgeMessages(ctx context.Context, roomID string) bool {
	err := withRetry(ctx, func(ctx context.Context) error {
		return l.Storage.DeleteMessages(ctx, roomID)
	})
	if err == nil {
		return true
	}
	l.log.Warn("delete messages failed, marking room orphaned", "room_id", roomID, "err", err)
	if err := l.Storage.MarkOrphaned(ctx, roomID); err != nil {
		l.log.Error("mark orphaned failed", "room_id", roomID, "err", err)
	}
	return false
}

// ObserveSession delivers the room's state now and on every change. Once the
// room is gone the state carries Ended and the recorded reason.
func (l *LifecycleService) ObserveSession(ctx context.Context, roomID string) <-chan SessionState {
	return observe(ctx, l.Storage, []string{storage.RoomTopic(roomID)}, l.resync, l.log,
		func(ctx context.Context) (SessionState, error) {
			room, err := l.Storage.GetRoom(ctx, roomID)
			if err == nil {
				return SessionState{Room: room}, nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return SessionState{}, err
			}
			reason, ok, err := l.Storage.EndReason(ctx, roomID)
			if err != nil {
				return SessionState{}, err
			}
			if !ok {
				reason = models.EndPartnerLost
			}
			return SessionState{Ended: true, Reason: reason}, nil
		})
}

// ActiveSessionFor returns the user's live room, or nil when there is none.
func (l *LifecycleService) ActiveSessionFor(ctx context.Context, userID string) (*models.ChatRoom, error) {
	roomID, err := l.Storage.ActiveRoomFor(ctx, userID)
	if err != nil || roomID == "" {
		return nil, err
	}
	room, err := l.Storage.GetRoom(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return room, err
}
