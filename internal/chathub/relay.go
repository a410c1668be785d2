package chathub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"ochatle/backend/internal/models"
	"ochatle/backend/internal/storage"

	nanoid "github.com/jaevor/go-nanoid"
)

// MaxMessageLength is the longest accepted message, in runes.
const MaxMessageLength = 2000

// RelayService appends messages to rooms and serves them as live ordered lists.
type RelayService struct {
	Storage storage.Storage

	clock  *Clock
	newID  func() string
	resync time.Duration
	log    *slog.Logger
}

// NewRelayService Constructor
func NewRelayService(s storage.Storage, clock *Clock, resync time.Duration, logger *slog.Logger) (*RelayService, error) {
	newID, err := nanoid.Standard(21)
	if err != nil {
		return nil, fmt.Errorf("message id generator: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = NewClock()
	}
	return &RelayService{
		Storage: s,
		clock:   clock,
		newID:   newID,
		resync:  resync,
		log:     logger.With("component", "relay"),
	}, nil
}

// Send appends text to the room. Blank text is ignored: Send returns
// (nil, nil) and stores nothing.
func (r *RelayService) Send(ctx context.Context, roomID, senderID, text string) (*models.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return nil, ErrMessageTooLong
	}

	room, err := r.Storage.GetRoom(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionEnded
	}
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}

	msg := &models.ChatMessage{
		ID:        r.newID(),
		RoomID:    roomID,
		SenderID:  senderID,
		Text:      text,
		Timestamp: r.clock.Now(),
	}
	err = withRetry(ctx, func(ctx context.Context) error {
		return r.Storage.AppendMessage(ctx, msg)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionEnded
	}
	if err != nil {
		r.log.Error("append message failed", "room_id", roomID, "user_id", senderID, "err", err)
		return nil, err
	}
	return msg, nil
}

// Observe delivers the room's full ordered message list now and after every change.
func (r *RelayService) Observe(ctx context.Context, roomID string) <-chan []models.ChatMessage {
	return observe(ctx, r.Storage, []string{storage.MessagesTopic(roomID)}, r.resync, r.log,
		func(ctx context.Context) ([]models.ChatMessage, error) {
			msgs, err := r.Storage.ListMessages(ctx, roomID)
			if err != nil {
				return nil, err
			}
			models.SortMessages(msgs)
			return msgs, nil
		})
}
