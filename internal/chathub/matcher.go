package chathub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ochatle/backend/internal/models"
	"ochatle/backend/internal/storage"
)

const dequeueTimeout = 5 * time.Second

// MatcherService відповідає за алгоритм пошуку співрозмовників.
// Every searching client runs its own matcher loop against the shared pool;
// the only cross-client synchronisation is the store's conditional claim.
type MatcherService struct {
	Storage   storage.Storage
	Lifecycle *LifecycleService

	clock  *Clock
	resync time.Duration
	log    *slog.Logger
}

// NewMatcherService створює новий Matcher.
func NewMatcherService(s storage.Storage, lifecycle *LifecycleService, clock *Clock, resync time.Duration, logger *slog.Logger) *MatcherService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = NewClock()
	}
	return &MatcherService{
		Storage:   s,
		Lifecycle: lifecycle,
		clock:     clock,
		resync:    resync,
		log:       logger.With("component", "matcher"),
	}
}

// Enqueue admits the user to the waiting pool. Enqueue is idempotent: for a
// user who already waits the existing entry is returned. A user with a live
// room gets storage.ErrAlreadyInSession.
func (m *MatcherService) Enqueue(ctx context.Context, user models.User) (models.WaitingEntry, error) {
	name := user.DisplayName
	if name == "" {
		name = models.DefaultDisplayName
	}
	entry := models.WaitingEntry{UserID: user.ID, DisplayName: name}

	// The entry may be claimed between the failed add and the read; one more
	// round settles it.
	for attempt := 0; attempt < 2; attempt++ {
		entry.EnqueuedAt = m.clock.Now()
		err := withRetry(ctx, func(ctx context.Context) error {
			return m.Storage.AddWaitingEntry(ctx, entry)
		})
		if err == nil {
			m.log.Debug("user enqueued", "user_id", user.ID)
			return entry, nil
		}
		if !errors.Is(err, storage.ErrAlreadyWaiting) {
			return models.WaitingEntry{}, err
		}
		existing, err := m.Storage.GetWaitingEntry(ctx, user.ID)
		if err == nil {
			return *existing, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return models.WaitingEntry{}, err
		}
	}
	return models.WaitingEntry{}, storage.ErrPreconditionFailed
}

// Dequeue removes the user's waiting entry. Removing a missing entry succeeds.
func (m *MatcherService) Dequeue(ctx context.Context, userID string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return m.Storage.RemoveWaitingEntry(ctx, userID)
	})
}

// ObserveCandidates delivers every other waiting entry, ordered by enqueue
// time and then user id, now and on every pool change.
func (m *MatcherService) ObserveCandidates(ctx context.Context, selfID string) <-chan []models.WaitingEntry {
	return observe(ctx, m.Storage, []string{storage.TopicPool}, m.resync, m.log,
		func(ctx context.Context) ([]models.WaitingEntry, error) {
			entries, err := m.Storage.ListWaitingEntries(ctx)
			if err != nil {
				return nil, err
			}
			others := make([]models.WaitingEntry, 0, len(entries))
			for _, e := range entries {
				if e.UserID != selfID {
					others = append(others, e)
				}
			}
			models.SortCandidates(others)
			return others, nil
		})
}

// observeOwnRoom delivers the user's live room (nil while there is none).
func (m *MatcherService) observeOwnRoom(ctx context.Context, userID string) <-chan *models.ChatRoom {
	return observe(ctx, m.Storage, []string{storage.UserTopic(userID)}, m.resync, m.log,
		func(ctx context.Context) (*models.ChatRoom, error) {
			return m.Lifecycle.ActiveSessionFor(ctx, userID)
		})
}

// Search enqueues the user and races the other waiting clients until the user
// ends up in a room, either by claiming a candidate or by being claimed.
// Candidates are tried earliest first. A lost claim is not an error: the
// search goes on with the next snapshot. When ctx ends the entry is removed;
// a room that was formed meanwhile still wins and is returned.
func (m *MatcherService) Search(ctx context.Context, user models.User) (*models.ChatRoom, error) {
	if room, err := m.Lifecycle.ActiveSessionFor(ctx, user.ID); err != nil || room != nil {
		return room, err
	}

	watchCtx, stop := context.WithCancel(ctx)
	defer stop()
	// Subscribe before enqueueing so being claimed right away is not missed.
	rooms := m.observeOwnRoom(watchCtx, user.ID)

	entry, err := m.Enqueue(ctx, user)
	if errors.Is(err, storage.ErrAlreadyInSession) {
		return m.Lifecycle.ActiveSessionFor(ctx, user.ID)
	}
	if err != nil {
		return nil, err
	}
	candidates := m.ObserveCandidates(watchCtx, user.ID)

	resync := m.resync
	if resync <= 0 {
		resync = DefaultResync
	}
	ticker := time.NewTicker(resync)
	defer ticker.Stop()

	// last is retried on every resync tick: a failed claim or a vanished own
	// entry does not change the candidate snapshot.
	var last []models.WaitingEntry
	for {
		var list []models.WaitingEntry
		select {
		case <-ctx.Done():
			return m.abandon(user.ID, ctx.Err())

		case room, ok := <-rooms:
			if !ok {
				return m.abandon(user.ID, ctx.Err())
			}
			if room != nil {
				return room, nil
			}
			continue

		case snapshot, ok := <-candidates:
			if !ok {
				return m.abandon(user.ID, ctx.Err())
			}
			last = snapshot
			list = snapshot

		case <-ticker.C:
			list = last
		}

		room, err := m.tryClaim(ctx, entry, list)
		if room != nil || err != nil {
			return room, err
		}
		entry, err = m.ensureWaiting(ctx, user, entry)
		if err != nil {
			if errors.Is(err, storage.ErrAlreadyInSession) {
				return m.Lifecycle.ActiveSessionFor(ctx, user.ID)
			}
			return nil, err
		}
	}
}

// tryClaim attempts the candidates in order. It returns (nil, nil) when every
// claim was lost or skipped.
func (m *MatcherService) tryClaim(ctx context.Context, self models.WaitingEntry, list []models.WaitingEntry) (*models.ChatRoom, error) {
	for _, candidate := range list {
		room, err := m.Lifecycle.CreateSession(ctx, self, candidate)
		switch {
		case err == nil:
			return room, nil
		case errors.Is(err, storage.ErrPreconditionFailed):
			// Someone else got there first; keep searching.
			continue
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, nil
		default:
			m.log.Warn("claim failed", "user_id", self.UserID, "partner_id", candidate.UserID, "err", err)
			return nil, nil
		}
	}
	return nil, nil
}

// ensureWaiting re-admits a user whose entry vanished without a room, for
// example after being reaped during a store outage.
func (m *MatcherService) ensureWaiting(ctx context.Context, user models.User, entry models.WaitingEntry) (models.WaitingEntry, error) {
	_, err := m.Storage.GetWaitingEntry(ctx, user.ID)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return entry, nil
	}
	if room, err := m.Lifecycle.ActiveSessionFor(ctx, user.ID); err != nil || room != nil {
		return entry, err
	}
	return m.Enqueue(ctx, user)
}

// abandon removes the entry after a cancelled search. If a partner claimed the
// user in the meantime, that room is returned instead of the error.
func (m *MatcherService) abandon(userID string, cause error) (*models.ChatRoom, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dequeueTimeout)
	defer cancel()

	if err := m.Dequeue(ctx, userID); err != nil {
		m.log.Warn("dequeue failed", "user_id", userID, "err", err)
	}
	room, err := m.Lifecycle.ActiveSessionFor(ctx, userID)
	if err == nil && room != nil {
		return room, nil
	}
	if cause == nil {
		cause = context.Canceled
	}
	return nil, cause
}
