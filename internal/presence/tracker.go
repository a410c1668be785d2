// Package presence keeps each connected user's online state fresh through
// periodic heartbeats and exposes a live online counter.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ochatle/backend/internal/storage"
)

// Store is the part of the session store the tracker needs.
type Store interface {
	storage.PresenceStore
	storage.Notifier
}

// StatusWriter mirrors the online flag into the user records.
type StatusWriter interface {
	SetUserOnline(ctx context.Context, userID string, online bool, at time.Time) error
}

// Config tunes the tracker.
type Config struct {
	// HeartbeatInterval is the period of heartbeat writes for an online user.
	HeartbeatInterval time.Duration
	// Timeout is how old a heartbeat may get before the user counts as offline.
	Timeout time.Duration
	// CountRefresh is the resync period of ObserveOnlineCount.
	CountRefresh time.Duration
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Tracker writes heartbeats for online users. Its methods never fail:
// storage errors are logged and the next heartbeat tick retries.
type Tracker struct {
	store Store
	users StatusWriter
	cfg   Config
	log   *slog.Logger
	now   func() time.Time

	mu    sync.Mutex
	loops map[string]*loop
}

// NewTracker creates a tracker. users may be nil when no user records are kept.
func NewTracker(store Store, users StatusWriter, cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store: store,
		users: users,
		cfg:   cfg,
		log:   logger.With("component", "presence"),
		now:   time.Now,
		loops: make(map[string]*loop),
	}
}

// MarkOnline writes a heartbeat now and keeps writing one every
// HeartbeatInterval until ctx ends or MarkOffline is called. A running loop
// for the same user is replaced.
func (t *Tracker) MarkOnline(ctx context.Context, userID string) {
	t.stopLoop(userID)

	t.beat(ctx, userID)
	if t.users != nil {
		if err := t.users.SetUserOnline(ctx, userID, true, t.now()); err != nil {
			t.log.Warn("set user online failed", "user_id", userID, "err", err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	t.loops[userID] = l
	t.mu.Unlock()

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(t.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				t.refresh(loopCtx, userID)
			}
		}
	}()
}

// MarkOffline stops the heartbeat loop and removes the user's heartbeat.
// Calling it for an offline user is a no-op.
func (t *Tracker) MarkOffline(ctx context.Context, userID string) {
	t.stopLoop(userID)

	if err := t.store.RemovePresence(ctx, userID); err != nil {
		t.log.Warn("remove presence failed", "user_id", userID, "err", err)
	}
	if t.users != nil {
		if err := t.users.SetUserOnline(ctx, userID, false, t.now()); err != nil {
			t.log.Warn("set user offline failed", "user_id", userID, "err", err)
		}
	}
}

// Expire removes a stale heartbeat and marks the user offline without
// touching a running heartbeat loop: a client still connected here is back
// online on its next tick.
func (t *Tracker) Expire(ctx context.Context, userID string) {
	if err := t.store.RemovePresence(ctx, userID); err != nil {
		t.log.Warn("expire presence failed", "user_id", userID, "err", err)
	}
	if t.users != nil {
		if err := t.users.SetUserOnline(ctx, userID, false, t.now()); err != nil {
			t.log.Warn("set user offline failed", "user_id", userID, "err", err)
		}
	}
}

// IsOnline reports whether the user's last heartbeat is within Timeout.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	at, ok, err := t.store.LastHeartbeat(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	return !at.Before(t.now().Add(-t.cfg.Timeout)), nil
}

// OnlineCount returns the number of users with a fresh heartbeat.
func (t *Tracker) OnlineCount(ctx context.Context) (int, error) {
	return t.store.CountOnline(ctx, t.now().Add(-t.cfg.Timeout))
}

// ObserveOnlineCount delivers the online count immediately and then whenever
// it changes. Changes are picked up from presence notifications and from a
// CountRefresh resync. The channel is closed when ctx ends.
func (t *Tracker) ObserveOnlineCount(ctx context.Context) <-chan int {
	out := make(chan int)
	go func() {
		defer close(out)

		var tick <-chan struct{}
		sub, err := t.store.Subscribe(ctx, storage.TopicPresence)
		if err != nil {
			t.log.Warn("presence subscribe failed, polling only", "err", err)
		} else {
			defer sub.Close()
			tick = sub.C()
		}

		ticker := time.NewTicker(t.cfg.CountRefresh)
		defer ticker.Stop()

		last := -1
		for {
			n, err := t.OnlineCount(ctx)
			if err != nil {
				t.log.Warn("count online failed", "err", err)
			} else if n != last {
				select {
				case out <- n:
					last = n
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-tick:
			case <-ticker.C:
			}
		}
	}()
	return out
}

func (t *Tracker) beat(ctx context.Context, userID string) bool {
	if err := t.store.Heartbeat(ctx, userID, t.now()); err != nil {
		if ctx.Err() == nil {
			t.log.Warn("heartbeat failed", "user_id", userID, "err", err)
		}
		return false
	}
	return true
}

// refresh is the periodic heartbeat. When the previous heartbeat was expired
// meanwhile, the user row is marked online again.
func (t *Tracker) refresh(ctx context.Context, userID string) {
	_, present, err := t.store.LastHeartbeat(ctx, userID)
	if !t.beat(ctx, userID) || err != nil || present || t.users == nil {
		return
	}
	if err := t.users.SetUserOnline(ctx, userID, true, t.now()); err != nil {
		t.log.Warn("set user online failed", "user_id", userID, "err", err)
	}
}

// stopLoop cancels the user's heartbeat loop and waits for it, so no
// heartbeat lands after it returns.
func (t *Tracker) stopLoop(userID string) {
	t.mu.Lock()
	l, ok := t.loops[userID]
	delete(t.loops, userID)
	t.mu.Unlock()
	if ok {
		l.cancel()
		<-l.done
	}
}
