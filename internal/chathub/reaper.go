package chathub

import (
	"context"
	"log/slog"
	"time"

	"ochatle/backend/internal/models"
	"ochatle/backend/internal/storage"
)

// ReapReport counts what one reaper pass cleaned up.
type ReapReport struct {
	StaleUsers     int `json:"stale_users"`
	WaitingRemoved int `json:"waiting_removed"`
	RoomsEnded     int `json:"rooms_ended"`
	OrphansPurged  int `json:"orphans_purged"`
}

// PresenceExpirer drops a stale heartbeat. A heartbeat loop still running for
// the user on this node is left alone, so a live client comes back online on
// its next tick.
type PresenceExpirer interface {
	Expire(ctx context.Context, userID string)
}

// ReaperService cleans up after clients that vanished without running their
// unload hook. The absence of heartbeats is the authoritative signal.
type ReaperService struct {
	Storage   storage.Storage
	Lifecycle *LifecycleService
	Presence  PresenceExpirer

	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// NewReaperService Constructor. presence may be nil.
func NewReaperService(s storage.Storage, lifecycle *LifecycleService, presence PresenceExpirer, timeout time.Duration, logger *slog.Logger) *ReaperService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReaperService{
		Storage:   s,
		Lifecycle: lifecycle,
		Presence:  presence,
		timeout:   timeout,
		now:       time.Now,
		log:       logger.With("component", "reaper"),
	}
}

// Run reaps every interval until ctx ends.
func (r *ReaperService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := r.Reap(ctx)
			if err != nil {
				r.log.Warn("reap pass failed", "err", err)
				continue
			}
			if report != (ReapReport{}) {
				r.log.Info("reap pass", "stale_users", report.StaleUsers, "waiting_removed", report.WaitingRemoved,
					"rooms_ended", report.RoomsEnded, "orphans_purged", report.OrphansPurged)
			}
		}
	}
}

// Reap runs one pass. Users are stale when their last heartbeat is older than
// the presence timeout, or when they wait or chat with no heartbeat at all.
func (r *ReaperService) Reap(ctx context.Context) (ReapReport, error) {
	var report ReapReport
	cutoff := r.now().Add(-r.timeout)

	stale, err := r.Storage.StaleUsers(ctx, cutoff)
	if err != nil {
		return report, err
	}
	staleSet := make(map[string]struct{}, len(stale))
	for _, uid := range stale {
		staleSet[uid] = struct{}{}
	}

	if err := r.collectSilent(ctx, staleSet); err != nil {
		return report, err
	}
	report.StaleUsers = len(staleSet)

	for uid := range staleSet {
		entry, err := r.Storage.GetWaitingEntry(ctx, uid)
		if err == nil && entry != nil {
			if err := r.Storage.RemoveWaitingEntry(ctx, uid); err != nil {
				r.log.Warn("remove stale waiting entry failed", "user_id", uid, "err", err)
			} else {
				report.WaitingRemoved++
			}
		}

		room, err := r.Lifecycle.ActiveSessionFor(ctx, uid)
		if err != nil {
			r.log.Warn("active session lookup failed", "user_id", uid, "err", err)
		} else if room != nil {
			if err := r.Lifecycle.EndSession(ctx, room.RoomID, models.EndPartnerLost); err != nil {
				r.log.Warn("end stale session failed", "room_id", room.RoomID, "err", err)
			} else {
				report.RoomsEnded++
			}
		}

		if r.Presence != nil {
			r.Presence.Expire(ctx, uid)
		} else if err := r.Storage.RemovePresence(ctx, uid); err != nil {
			r.log.Warn("remove presence failed", "user_id", uid, "err", err)
		}
	}

	report.OrphansPurged = r.purgeOrphans(ctx)
	return report, nil
}

// collectSilent adds waiting or chatting users that never sent a heartbeat.
func (r *ReaperService) collectSilent(ctx context.Context, stale map[string]struct{}) error {
	var candidates []string

	entries, err := r.Storage.ListWaitingEntries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		candidates = append(candidates, e.UserID)
	}

	roomIDs, err := r.Storage.ActiveRoomIDs(ctx)
	if err != nil {
		return err
	}
	for _, rid := range roomIDs {
		room, err := r.Storage.GetRoom(ctx, rid)
		if err != nil {
			continue
		}
		for _, uid := range room.Participants() {
			candidates = append(candidates, uid)
		}
	}

	for _, uid := range candidates {
		if _, ok := stale[uid]; ok {
			continue
		}
		_, ok, err := r.Storage.LastHeartbeat(ctx, uid)
		if err != nil {
			return err
		}
		if !ok {
			stale[uid] = struct{}{}
		}
	}
	return nil
}

func (r *ReaperService) purgeOrphans(ctx context.Context) int {
	ids, err := r.Storage.OrphanedRooms(ctx)
	if err != nil {
		r.log.Warn("list orphaned rooms failed", "err", err)
		return 0
	}
	purged := 0
	for _, rid := range ids {
		// A reused room id may be live again; its messages are not orphans then.
		if _, err := r.Storage.GetRoom(ctx, rid); err == nil {
			r.Storage.ClearOrphaned(ctx, rid)
			continue
		}
		if err := r.Storage.DeleteMessages(ctx, rid); err != nil {
			r.log.Warn("purge orphaned messages failed", "room_id", rid, "err", err)
			continue
		}
		if err := r.Storage.ClearOrphaned(ctx, rid); err != nil {
			r.log.Warn("clear orphan mark failed", "room_id", rid, "err", err)
			continue
		}
		purged++
	}
	return purged
}
