package chathub_test

import (
	"context"
	"testing"
	"time"

	"ochatle/backend/internal/chathub"
	"ochatle/backend/internal/models"
	"ochatle/backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_RemovesStaleUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()

	// A waits with an expired heartbeat, B and C chat while C went silent,
	// D waits without ever sending a heartbeat, E is healthy.
	require.NoError(t, env.Store.Heartbeat(ctx, "user_A", now.Add(-time.Minute)))
	require.NoError(t, env.Store.AddWaitingEntry(ctx, models.WaitingEntry{UserID: "user_A", EnqueuedAt: 1}))

	room := createRoom(t, env, "user_B", "user_C")
	require.NoError(t, env.Store.Heartbeat(ctx, "user_B", now))
	require.NoError(t, env.Store.Heartbeat(ctx, "user_C", now.Add(-time.Minute)))

	require.NoError(t, env.Store.AddWaitingEntry(ctx, models.WaitingEntry{UserID: "user_D", EnqueuedAt: 2}))

	require.NoError(t, env.Store.Heartbeat(ctx, "user_E", now))
	require.NoError(t, env.Store.AddWaitingEntry(ctx, models.WaitingEntry{UserID: "user_E", EnqueuedAt: 3}))

	report, err := env.Reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, chathub.ReapReport{StaleUsers: 3, WaitingRemoved: 2, RoomsEnded: 1}, report)

	entries, err := env.Store.ListWaitingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "user_E", entries[0].UserID)

	_, err = env.Store.GetRoom(ctx, room.RoomID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	reason, _, err := env.Store.EndReason(ctx, room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, models.EndPartnerLost, reason)

	_, ok, err := env.Store.LastHeartbeat(ctx, "user_A")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = env.Store.LastHeartbeat(ctx, "user_B")
	require.NoError(t, err)
	assert.True(t, ok, "the healthy partner stays online")

	// A second pass finds nothing left to do.
	report, err = env.Reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, chathub.ReapReport{}, report)
}

// A connected partner of a reaped user is moved back to searching.
func TestReaper_PartnerOfVanishedUserResumesSearching(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, connA := env.connect(t, "user_A", "A")
	connA.Do(models.ClientCommand{Type: models.CmdSearch})

	// user_B vanished long ago but still waits in the pool.
	require.NoError(t, env.Store.Heartbeat(ctx, "user_B", time.Now().Add(-time.Minute)))
	require.NoError(t, env.Store.AddWaitingEntry(ctx, models.WaitingEntry{UserID: "user_B", EnqueuedAt: 1}))

	connA.WaitFor(t, "matched with the ghost", isType(models.EvtMatched))

	report, err := env.Reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RoomsEnded)

	left := connA.WaitFor(t, "partner_left", isType(models.EvtPartnerLeft))
	assert.Equal(t, models.EndPartnerLost, left.Reason)
	assert.Eventually(t, func() bool {
		_, err := env.Store.GetWaitingEntry(ctx, "user_A")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
}

// A connected searcher whose heartbeat merely lagged is expired, not
// disconnected: its heartbeat and its waiting entry come back.
func TestReaper_LiveSearcherRecovers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, connA := env.connect(t, "user_A", "A")
	connA.Do(models.ClientCommand{Type: models.CmdSearch})
	require.Eventually(t, func() bool {
		_, err := env.Store.GetWaitingEntry(ctx, "user_A")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.Store.Heartbeat(ctx, "user_A", time.Now().Add(-time.Minute)))
	report, err := env.Reaper.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleUsers)
	assert.Equal(t, 1, report.WaitingRemoved)

	assert.False(t, connA.IsClosed())
	assert.Eventually(t, func() bool {
		online, err := env.Presence.IsOnline(ctx, "user_A")
		return err == nil && online
	}, time.Second, 10*time.Millisecond, "the heartbeat loop must survive the reap")
	assert.Eventually(t, func() bool {
		_, err := env.Store.GetWaitingEntry(ctx, "user_A")
		return err == nil
	}, 5*testResync, 10*time.Millisecond, "the search must re-admit the user")
}
