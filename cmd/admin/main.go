package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"ochatle/backend/internal/app"
	"ochatle/backend/internal/chathub"
	"ochatle/backend/internal/config"
	"ochatle/backend/internal/models"
	"ochatle/backend/internal/presence"
	"ochatle/backend/internal/storage"
)

const usage = `Usage: admin <command> [args]

Commands:
  reap                           run one cleanup pass over stale users and orphaned rooms
  online                         print the number of online users
  waiting                        list the waiting pool
  rooms                          list active rooms
  end-session <room_id> [reason] end a room (reason: skip, exit, partner_lost; default partner_lost)`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := app.NewLogger(cfg, os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to connect session store: %v", err)
	}
	defer store.Close()

	command := os.Args[1]
	switch command {
	case "reap":
		users, err := app.OpenUsers(cfg, logger)
		if err != nil {
			log.Fatalf("failed to connect database: %v", err)
		}
		tracker := presence.NewTracker(store, users, presence.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			Timeout:           cfg.PresenceTimeout,
			CountRefresh:      cfg.OnlineCountRefresh,
		}, logger)
		lifecycle := chathub.NewLifecycleService(store, chathub.DefaultResync, logger)
		reaper := chathub.NewReaperService(store, lifecycle, tracker, cfg.PresenceTimeout, logger)

		report, err := reaper.Reap(ctx)
		if err != nil {
			log.Fatalf("Error reaping: %v", err)
		}
		fmt.Printf("Stale users: %d\nWaiting entries removed: %d\nRooms ended: %d\nOrphans purged: %d\n",
			report.StaleUsers, report.WaitingRemoved, report.RoomsEnded, report.OrphansPurged)

	case "online":
		count, err := store.CountOnline(ctx, time.Now().Add(-cfg.PresenceTimeout))
		if err != nil {
			log.Fatalf("Error counting online users: %v", err)
		}
		fmt.Printf("Online: %d\n", count)

	case "waiting":
		if err := listWaiting(ctx, store); err != nil {
			log.Fatalf("Error listing waiting pool: %v", err)
		}

	case "rooms":
		if err := listRooms(ctx, store); err != nil {
			log.Fatalf("Error listing rooms: %v", err)
		}

	case "end-session":
		if len(os.Args) < 3 || len(os.Args) > 4 {
			fmt.Println("Usage: admin end-session <room_id> [reason]")
			os.Exit(1)
		}
		roomID := os.Args[2]
		reason := models.EndPartnerLost
		if len(os.Args) == 4 {
			reason = models.EndReason(os.Args[3])
			if !reason.Valid() {
				fmt.Println("Invalid reason. Use skip, exit or partner_lost.")
				os.Exit(1)
			}
		}
		lifecycle := chathub.NewLifecycleService(store, chathub.DefaultResync, logger)
		if err := lifecycle.EndSession(ctx, roomID, reason); err != nil {
			log.Fatalf("Error ending session: %v", err)
		}
		fmt.Printf("Session %s has been ended (%s).\n", roomID, reason)

	default:
		fmt.Println("Unknown command")
		fmt.Println(usage)
		os.Exit(1)
	}
}

func listWaiting(ctx context.Context, s storage.Storage) error {
	entries, err := s.ListWaitingEntries(ctx)
	if err != nil {
		return err
	}
	models.SortCandidates(entries)
	for _, e := range entries {
		fmt.Printf("%s\t%s\t%s\n", e.UserID, e.DisplayName, time.UnixMilli(e.EnqueuedAt).Format(time.RFC3339))
	}
	fmt.Printf("Waiting: %d\n", len(entries))
	return nil
}

func listRooms(ctx context.Context, s storage.Storage) error {
	ids, err := s.ActiveRoomIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		room, err := s.GetRoom(ctx, id)
		if err != nil {
			continue
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", room.RoomID, room.User1ID, room.User2ID, room.StartedAt.Format(time.RFC3339))
	}
	fmt.Printf("Rooms: %d\n", len(ids))
	return nil
}
