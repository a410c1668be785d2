package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"ochatle/backend/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	endedTombstoneTTL = time.Minute
	watchRetries      = 3
)

// RedisStore is the shared Storage used when several server processes serve
// clients. Conditional writes are WATCH/MULTI/EXEC transactions; change
// notifications travel over Redis Pub/Sub.
type RedisStore struct {
	Redis  *redis.Client
	prefix string
	log    *slog.Logger
}

// NewRedisStore wraps an existing client. Every key and channel starts with prefix.
func NewRedisStore(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		Redis:  rdb,
		prefix: prefix,
		log:    logger.With("component", "redis_store"),
	}
}

var _ Storage = (*RedisStore)(nil)

func (s *RedisStore) waitingKey(userID string) string  { return s.prefix + "waiting:" + userID }
func (s *RedisStore) waitingIndexKey() string          { return s.prefix + "waiting" }
func (s *RedisStore) roomKey(roomID string) string     { return s.prefix + "room:" + roomID }
func (s *RedisStore) roomIndexKey() string             { return s.prefix + "rooms" }
func (s *RedisStore) userRoomKey(userID string) string { return s.prefix + "user-room:" + userID }
func (s *RedisStore) messagesKey(roomID string) string { return s.prefix + "room:" + roomID + ":messages" }
func (s *RedisStore) callKey(roomID string) string     { return s.prefix + "room:" + roomID + ":call" }
func (s *RedisStore) endedKey(roomID string) string    { return s.prefix + "room:" + roomID + ":ended" }
func (s *RedisStore) presenceKey() string              { return s.prefix + "presence" }
func (s *RedisStore) orphansKey() string               { return s.prefix + "orphans" }
func (s *RedisStore) channel(topic string) string      { return s.prefix + "topic:" + topic }

// wrap turns driver failures into the storage taxonomy.
func (s *RedisStore) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case isSentinel(err):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return ErrPreconditionFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return Transient(op, err)
	}
}

// watch runs fn as an optimistic transaction over keys. Concurrent changes to
// the watched keys abort the attempt; the attempt is repeated up to retries times.
func (s *RedisStore) watch(ctx context.Context, op string, retries int, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i <= retries; i++ {
		err = s.Redis.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	return s.wrap(op, err)
}

func (s *RedisStore) publish(ctx context.Context, topics ...string) {
	for _, topic := range topics {
		if err := s.Redis.Publish(ctx, s.channel(topic), "1").Err(); err != nil {
			// Observers resync periodically, a lost tick only delays them.
			s.log.Warn("publish failed", "topic", topic, "err", err)
		}
	}
}

func (s *RedisStore) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := s.Redis.Subscribe(ctx, s.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, s.wrap("subscribe", err)
	}

	sub := newSubscription(ps.Close)
	go func() {
		defer sub.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				sub.notify()
			}
		}
	}()
	return sub, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.wrap("ping", s.Redis.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.Redis.Close()
}

// --- presence ---

func (s *RedisStore) Heartbeat(ctx context.Context, userID string, at time.Time) error {
	added, err := s.Redis.ZAdd(ctx, s.presenceKey(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: userID,
	}).Result()
	if err != nil {
		return s.wrap("heartbeat", err)
	}
	if added > 0 {
		s.publish(ctx, TopicPresence)
	}
	return nil
}

func (s *RedisStore) RemovePresence(ctx context.Context, userID string) error {
	removed, err := s.Redis.ZRem(ctx, s.presenceKey(), userID).Result()
	if err != nil {
		return s.wrap("remove presence", err)
	}
	if removed > 0 {
		s.publish(ctx, TopicPresence)
	}
	return nil
}

func (s *RedisStore) LastHeartbeat(ctx context.Context, userID string) (time.Time, bool, error) {
	score, err := s.Redis.ZScore(ctx, s.presenceKey(), userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, s.wrap("last heartbeat", err)
	}
	return time.UnixMilli(int64(score)), true, nil
}

func (s *RedisStore) StaleUsers(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.Redis.ZRangeByScore(ctx, s.presenceKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	return ids, s.wrap("stale users", err)
}

func (s *RedisStore) CountOnline(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := s.Redis.ZCount(ctx, s.presenceKey(), strconv.FormatInt(cutoff.UnixMilli(), 10), "+inf").Result()
	return int(n), s.wrap("count online", err)
}

// --- pool ---

func (s *RedisStore) AddWaitingEntry(ctx context.Context, entry models.WaitingEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	wk, rk := s.waitingKey(entry.UserID), s.userRoomKey(entry.UserID)

	err = s.watch(ctx, "add waiting entry", watchRetries, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, wk).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyWaiting
		}
		if n, err = tx.Exists(ctx, rk).Result(); err != nil {
			return err
		} else if n > 0 {
			return ErrAlreadyInSession
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, wk, data, 0)
			pipe.SAdd(ctx, s.waitingIndexKey(), entry.UserID)
			return nil
		})
		return err
	}, wk, rk)
	if err != nil {
		return err
	}

	s.publish(ctx, TopicPool)
	return nil
}

func (s *RedisStore) GetWaitingEntry(ctx context.Context, userID string) (*models.WaitingEntry, error) {
	data, err := s.Redis.Get(ctx, s.waitingKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get waiting entry", err)
	}
	var entry models.WaitingEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *RedisStore) RemoveWaitingEntry(ctx context.Context, userID string) error {
	var del *redis.IntCmd
	_, err := s.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.waitingKey(userID))
		pipe.SRem(ctx, s.waitingIndexKey(), userID)
		return nil
	})
	if err != nil {
		return s.wrap("remove waiting entry", err)
	}
	if del.Val() > 0 {
		s.publish(ctx, TopicPool)
	}
	return nil
}

func (s *RedisStore) ListWaitingEntries(ctx context.Context) ([]models.WaitingEntry, error) {
	ids, err := s.Redis.SMembers(ctx, s.waitingIndexKey()).Result()
	if err != nil {
		return nil, s.wrap("list waiting entries", err)
	}
	if len(ids) == 0 {
		return []models.WaitingEntry{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.waitingKey(id)
	}
	values, err := s.Redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.wrap("list waiting entries", err)
	}

	entries := make([]models.WaitingEntry, 0, len(values))
	var dangling []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			dangling = append(dangling, ids[i])
			continue
		}
		var entry models.WaitingEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			s.log.Warn("skipping malformed waiting entry", "user_id", ids[i], "err", err)
			continue
		}
		entries = append(entries, entry)
	}
	if len(dangling) > 0 {
		if err := s.Redis.SRem(ctx, s.waitingIndexKey(), dangling...).Err(); err != nil {
			s.log.Warn("remove dangling waiting index entries failed", "count", len(dangling), "err", err)
		}
	}

	models.SortCandidates(entries)
	return entries, nil
}

func (s *RedisStore) ClaimPair(ctx context.Context, selfID, partnerID string, room *models.ChatRoom) error {
	if selfID == partnerID || !room.HasParticipant(selfID) || !room.HasParticipant(partnerID) {
		return ErrPreconditionFailed
	}
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}

	rid := room.RoomID
	selfWK, partnerWK := s.waitingKey(selfID), s.waitingKey(partnerID)
	selfRK, partnerRK := s.userRoomKey(selfID), s.userRoomKey(partnerID)

	// No retry: an aborted claim means someone else changed the pool and the
	// caller must look at the pool again.
	err = s.watch(ctx, "claim pair", 0, func(tx *redis.Tx) error {
		waiting, err := tx.Exists(ctx, selfWK, partnerWK).Result()
		if err != nil {
			return err
		}
		busy, err := tx.Exists(ctx, selfRK, partnerRK).Result()
		if err != nil {
			return err
		}
		if waiting != 2 || busy != 0 {
			return ErrPreconditionFailed
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, selfWK, partnerWK)
			pipe.SRem(ctx, s.waitingIndexKey(), selfID, partnerID)
			pipe.Del(ctx, s.messagesKey(rid), s.callKey(rid), s.endedKey(rid))
			pipe.Set(ctx, s.roomKey(rid), data, 0)
			pipe.SAdd(ctx, s.roomIndexKey(), rid)
			pipe.Set(ctx, selfRK, rid, 0)
			pipe.Set(ctx, partnerRK, rid, 0)
			return nil
		})
		return err
	}, selfWK, partnerWK, selfRK, partnerRK)
	if err != nil {
		return err
	}

	s.publish(ctx, TopicPool, UserTopic(selfID), UserTopic(partnerID),
		RoomTopic(rid), MessagesTopic(rid), CallTopic(rid))
	return nil
}

// --- rooms ---

func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	data, err := s.Redis.Get(ctx, s.roomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get room", err)
	}
	var room models.ChatRoom
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *RedisStore) ActiveRoomFor(ctx context.Context, userID string) (string, error) {
	rid, err := s.Redis.Get(ctx, s.userRoomKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return rid, s.wrap("active room for user", err)
}

func (s *RedisStore) ActiveRoomIDs(ctx context.Context) ([]string, error) {
	ids, err := s.Redis.SMembers(ctx, s.roomIndexKey()).Result()
	return ids, s.wrap("active room ids", err)
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string, reason models.EndReason) error {
	rk := s.roomKey(roomID)
	var room *models.ChatRoom

	err := s.watch(ctx, "delete room", watchRetries, func(tx *redis.Tx) error {
		room = nil
		data, err := tx.Get(ctx, rk).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var r models.ChatRoom
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, rk, s.callKey(roomID))
			pipe.SRem(ctx, s.roomIndexKey(), roomID)
			for _, uid := range r.Participants() {
				pipe.Del(ctx, s.userRoomKey(uid))
			}
			pipe.Set(ctx, s.endedKey(roomID), string(reason), endedTombstoneTTL)
			return nil
		})
		if err == nil {
			room = &r
		}
		return err
	}, rk)
	if err != nil || room == nil {
		return err
	}

	s.publish(ctx, RoomTopic(roomID), UserTopic(room.User1ID), UserTopic(room.User2ID), CallTopic(roomID))
	return nil
}

func (s *RedisStore) EndReason(ctx context.Context, roomID string) (models.EndReason, bool, error) {
	reason, err := s.Redis.Get(ctx, s.endedKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrap("end reason", err)
	}
	return models.EndReason(reason), true, nil
}

// --- messages ---

// whileRoomExists runs queue in a transaction that aborts if the room is gone.
func (s *RedisStore) whileRoomExists(ctx context.Context, op, roomID string, queue func(pipe redis.Pipeliner) error) error {
	rk := s.roomKey(roomID)
	return s.watch(ctx, op, watchRetries, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, rk).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, queue)
		return err
	}, rk)
}

func (s *RedisStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	stored := *msg
	stored.Seq = 0 // the list position is the sequence
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	var push *redis.IntCmd
	err = s.whileRoomExists(ctx, "append message", msg.RoomID, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, s.messagesKey(msg.RoomID), data)
		return nil
	})
	if err != nil {
		return err
	}

	msg.Seq = push.Val()
	s.publish(ctx, MessagesTopic(msg.RoomID))
	return nil
}

func (s *RedisStore) ListMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	raw, err := s.Redis.LRange(ctx, s.messagesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, s.wrap("list messages", err)
	}
	msgs := make([]models.ChatMessage, 0, len(raw))
	for i, item := range raw {
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.log.Warn("skipping malformed message", "room_id", roomID, "err", err)
			continue
		}
		msg.Seq = int64(i + 1)
		msgs = append(msgs, msg)
	}
	models.SortMessages(msgs)
	return msgs, nil
}

func (s *RedisStore) DeleteMessages(ctx context.Context, roomID string) error {
	n, err := s.Redis.Del(ctx, s.messagesKey(roomID)).Result()
	if err != nil {
		return s.wrap("delete messages", err)
	}
	if n > 0 {
		s.publish(ctx, MessagesTopic(roomID))
	}
	return nil
}

func (s *RedisStore) MarkOrphaned(ctx context.Context, roomID string) error {
	return s.wrap("mark orphaned", s.Redis.SAdd(ctx, s.orphansKey(), roomID).Err())
}

func (s *RedisStore) OrphanedRooms(ctx context.Context) ([]string, error) {
	ids, err := s.Redis.SMembers(ctx, s.orphansKey()).Result()
	return ids, s.wrap("orphaned rooms", err)
}

func (s *RedisStore) ClearOrphaned(ctx context.Context, roomID string) error {
	return s.wrap("clear orphaned", s.Redis.SRem(ctx, s.orphansKey(), roomID).Err())
}

// --- call signal ---

// Call hash fields: "offer:<from>", "answer:<from>", "ice:<participant>:<key>".
func parseSignal(fields map[string]string) (*models.CallSignal, error) {
	sig := &models.CallSignal{}
	for field, value := range fields {
		parts := strings.SplitN(field, ":", 3)
		switch {
		case parts[0] == "offer" && len(parts) == 2:
			var desc models.SessionDescription
			if err := json.Unmarshal([]byte(value), &desc); err != nil {
				return nil, err
			}
			sig.Offer, sig.OfferFrom = &desc, parts[1]
		case parts[0] == "answer" && len(parts) == 2:
			var desc models.SessionDescription
			if err := json.Unmarshal([]byte(value), &desc); err != nil {
				return nil, err
			}
			sig.Answer, sig.AnswerFrom = &desc, parts[1]
		case parts[0] == "ice" && len(parts) == 3:
			sig.AddCandidate(parts[1], parts[2], json.RawMessage(value))
		}
	}
	return sig, nil
}

func (s *RedisStore) GetCallSignal(ctx context.Context, roomID string) (*models.CallSignal, error) {
	fields, err := s.Redis.HGetAll(ctx, s.callKey(roomID)).Result()
	if err != nil {
		return nil, s.wrap("get call signal", err)
	}
	return parseSignal(fields)
}

func (s *RedisStore) setDescription(ctx context.Context, op, roomID, field string, desc models.SessionDescription, check func(*models.CallSignal) bool) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	rk, ck := s.roomKey(roomID), s.callKey(roomID)

	err = s.watch(ctx, op, watchRetries, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, rk).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		fields, err := tx.HGetAll(ctx, ck).Result()
		if err != nil {
			return err
		}
		sig, err := parseSignal(fields)
		if err != nil {
			return err
		}
		if !check(sig) {
			return ErrPreconditionFailed
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, ck, field, data)
			return nil
		})
		return err
	}, rk, ck)
	if err != nil {
		return err
	}

	s.publish(ctx, CallTopic(roomID))
	return nil
}

func (s *RedisStore) SetOffer(ctx context.Context, roomID, from string, desc models.SessionDescription) error {
	return s.setDescription(ctx, "set offer", roomID, "offer:"+from, desc, func(sig *models.CallSignal) bool {
		return sig.Offer == nil
	})
}

func (s *RedisStore) SetAnswer(ctx context.Context, roomID, from string, desc models.SessionDescription) error {
	return s.setDescription(ctx, "set answer", roomID, "answer:"+from, desc, func(sig *models.CallSignal) bool {
		return sig.Offer != nil && sig.OfferFrom != from && sig.Answer == nil
	})
}

func (s *RedisStore) AddCandidate(ctx context.Context, roomID, from, key string, candidate json.RawMessage) error {
	err := s.whileRoomExists(ctx, "add candidate", roomID, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.callKey(roomID), "ice:"+from+":"+key, []byte(candidate))
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, CallTopic(roomID))
	return nil
}

func (s *RedisStore) ClearCallSignal(ctx context.Context, roomID string) error {
	n, err := s.Redis.Del(ctx, s.callKey(roomID)).Result()
	if err != nil {
		return s.wrap("clear call signal", err)
	}
	if n > 0 {
		s.publish(ctx, CallTopic(roomID))
	}
	return nil
}
