package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"ochatle/backend/internal/models"
)

// MemoryStore is an in-process Storage. Every operation runs under one mutex,
// which makes each of them a transaction. It serves single-node deployments
// and tests.
type MemoryStore struct {
	mu sync.Mutex

	presence map[string]time.Time
	waiting  map[string]models.WaitingEntry
	rooms    map[string]models.ChatRoom
	userRoom map[string]string
	messages map[string][]models.ChatMessage
	calls    map[string]*models.CallSignal
	ended    map[string]models.EndReason
	orphans  map[string]struct{}

	subs map[string]map[*subscription]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		presence: make(map[string]time.Time),
		waiting:  make(map[string]models.WaitingEntry),
		rooms:    make(map[string]models.ChatRoom),
		userRoom: make(map[string]string),
		messages: make(map[string][]models.ChatMessage),
		calls:    make(map[string]*models.CallSignal),
		ended:    make(map[string]models.EndReason),
		orphans:  make(map[string]struct{}),
		subs:     make(map[string]map[*subscription]struct{}),
	}
}

var _ Storage = (*MemoryStore)(nil)

// publishLocked must be called with mu held.
func (s *MemoryStore) publishLocked(topics ...string) {
	for _, topic := range topics {
		for sub := range s.subs[topic] {
			sub.notify()
		}
	}
}

func (s *MemoryStore) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sub *subscription
	sub = newSubscription(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[topic], sub)
		if len(s.subs[topic]) == 0 {
			delete(s.subs, topic)
		}
		return nil
	})

	s.mu.Lock()
	if s.subs[topic] == nil {
		s.subs[topic] = make(map[*subscription]struct{})
	}
	s.subs[topic][sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

// --- presence ---

func (s *MemoryStore) Heartbeat(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.presence[userID]
	s.presence[userID] = at
	if !known {
		s.publishLocked(TopicPresence)
	}
	return nil
}

func (s *MemoryStore) RemovePresence(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.presence[userID]; ok {
		delete(s.presence, userID)
		s.publishLocked(TopicPresence)
	}
	return nil
}

func (s *MemoryStore) LastHeartbeat(ctx context.Context, userID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.presence[userID]
	return at, ok, nil
}

func (s *MemoryStore) StaleUsers(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []string
	for id, at := range s.presence {
		if at.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

func (s *MemoryStore) CountOnline(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, at := range s.presence {
		if !at.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// --- pool ---

func (s *MemoryStore) AddWaitingEntry(ctx context.Context, entry models.WaitingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waiting[entry.UserID]; ok {
		return ErrAlreadyWaiting
	}
	if _, ok := s.userRoom[entry.UserID]; ok {
		return ErrAlreadyInSession
	}
	s.waiting[entry.UserID] = entry
	s.publishLocked(TopicPool)
	return nil
}

func (s *MemoryStore) GetWaitingEntry(ctx context.Context, userID string) (*models.WaitingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.waiting[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (s *MemoryStore) RemoveWaitingEntry(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waiting[userID]; ok {
		delete(s.waiting, userID)
		s.publishLocked(TopicPool)
	}
	return nil
}

func (s *MemoryStore) ListWaitingEntries(ctx context.Context) ([]models.WaitingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]models.WaitingEntry, 0, len(s.waiting))
	for _, e := range s.waiting {
		entries = append(entries, e)
	}
	models.SortCandidates(entries)
	return entries, nil
}

func (s *MemoryStore) ClaimPair(ctx context.Context, selfID, partnerID string, room *models.ChatRoom) error {
	if selfID == partnerID || !room.HasParticipant(selfID) || !room.HasParticipant(partnerID) {
		return ErrPreconditionFailed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, selfWaiting := s.waiting[selfID]
	_, partnerWaiting := s.waiting[partnerID]
	_, selfBusy := s.userRoom[selfID]
	_, partnerBusy := s.userRoom[partnerID]
	if !selfWaiting || !partnerWaiting || selfBusy || partnerBusy {
		return ErrPreconditionFailed
	}

	delete(s.waiting, selfID)
	delete(s.waiting, partnerID)
	delete(s.messages, room.RoomID)
	delete(s.calls, room.RoomID)
	delete(s.ended, room.RoomID)
	s.rooms[room.RoomID] = *room
	s.userRoom[selfID] = room.RoomID
	s.userRoom[partnerID] = room.RoomID

	s.publishLocked(TopicPool, UserTopic(selfID), UserTopic(partnerID),
		RoomTopic(room.RoomID), MessagesTopic(room.RoomID), CallTopic(room.RoomID))
	return nil
}

// --- rooms ---

func (s *MemoryStore) GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return &room, nil
}

func (s *MemoryStore) ActiveRoomFor(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userRoom[userID], nil
}

func (s *MemoryStore) ActiveRoomIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) DeleteRoom(ctx context.Context, roomID string, reason models.EndReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	delete(s.rooms, roomID)
	delete(s.calls, roomID)
	for _, uid := range room.Participants() {
		if s.userRoom[uid] == roomID {
			delete(s.userRoom, uid)
		}
	}
	s.ended[roomID] = reason
	s.publishLocked(RoomTopic(roomID), UserTopic(room.User1ID), UserTopic(room.User2ID), CallTopic(roomID))
	return nil
}

func (s *MemoryStore) EndReason(ctx context.Context, roomID string) (models.EndReason, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.ended[roomID]
	return reason, ok, nil
}

// --- messages ---

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[msg.RoomID]; !ok {
		return ErrNotFound
	}
	msg.Seq = int64(len(s.messages[msg.RoomID]) + 1)
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], *msg)
	s.publishLocked(MessagesTopic(msg.RoomID))
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, roomID string) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]models.ChatMessage, len(s.messages[roomID]))
	copy(msgs, s.messages[roomID])
	models.SortMessages(msgs)
	return msgs, nil
}

func (s *MemoryStore) DeleteMessages(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[roomID]; ok {
		delete(s.messages, roomID)
		s.publishLocked(MessagesTopic(roomID))
	}
	return nil
}

func (s *MemoryStore) MarkOrphaned(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orphans[roomID] = struct{}{}
	return nil
}

func (s *MemoryStore) OrphanedRooms(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.orphans))
	for id := range s.orphans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ClearOrphaned(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orphans, roomID)
	return nil
}

// --- call signal ---

func (s *MemoryStore) GetCallSignal(ctx context.Context, roomID string) (*models.CallSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSignal(s.calls[roomID]), nil
}

func (s *MemoryStore) SetOffer(ctx context.Context, roomID, from string, desc models.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrNotFound
	}
	sig := s.callLocked(roomID)
	if sig.Offer != nil {
		return ErrPreconditionFailed
	}
	sig.Offer, sig.OfferFrom = &desc, from
	s.publishLocked(CallTopic(roomID))
	return nil
}

func (s *MemoryStore) SetAnswer(ctx context.Context, roomID, from string, desc models.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrNotFound
	}
	sig := s.calls[roomID]
	if sig == nil || sig.Offer == nil || sig.OfferFrom == from || sig.Answer != nil {
		return ErrPreconditionFailed
	}
	sig.Answer, sig.AnswerFrom = &desc, from
	s.publishLocked(CallTopic(roomID))
	return nil
}

func (s *MemoryStore) AddCandidate(ctx context.Context, roomID, from, key string, candidate json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return ErrNotFound
	}
	s.callLocked(roomID).AddCandidate(from, key, append(json.RawMessage(nil), candidate...))
	s.publishLocked(CallTopic(roomID))
	return nil
}

func (s *MemoryStore) ClearCallSignal(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[roomID]; ok {
		delete(s.calls, roomID)
		s.publishLocked(CallTopic(roomID))
	}
	return nil
}

func (s *MemoryStore) callLocked(roomID string) *models.CallSignal {
	sig, ok := s.calls[roomID]
	if !ok {
		sig = &models.CallSignal{}
		s.calls[roomID] = sig
	}
	return sig
}

func cloneSignal(sig *models.CallSignal) *models.CallSignal {
	out := &models.CallSignal{}
	if sig == nil {
		return out
	}
	out.OfferFrom, out.AnswerFrom = sig.OfferFrom, sig.AnswerFrom
	if sig.Offer != nil {
		offer := *sig.Offer
		out.Offer = &offer
	}
	if sig.Answer != nil {
		answer := *sig.Answer
		out.Answer = &answer
	}
	for pid, byKey := range sig.Candidates {
		for key, raw := range byKey {
			out.AddCandidate(pid, key, raw)
		}
	}
	return out
}
