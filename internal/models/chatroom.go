package models

import (
	"sort"
	"strings"
	"time"
)

// EndReason explains why a chat room was torn down.
type EndReason string

const (
	// EndSkip: one side asked for a new partner, both go back to the pool.
	EndSkip EndReason = "skip"
	// EndExit: one side left the service, both sides return to the signed-out state.
	EndExit EndReason = "exit"
	// EndPartnerLost: a participant disappeared (unload hook or presence timeout).
	EndPartnerLost EndReason = "partner_lost"
)

// Valid reports whether r is one of the known reasons.
func (r EndReason) Valid() bool {
	switch r {
	case EndSkip, EndExit, EndPartnerLost:
		return true
	}
	return false
}

// ChatRoom represents a 1-on-1 chat session between two users.
// RoomID is derived from the two participant ids, so both sides compute it independently.
type ChatRoom struct {
	// RoomID is RoomIDFor(User1ID, User2ID).
	RoomID string `json:"room_id"`
	// User1ID is the lexicographically smaller participant id.
	User1ID string `json:"user1_id"`
	// User2ID is the lexicographically larger participant id.
	User2ID string `json:"user2_id"`
	// User1Name and User2Name are display names captured at match time.
	User1Name string `json:"user1_name,omitempty"`
	User2Name string `json:"user2_name,omitempty"`
	// IsActive is true for every stored room; a torn-down room is deleted, not deactivated.
	IsActive bool `json:"is_active"`
	// StartedAt is the timestamp when the chat room was created.
	StartedAt time.Time `json:"started_at"`
}

// RoomIDFor returns the deterministic room id for a pair of users.
func RoomIDFor(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "-")
}

// NewChatRoom builds an active room for two waiting entries.
func NewChatRoom(a, b WaitingEntry, now time.Time) *ChatRoom {
	if b.UserID < a.UserID {
		a, b = b, a
	}
	return &ChatRoom{
		RoomID:    RoomIDFor(a.UserID, b.UserID),
		User1ID:   a.UserID,
		User2ID:   b.UserID,
		User1Name: a.DisplayName,
		User2Name: b.DisplayName,
		IsActive:  true,
		StartedAt: now,
	}
}

// Participants returns both user ids.
func (r *ChatRoom) Participants() [2]string {
	return [2]string{r.User1ID, r.User2ID}
}

// HasParticipant reports whether userID is one of the two users.
func (r *ChatRoom) HasParticipant(userID string) bool {
	return userID != "" && (r.User1ID == userID || r.User2ID == userID)
}

// PartnerOf returns the other participant's id and display name.
func (r *ChatRoom) PartnerOf(userID string) (string, string) {
	if r.User1ID == userID {
		return r.User2ID, r.User2Name
	}
	return r.User1ID, r.User1Name
}
