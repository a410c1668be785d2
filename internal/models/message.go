package models

import "sort"

// ChatMessage is one text message inside a room. Immutable once stored.
type ChatMessage struct {
	ID       string `json:"id"`
	RoomID   string `json:"room_id"`
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
	// Timestamp is unix milliseconds from a non-decreasing clock.
	Timestamp int64 `json:"timestamp"`
	// Seq is the insertion sequence assigned by the store; it breaks timestamp ties.
	Seq int64 `json:"seq"`
}

// SortMessages orders messages by (Timestamp, Seq).
func SortMessages(msgs []ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}
