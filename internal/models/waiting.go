package models

import "sort"

// WaitingEntry is one user actively looking for a partner.
// Pool membership is the existence of the entry; a claimed entry is deleted, never flagged.
type WaitingEntry struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	// EnqueuedAt is unix milliseconds.
	EnqueuedAt int64 `json:"enqueued_at"`
}

// SortCandidates orders entries by enqueue time, then by user id.
func SortCandidates(entries []WaitingEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EnqueuedAt != entries[j].EnqueuedAt {
			return entries[i].EnqueuedAt < entries[j].EnqueuedAt
		}
		return entries[i].UserID < entries[j].UserID
	})
}
