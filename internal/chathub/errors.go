package chathub

import "errors"

var (
	// ErrNotParticipant is returned when a user acts on a room they do not belong to.
	ErrNotParticipant = errors.New("chathub: user is not a participant of the room")
	// ErrMessageTooLong is returned for messages over MaxMessageLength runes.
	ErrMessageTooLong = errors.New("chathub: message is too long")
	// ErrCallInProgress is returned when an offer or answer already exists.
	ErrCallInProgress = errors.New("chathub: a call is already in progress")
	// ErrNoOffer is returned when answering without a peer offer.
	ErrNoOffer = errors.New("chathub: no offer from the partner")
	// ErrInvalidCandidate is returned for candidates that are not JSON.
	ErrInvalidCandidate = errors.New("chathub: ice candidate is not valid JSON")
	// ErrSessionEnded is returned when acting on a room that is gone.
	ErrSessionEnded = errors.New("chathub: session has ended")
)
