package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"ochatle/backend/internal/models"
	"ochatle/backend/internal/storage"
)

// Candidate is one ICE candidate with its submission key.
type Candidate struct {
	Key       string
	Candidate json.RawMessage
}

// PeerSignal is the call signal as seen by one participant: only what the
// peer wrote. The writer of each part is known from the storage path, so a
// side never sees its own offer or answer here.
type PeerSignal struct {
	// Active is true while any call signal exists in the room.
	Active bool
	Offer  *models.SessionDescription
	Answer *models.SessionDescription
	// Candidates are the peer's candidates ordered by key.
	Candidates []Candidate
}

// SignalingService brokers WebRTC offer/answer/candidate exchange through the
// room's call signal.
type SignalingService struct {
	Storage storage.Storage

	clock  *Clock
	resync time.Duration
	log    *slog.Logger
}

// NewSignalingService Constructor
func NewSignalingService(s storage.Storage, clock *Clock, resync time.Duration, logger *slog.Logger) *SignalingService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = NewClock()
	}
	return &SignalingService{
		Storage: s,
		clock:   clock,
		resync:  resync,
		log:     logger.With("component", "signaling"),
	}
}

func (s *SignalingService) checkParticipant(ctx context.Context, roomID, userID string) error {
	room, err := s.Storage.GetRoom(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSessionEnded
	}
	if err != nil {
		return err
	}
	if !room.HasParticipant(userID) {
		return ErrNotParticipant
	}
	return nil
}

// Offer stores the caller's offer. Only one offer may exist per call; the
// loser of two simultaneous offers gets ErrCallInProgress.
func (s *SignalingService) Offer(ctx context.Context, roomID, callerID string, desc models.SessionDescription) error {
	if err := s.checkParticipant(ctx, roomID, callerID); err != nil {
		return err
	}
	err := withRetry(ctx, func(ctx context.Context) error {
		return s.Storage.SetOffer(ctx, roomID, callerID, desc)
	})
	return s.mapSignalErr(err, ErrCallInProgress)
}

// Answer stores the callee's answer to the peer's offer.
func (s *SignalingService) Answer(ctx context.Context, roomID, calleeID string, desc models.SessionDescription) error {
	if err := s.checkParticipant(ctx, roomID, calleeID); err != nil {
		return err
	}
	err := withRetry(ctx, func(ctx context.Context) error {
		return s.Storage.SetAnswer(ctx, roomID, calleeID, desc)
	})
	if !errors.Is(err, storage.ErrPreconditionFailed) {
		return s.mapSignalErr(err, nil)
	}
	sig, getErr := s.Storage.GetCallSignal(ctx, roomID)
	if getErr != nil {
		return getErr
	}
	if sig.Offer == nil || sig.OfferFrom == calleeID {
		return ErrNoOffer
	}
	return ErrCallInProgress
}

// AddCandidate appends one of the participant's ICE candidates and returns
// its key. Keys of one process are strictly increasing.
func (s *SignalingService) AddCandidate(ctx context.Context, roomID, participantID string, candidate json.RawMessage) (string, error) {
	if !json.Valid(candidate) {
		return "", ErrInvalidCandidate
	}
	if err := s.checkParticipant(ctx, roomID, participantID); err != nil {
		return "", err
	}
	key := fmt.Sprintf("%013d", s.clock.Next())
	err := withRetry(ctx, func(ctx context.Context) error {
		return s.Storage.AddCandidate(ctx, roomID, participantID, key, candidate)
	})
	if err != nil {
		return "", s.mapSignalErr(err, nil)
	}
	return key, nil
}

// EndCall clears the whole call signal. Ending a call twice is a no-op.
func (s *SignalingService) EndCall(ctx context.Context, roomID string) error {
	return withRetry(ctx, func(ctx context.Context) error {
		return s.Storage.ClearCallSignal(ctx, roomID)
	})
}

// Observe delivers the peer's side of the call signal now and on every change.
func (s *SignalingService) Observe(ctx context.Context, roomID, selfID string) <-chan PeerSignal {
	return observe(ctx, s.Storage, []string{storage.CallTopic(roomID)}, s.resync, s.log,
		func(ctx context.Context) (PeerSignal, error) {
			sig, err := s.Storage.GetCallSignal(ctx, roomID)
			if err != nil {
				return PeerSignal{}, err
			}
			return PeerView(sig, selfID), nil
		})
}

// PeerView filters sig down to what participants other than selfID wrote.
func PeerView(sig *models.CallSignal, selfID string) PeerSignal {
	view := PeerSignal{Active: sig != nil && !sig.Empty()}
	if !view.Active {
		return view
	}
	if sig.Offer != nil && sig.OfferFrom != selfID {
		offer := *sig.Offer
		view.Offer = &offer
	}
	if sig.Answer != nil && sig.AnswerFrom != selfID {
		answer := *sig.Answer
		view.Answer = &answer
	}
	for pid, byKey := range sig.Candidates {
		if pid == selfID {
			continue
		}
		for key, raw := range byKey {
			view.Candidates = append(view.Candidates, Candidate{Key: key, Candidate: raw})
		}
	}
	sort.Slice(view.Candidates, func(i, j int) bool {
		return view.Candidates[i].Key < view.Candidates[j].Key
	})
	return view
}

func (s *SignalingService) mapSignalErr(err, precondition error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ErrSessionEnded
	case precondition != nil && errors.Is(err, storage.ErrPreconditionFailed):
		return precondition
	default:
		return err
	}
}
