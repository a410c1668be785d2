package models

import "encoding/json"

// SessionDescription is an SDP offer or answer as produced by a WebRTC peer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CallSignal is the signaling sub-record of a room.
// Its JSON form is exactly what browser peers exchange:
//
//	{"offer":{"type","sdp"},"answer":{"type","sdp"},"candidates":{"<pid>":{"<ts>":<ice>}}}
//
// OfferFrom and AnswerFrom come from the storage path, never from the payload.
type CallSignal struct {
	Offer      *SessionDescription                   `json:"offer,omitempty"`
	Answer     *SessionDescription                   `json:"answer,omitempty"`
	Candidates map[string]map[string]json.RawMessage `json:"candidates,omitempty"`

	OfferFrom  string `json:"-"`
	AnswerFrom string `json:"-"`
}

// Empty reports whether no call is in progress.
func (s *CallSignal) Empty() bool {
	return s == nil || (s.Offer == nil && s.Answer == nil && len(s.Candidates) == 0)
}

// AddCandidate records a candidate under participantID/key.
func (s *CallSignal) AddCandidate(participantID, key string, candidate json.RawMessage) {
	if s.Candidates == nil {
		s.Candidates = make(map[string]map[string]json.RawMessage)
	}
	if s.Candidates[participantID] == nil {
		s.Candidates[participantID] = make(map[string]json.RawMessage)
	}
	s.Candidates[participantID][key] = candidate
}
