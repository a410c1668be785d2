package models

import "encoding/json"

// Command types sent by a client over the realtime connection.
const (
	CmdSearch       = "search"
	CmdCancel       = "cancel"
	CmdSend         = "send"
	CmdSkip         = "skip"
	CmdExit         = "exit"
	CmdCallOffer    = "call_offer"
	CmdCallAnswer   = "call_answer"
	CmdIceCandidate = "ice_candidate"
	CmdCallEnd      = "call_end"
	CmdOnline       = "online"
)

// Event types pushed to a client.
const (
	EvtState         = "state"
	EvtMatched       = "matched"
	EvtMessages      = "messages"
	EvtPartnerLeft   = "partner_left"
	EvtSignedOut     = "signed_out"
	EvtCallOffer     = "call_offer"
	EvtCallAnswer    = "call_answer"
	EvtIceCandidates = "ice_candidates"
	EvtCallEnded     = "call_ended"
	EvtOnlineCount   = "online_count"
	EvtNotice        = "notice"
	EvtError         = "error"
)

// ClientCommand is one inbound frame.
type ClientCommand struct {
	Type      string              `json:"type"`
	Text      string              `json:"text,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate json.RawMessage     `json:"candidate,omitempty"`
}

// ServerEvent is one outbound frame.
type ServerEvent struct {
	Type        string              `json:"type"`
	State       string              `json:"state,omitempty"`
	RoomID      string              `json:"room_id,omitempty"`
	PartnerID   string              `json:"partner_id,omitempty"`
	PartnerName string              `json:"partner_name,omitempty"`
	Messages    []ChatMessage       `json:"messages,omitempty"`
	Reason      EndReason           `json:"reason,omitempty"`
	SDP         *SessionDescription `json:"sdp,omitempty"`
	Candidates  []json.RawMessage   `json:"candidates,omitempty"`
	Online      *int                `json:"online,omitempty"`
	Content     string              `json:"content,omitempty"`
	Error       string              `json:"error,omitempty"`
}
