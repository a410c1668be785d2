package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"ochatle/backend/internal/models"
)

// Participant states as reported in "state" events.
const (
	StateIdle      = "idle"
	StateSearching = "searching"
	StateMatched   = "matched"
)

type callState int

const (
	callNone callState = iota
	callOffering
	callRinging
	callActive
)

// Notice keys resolved through Notices.
const (
	NoticeMatchFound     = "match_found"
	NoticePartnerSkipped = "partner_skipped"
	NoticePartnerLeft    = "partner_left"
	NoticePartnerExited  = "partner_exited"
	NoticeSearching      = "searching"
	NoticeCallEnded      = "call_ended"
)

const (
	opTimeout     = 10 * time.Second
	unloadTimeout = 10 * time.Second
)

// PresenceTracker is what a participant needs from presence tracking.
type PresenceTracker interface {
	MarkOnline(ctx context.Context, userID string)
	MarkOffline(ctx context.Context, userID string)
	ObserveOnlineCount(ctx context.Context) <-chan int
}

// Notices resolves notice keys into the client's language.
type Notices interface {
	GetString(lang, key string) string
}

// Identity ends the user's anonymous identity on exit.
type Identity interface {
	SignOut(ctx context.Context, userID string) error
}

// Services bundles what participants share. Notices, Identity and Hub are optional.
type Services struct {
	Matcher   *MatcherService
	Lifecycle *LifecycleService
	Relay     *RelayService
	Signaling *SignalingService
	Presence  PresenceTracker
	Notices   Notices
	Identity  Identity
	Hub       *ManagerService
	Logger    *slog.Logger
}

type searchResult struct {
	room *models.ChatRoom
	err  error
}

// Participant is the actor behind one connected user. A single goroutine owns
// all of its state; store work that may block for long (the partner search
// and the live observers) runs in helper goroutines that report back over
// channels. Stopping the participant revokes every subscription and runs the
// unload cleanup: the waiting entry is removed, a live room is ended as
// partner_lost and the user is marked offline.
type Participant struct {
	user models.User
	lang string
	conn Transport
	svc  *Services
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state string
	room  *models.ChatRoom

	searchCancel  context.CancelFunc
	searchDone    chan searchResult
	restartSearch bool

	sessionCancel context.CancelFunc
	sessionCh     <-chan SessionState
	messagesCh    <-chan []models.ChatMessage
	signalCh      <-chan PeerSignal
	onlineCh      <-chan int

	call           callState
	signalSeen     bool
	seenCandidates map[string]struct{}
}

var _ Client = (*Participant)(nil)

// NewParticipant creates the actor for user on conn. Nothing runs before Run.
func NewParticipant(user models.User, lang string, conn Transport, svc *Services) *Participant {
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Participant{
		user:   user,
		lang:   lang,
		conn:   conn,
		svc:    svc,
		log:    logger.With("component", "participant", "user_id", user.ID),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

func (p *Participant) GetUserID() string     { return p.user.ID }
func (p *Participant) Run()                  { go p.loop() }
func (p *Participant) Close()                { p.cancel() }
func (p *Participant) Done() <-chan struct{} { return p.done }

// State returns the current state. It is only safe to call from tests once
// the participant has stopped.
func (p *Participant) State() string { return p.state }

func (p *Participant) loop() {
	defer p.unload()
	if p.ctx.Err() != nil {
		return
	}

	p.svc.Presence.MarkOnline(p.ctx, p.user.ID)
	p.emitState()

	for {
		select {
		case <-p.ctx.Done():
			return

		case cmd, ok := <-p.conn.Commands():
			if !ok {
				return
			}
			if stop := p.handleCommand(cmd); stop {
				return
			}

		case res := <-p.searchDone:
			p.onSearchResult(res)

		case st, ok := <-p.sessionCh:
			if !ok {
				p.sessionCh = nil
				continue
			}
			if st.Ended && p.room != nil {
				if stop := p.onPartnerGone(st.Reason); stop {
					return
				}
			}

		case msgs, ok := <-p.messagesCh:
			if !ok {
				p.messagesCh = nil
				continue
			}
			if p.room != nil {
				p.send(models.ServerEvent{Type: models.EvtMessages, RoomID: p.room.RoomID, Messages: msgs})
			}

		case sig, ok := <-p.signalCh:
			if !ok {
				p.signalCh = nil
				continue
			}
			p.onSignal(sig)

		case n, ok := <-p.onlineCh:
			if !ok {
				p.onlineCh = nil
				continue
			}
			p.send(models.ServerEvent{Type: models.EvtOnlineCount, Online: &n})
		}
	}
}

// handleCommand applies one client command and reports whether the
// participant must stop.
func (p *Participant) handleCommand(cmd models.ClientCommand) bool {
	switch cmd.Type {
	case models.CmdSearch:
		switch p.state {
		case StateIdle:
			p.startSearch()
		case StateMatched:
			p.sendError("already in a chat")
		}

	case models.CmdCancel:
		if p.state == StateSearching {
			p.stopSearch()
			p.setState(StateIdle)
		}

	case models.CmdSend:
		p.sendMessage(cmd.Text)

	case models.CmdSkip:
		if p.state != StateMatched {
			p.sendError("not in a chat")
			return false
		}
		p.endRoom(models.EndSkip)
		p.startSearch()

	case models.CmdExit:
		p.exit()
		return true

	case models.CmdCallOffer:
		p.offer(cmd.SDP)
	case models.CmdCallAnswer:
		p.answer(cmd.SDP)
	case models.CmdIceCandidate:
		p.addCandidate(cmd.Candidate)
	case models.CmdCallEnd:
		p.endCall()

	case models.CmdOnline:
		if p.onlineCh == nil {
			p.onlineCh = p.svc.Presence.ObserveOnlineCount(p.ctx)
		}

	default:
		p.sendError("unknown command: " + cmd.Type)
	}
	return false
}

// --- search ---

func (p *Participant) startSearch() {
	p.setState(StateSearching)
	p.notice(NoticeSearching)
	if p.searchDone != nil {
		// The previous search is still removing its entry; start over after it.
		p.restartSearch = true
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	done := make(chan searchResult, 1)
	p.searchCancel, p.searchDone, p.restartSearch = cancel, done, false

	user := p.user
	go func() {
		room, err := p.svc.Matcher.Search(ctx, user)
		done <- searchResult{room: room, err: err}
	}()
}

func (p *Participant) stopSearch() {
	p.restartSearch = false
	if p.searchCancel != nil {
		p.searchCancel()
	}
}

func (p *Participant) onSearchResult(res searchResult) {
	if p.searchCancel != nil {
		p.searchCancel()
	}
	p.searchCancel, p.searchDone = nil, nil
	wanted := p.state == StateSearching

	switch {
	case res.room != nil && wanted:
		p.restartSearch = false
		p.enterRoom(res.room)
	case res.room != nil:
		// Matched right as the search was cancelled; release the partner.
		p.log.Info("discarding room formed after cancel", "room_id", res.room.RoomID)
		if err := p.svc.Lifecycle.EndSession(p.ctx, res.room.RoomID, models.EndSkip); err != nil {
			p.log.Warn("end discarded room failed", "room_id", res.room.RoomID, "err", err)
		}
		if p.restartSearch {
			p.startSearch()
		}
	case wanted && p.restartSearch:
		p.startSearch()
	case wanted:
		if res.err != nil && !errors.Is(res.err, context.Canceled) {
			p.log.Warn("search failed", "err", res.err)
			p.sendError("search failed, try again")
		}
		p.setState(StateIdle)
	}
}

// --- room ---

func (p *Participant) enterRoom(room *models.ChatRoom) {
	p.room = room
	p.setState(StateMatched)

	partnerID, partnerName := room.PartnerOf(p.user.ID)
	p.send(models.ServerEvent{
		Type:        models.EvtMatched,
		RoomID:      room.RoomID,
		PartnerID:   partnerID,
		PartnerName: partnerName,
	})
	p.notice(NoticeMatchFound)

	ctx, cancel := context.WithCancel(p.ctx)
	p.sessionCancel = cancel
	p.sessionCh = p.svc.Lifecycle.ObserveSession(ctx, room.RoomID)
	p.messagesCh = p.svc.Relay.Observe(ctx, room.RoomID)
	p.signalCh = p.svc.Signaling.Observe(ctx, room.RoomID, p.user.ID)
	p.resetCall()
}

// leaveRoom revokes the room's observers and forgets the room.
func (p *Participant) leaveRoom() *models.ChatRoom {
	room := p.room
	if p.sessionCancel != nil {
		p.sessionCancel()
	}
	p.sessionCancel = nil
	p.sessionCh, p.messagesCh, p.signalCh = nil, nil, nil
	p.room = nil
	p.resetCall()
	return room
}

// endRoom tears down the participant's own room.
func (p *Participant) endRoom(reason models.EndReason) {
	room := p.leaveRoom()
	if room == nil {
		return
	}
	if err := p.svc.Lifecycle.EndSession(p.ctx, room.RoomID, reason); err != nil {
		p.log.Warn("end session failed", "room_id", room.RoomID, "reason", reason, "err", err)
		p.sendError("could not close the chat, it will be cleaned up shortly")
	}
}

// onPartnerGone reacts to a room torn down by the other side.
func (p *Participant) onPartnerGone(reason models.EndReason) bool {
	room := p.leaveRoom()
	p.log.Info("partner ended the session", "room_id", room.RoomID, "reason", reason)
	p.send(models.ServerEvent{Type: models.EvtPartnerLeft, RoomID: room.RoomID, Reason: reason})

	switch reason {
	case models.EndExit:
		p.notice(NoticePartnerExited)
		p.setState(StateIdle)
		p.send(models.ServerEvent{Type: models.EvtSignedOut})
		return true
	case models.EndSkip:
		p.notice(NoticePartnerSkipped)
	default:
		p.notice(NoticePartnerLeft)
	}
	p.startSearch()
	return false
}

func (p *Participant) exit() {
	switch p.state {
	case StateMatched:
		p.endRoom(models.EndExit)
	case StateSearching:
		p.stopSearch()
	}
	p.setState(StateIdle)
	p.send(models.ServerEvent{Type: models.EvtSignedOut})

	if p.svc.Identity != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), opTimeout)
		defer cancel()
		if err := p.svc.Identity.SignOut(ctx, p.user.ID); err != nil {
			p.log.Warn("sign out failed", "err", err)
		}
	}
}

// --- messages ---

func (p *Participant) sendMessage(text string) {
	if p.state != StateMatched {
		p.sendError("not in a chat")
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, opTimeout)
	defer cancel()
	if _, err := p.svc.Relay.Send(ctx, p.room.RoomID, p.user.ID, text); err != nil {
		p.sendError(err.Error())
	}
}

// --- call signaling ---

func (p *Participant) offer(desc *models.SessionDescription) {
	if p.state != StateMatched || desc == nil {
		p.sendError("cannot start a call now")
		return
	}
	if p.call != callNone {
		p.sendError(ErrCallInProgress.Error())
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, opTimeout)
	defer cancel()
	if err := p.svc.Signaling.Offer(ctx, p.room.RoomID, p.user.ID, *desc); err != nil {
		p.sendError(err.Error())
		return
	}
	p.call = callOffering
}

func (p *Participant) answer(desc *models.SessionDescription) {
	if p.state != StateMatched || desc == nil || p.call != callRinging {
		p.sendError(ErrNoOffer.Error())
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, opTimeout)
	defer cancel()
	if err := p.svc.Signaling.Answer(ctx, p.room.RoomID, p.user.ID, *desc); err != nil {
		p.sendError(err.Error())
		return
	}
	p.call = callActive
}

func (p *Participant) addCandidate(candidate json.RawMessage) {
	if p.state != StateMatched || p.call == callNone {
		p.sendError("no call in progress")
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, opTimeout)
	defer cancel()
	if _, err := p.svc.Signaling.AddCandidate(ctx, p.room.RoomID, p.user.ID, candidate); err != nil {
		p.sendError(err.Error())
	}
}

func (p *Participant) endCall() {
	if p.state != StateMatched {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, opTimeout)
	defer cancel()
	if err := p.svc.Signaling.EndCall(ctx, p.room.RoomID); err != nil {
		p.sendError(err.Error())
		return
	}
	if p.call != callNone {
		p.resetCall()
		p.send(models.ServerEvent{Type: models.EvtCallEnded, RoomID: p.room.RoomID})
	}
}

func (p *Participant) resetCall() {
	p.call = callNone
	p.signalSeen = false
	p.seenCandidates = make(map[string]struct{})
}

// onSignal forwards what the peer wrote. A signal that disappears after it
// was seen means the peer ended the call.
func (p *Participant) onSignal(sig PeerSignal) {
	if p.room == nil {
		return
	}
	if !sig.Active {
		if p.call != callNone && p.signalSeen {
			p.resetCall()
			p.send(models.ServerEvent{Type: models.EvtCallEnded, RoomID: p.room.RoomID})
			p.notice(NoticeCallEnded)
		}
		return
	}
	p.signalSeen = true

	if sig.Offer != nil && p.call == callNone {
		p.call = callRinging
		p.send(models.ServerEvent{Type: models.EvtCallOffer, RoomID: p.room.RoomID, SDP: sig.Offer})
	}
	if sig.Answer != nil && p.call == callOffering {
		p.call = callActive
		p.send(models.ServerEvent{Type: models.EvtCallAnswer, RoomID: p.room.RoomID, SDP: sig.Answer})
	}
	if p.call == callNone {
		return
	}

	var fresh []json.RawMessage
	for _, c := range sig.Candidates {
		if _, ok := p.seenCandidates[c.Key]; ok {
			continue
		}
		p.seenCandidates[c.Key] = struct{}{}
		fresh = append(fresh, c.Candidate)
	}
	if len(fresh) > 0 {
		p.send(models.ServerEvent{Type: models.EvtIceCandidates, RoomID: p.room.RoomID, Candidates: fresh})
	}
}

// --- output ---

func (p *Participant) setState(state string) {
	if p.state == state {
		return
	}
	p.state = state
	p.emitState()
}

func (p *Participant) emitState() {
	p.send(models.ServerEvent{Type: models.EvtState, State: p.state})
}

func (p *Participant) send(evt models.ServerEvent) {
	p.conn.Send(evt)
}

func (p *Participant) sendError(msg string) {
	p.send(models.ServerEvent{Type: models.EvtError, Error: msg})
}

func (p *Participant) notice(key string) {
	content := key
	if p.svc.Notices != nil {
		content = p.svc.Notices.GetString(p.lang, key)
	}
	p.send(models.ServerEvent{Type: models.EvtNotice, Content: content})
}

// --- unload ---

// unload runs on every exit path.
func (p *Participant) unload() {
	p.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), unloadTimeout)
	defer cancel()

	// Let a running search remove its entry before the final cleanup.
	if p.searchDone != nil {
		select {
		case res := <-p.searchDone:
			if res.room != nil && p.room == nil {
				p.room = res.room
			}
		case <-ctx.Done():
		}
	}

	if err := p.svc.Matcher.Dequeue(ctx, p.user.ID); err != nil {
		p.log.Warn("unload: dequeue failed", "err", err)
	}

	roomID := ""
	if p.room != nil {
		roomID = p.room.RoomID
	} else if room, err := p.svc.Lifecycle.ActiveSessionFor(ctx, p.user.ID); err != nil {
		p.log.Warn("unload: active session lookup failed", "err", err)
	} else if room != nil {
		roomID = room.RoomID
	}
	if roomID != "" {
		if err := p.svc.Lifecycle.EndSession(ctx, roomID, models.EndPartnerLost); err != nil {
			p.log.Warn("unload: end session failed", "room_id", roomID, "err", err)
		}
	}

	p.svc.Presence.MarkOffline(ctx, p.user.ID)
	if p.svc.Hub != nil {
		p.svc.Hub.Unregister(p)
	}
	p.conn.Close()
	close(p.done)
	p.log.Debug("participant stopped")
}
