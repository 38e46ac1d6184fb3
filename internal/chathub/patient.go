package chathub

import (
	"clinicchat/backend/internal/changefeed"
	"clinicchat/backend/internal/config"
	"clinicchat/backend/internal/localization"
	"clinicchat/backend/internal/models"
	"clinicchat/backend/internal/storage"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PatientState is the patient's view of their conversation.
type PatientState struct {
	RoomID                string           `json:"room_id"`
	AdminOnline           bool             `json:"admin_online"`
	Approved              bool             `json:"approved"`
	Pending               bool             `json:"pending"`
	Denied                bool             `json:"denied"`
	ChatEnded             bool             `json:"chat_ended"`
	Messages              []models.Message `json:"messages"`
	TypingFrom            models.Role      `json:"typing_from,omitempty"`
	Unread                int              `json:"unread"`
	InactivityMinutes     int              `json:"inactivity_minutes"`
	ShowInactivityWarning bool             `json:"show_inactivity_warning"`
	EndedBy               models.Role      `json:"ended_by,omitempty"`
}

// PatientSession manages the single room of one patient. The room id is the
// patient's participant id.
//
// Store calls are never made while holding mu: the in-memory store delivers
// feed events synchronously on the calling goroutine.
type PatientSession struct {
	store storage.Storage
	opts  Options
	clock clock.Clock

	link          *feedLink
	inactivity    *InactivityMonitor
	roomPoller    *Poller
	messagePoller *Poller
	listeners     listeners

	mu          sync.Mutex
	user        models.Participant
	state       PatientState
	roomVersion int64
	focused     bool
	typing      bool
	typingTimer *clock.Timer
	typingGen   uint64
	opened      bool
	ctx         context.Context
	cancel      context.CancelFunc

	wg sync.WaitGroup
}

// NewPatientSession creates a closed session. Call Open to start it.
func NewPatientSession(store storage.Storage, feed changefeed.Subscriber, opts Options) *PatientSession {
	opts = opts.withDefaults()
	s := &PatientSession{
		store:  store,
		opts:   opts,
		clock:  opts.Clock,
		ctx:    context.Background(),
		cancel: func() {},
	}
	s.inactivity = NewInactivityMonitor(opts.Clock, config.InactivityStep, config.InactivityWarnings, s.onInactivityWarning, s.onInactivityExpired)
	s.roomPoller = NewPoller(opts.Clock, opts.Timing.RoomPollInterval)
	s.messagePoller = NewPoller(opts.Clock, opts.Timing.MessagePollFast)
	s.link = newFeedLink(opts.Clock, feed, map[models.Collection]changefeed.Handler{
		models.CollectionRooms:    s.HandleRoomEvent,
		models.CollectionMessages: s.HandleMessageEvent,
		models.CollectionPresence: s.HandlePresenceEvent,
	}, s.onFeedStatus)
	return s
}

// OnChange registers fn to be called after every state change.
func (s *PatientSession) OnChange(fn func()) {
	s.listeners.add(fn)
}

func (s *PatientSession) notify() {
	s.listeners.notify()
}

// State returns a copy of the current state.
func (s *PatientSession) State() PatientState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	st.Messages = copyMessages(s.state.Messages)
	return st
}

// Open mounts the session: it reads the room once, announces presence,
// subscribes to the change feed and starts the pollers. An ended room is
// treated as no room so a returning patient starts clean.
func (s *PatientSession) Open(ctx context.Context, user models.Participant) {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return
	}
	s.opened = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.switchUserLocked(user)
	lifetime, roomID := s.ctx, s.state.RoomID
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.roomPoller.Run(lifetime)
	}()
	go func() {
		defer s.wg.Done()
		s.messagePoller.Run(lifetime)
	}()

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		zap.S().Warnw("failed to read room on open", "roomID", roomID, "error", err)
	} else {
		s.mount(room)
	}

	s.writePresence(ctx, true)
	if err := s.link.connect(lifetime); err != nil {
		zap.S().Warnw("change feed unavailable, polling only", "roomID", roomID, "error", err)
	}
	s.roomPoller.SetCallback(s.pollRoom)

	s.mu.Lock()
	s.updatePollingLocked()
	s.mu.Unlock()
	s.notify()
}

func (s *PatientSession) mount(room *models.Room) {
	s.mu.Lock()
	if room == nil || room.IsDeleted() || room.Status == models.RoomEnded {
		if room != nil && room.Version > s.roomVersion {
			s.roomVersion = room.Version
		}
		s.mu.Unlock()
		return
	}
	s.applyRoomLocked(*room, false, true)
	s.mu.Unlock()
}

// Close announces the patient offline and stops every timer and poller.
func (s *PatientSession) Close(ctx context.Context) {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return
	}
	s.opened = false
	s.typing = false
	s.stopTypingLocked()
	cancel := s.cancel
	s.mu.Unlock()

	s.inactivity.Stop()
	s.link.close()
	s.roomPoller.SetCallback(nil)
	s.messagePoller.SetCallback(nil)
	s.writePresence(ctx, false)

	cancel()
	s.wg.Wait()
}

// Request asks for a conversation. A missing or ended room is (re)created
// as pending; a pending room is reused; a denied room is reported.
func (s *PatientSession) Request(ctx context.Context, user models.Participant) error {
	s.mu.Lock()
	s.switchUserLocked(user)
	roomID := s.state.RoomID
	s.mu.Unlock()

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		zap.S().Warnw("failed to read room", "roomID", roomID, "error", err)
		return err
	}

	if room == nil || room.Status == models.RoomEnded {
		room, err = s.store.CreateRoom(ctx, roomID, user.ID, user.Name)
		if errors.Is(err, storage.ErrRoomExists) {
			room, err = s.store.GetRoom(ctx, roomID)
		}
		if err != nil {
			zap.S().Warnw("failed to create room", "roomID", roomID, "error", err)
			return err
		}
		if room == nil {
			return ErrNoRoom
		}
		zap.S().Infow("chat requested", "roomID", roomID, "version", room.Version)
	}

	s.mu.Lock()
	changed := s.applyRoomLocked(*room, false, true)
	s.mu.Unlock()
	if changed {
		s.notify()
	}

	if room.Status == models.RoomDenied {
		return ErrRequestDenied
	}
	return nil
}

// SendMessage appends text optimistically and stores it, rolling the local
// entry back if the write fails. Without a room it requests one first.
func (s *PatientSession) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	user := s.user
	closed := s.state.Denied || s.state.ChatEnded
	open := s.state.Pending || s.state.Approved
	s.mu.Unlock()

	if closed {
		return ErrChatClosed
	}
	if !open {
		if err := s.Request(ctx, user); err != nil {
			return err
		}
	}

	s.mu.Lock()
	roomID := s.state.RoomID
	local := models.Message{
		RoomID:     roomID,
		Text:       text,
		SenderRole: models.RolePatient,
		SenderName: user.Name,
		Timestamp:  s.clock.Now(),
		ClientID:   uuid.NewString(),
	}
	s.state.Messages = append(s.state.Messages, local)
	sortMessages(s.state.Messages)
	wasTyping := s.typing
	s.typing = false
	s.mu.Unlock()

	s.activity()
	s.notify()
	if wasTyping {
		s.writePresence(ctx, true)
	}

	stored, err := s.store.AppendMessage(ctx, roomID, text, models.RolePatient, user.Name)

	s.mu.Lock()
	if err != nil {
		s.state.Messages = removeByClientID(s.state.Messages, local.ClientID)
	} else {
		confirmMessage(s.state.Messages, local.ClientID, stored.ID)
	}
	s.mu.Unlock()
	s.notify()

	if err != nil {
		zap.S().Warnw("failed to send message", "roomID", roomID, "error", err)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendTyping publishes the patient's typing flag. Failures are only logged.
func (s *PatientSession) SendTyping(ctx context.Context, typing bool) {
	s.mu.Lock()
	s.typing = typing
	s.mu.Unlock()

	if typing && s.activity() {
		s.notify()
	}
	s.writePresence(ctx, true)
}

// Focus marks the conversation read and counts as activity.
func (s *PatientSession) Focus(ctx context.Context) {
	s.mu.Lock()
	s.focused = true
	s.state.Unread = 0
	s.mu.Unlock()

	s.activity()
	s.notify()
	s.writePresence(ctx, true)
}

// Blur stops marking incoming admin messages as read.
func (s *PatientSession) Blur() {
	s.mu.Lock()
	s.focused = false
	s.mu.Unlock()
}

// End ends the conversation. Local state is ended before the store write
// settles.
func (s *PatientSession) End(ctx context.Context) error {
	return s.end(ctx, false)
}

func (s *PatientSession) end(ctx context.Context, auto bool) error {
	s.mu.Lock()
	st := &s.state
	if st.ChatEnded || !(st.Pending || st.Approved) {
		s.mu.Unlock()
		return nil
	}

	role := s.localRole()
	roomID := st.RoomID
	version := s.roomVersion
	st.ChatEnded = true
	st.Approved = false
	st.Pending = false
	st.EndedBy = role
	st.ShowInactivityWarning = false

	key := localization.ChatEndedKey(string(role))
	if auto {
		st.InactivityMinutes = config.InactivityWarnings + 1
		key = "chat_ended_inactivity"
	}
	notice := s.opts.systemMessage(roomID, key)
	st.Messages = append(st.Messages, notice)
	s.stopTypingLocked()
	s.updatePollingLocked()
	s.mu.Unlock()

	if !auto {
		s.inactivity.Stop()
	}
	s.notify()

	err := s.store.SetRoomStatus(ctx, roomID, models.RoomEnded, role)
	if err != nil {
		zap.S().Warnw("failed to end room", "roomID", roomID, "auto", auto, "error", err)
		// The stored record still has the version applied before the end;
		// step back so the next poll overwrites the local end with it.
		s.mu.Lock()
		if s.state.RoomID == roomID && s.roomVersion == version && version > 0 {
			s.roomVersion--
		}
		s.state.Messages = removeByClientID(s.state.Messages, notice.ClientID)
		s.mu.Unlock()
		s.notify()
		s.roomPoller.Trigger()
		return fmt.Errorf("end chat: %w", err)
	}

	zap.S().Infow("chat ended", "roomID", roomID, "role", role, "auto", auto)
	s.persistSystem(ctx, notice)
	return nil
}

// Refresh resets the conversation to "never existed" right away, then in the
// background removes a stale denied or ended room and requests a new one.
func (s *PatientSession) Refresh(user models.Participant) {
	s.mu.Lock()
	s.switchUserLocked(user)
	s.resetConversationLocked()
	s.typing = false
	s.updatePollingLocked()
	roomID, lifetime := s.state.RoomID, s.ctx
	s.mu.Unlock()
	s.notify()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		room, err := s.store.GetRoom(lifetime, roomID)
		if err != nil {
			zap.S().Warnw("refresh: failed to read room", "roomID", roomID, "error", err)
			return
		}
		if room != nil && (room.Status == models.RoomDenied || room.Status == models.RoomEnded) {
			if err := s.store.DeleteRoom(lifetime, roomID); err != nil && !errors.Is(err, storage.ErrRoomNotFound) {
				zap.S().Warnw("refresh: failed to delete stale room", "roomID", roomID, "error", err)
				return
			}
		}
		if user.Role == models.RolePatient || user.Role == "" {
			if err := s.Request(lifetime, user); err != nil {
				zap.S().Warnw("refresh: request failed", "roomID", roomID, "error", err)
			}
		}
	}()
}

// HandleRoomEvent applies a room change if it is newer than the last one
// applied.
func (s *PatientSession) HandleRoomEvent(ev models.ChangeEvent) {
	if ev.Room == nil {
		return
	}
	s.mu.Lock()
	changed := s.applyRoomLocked(*ev.Room, ev.Op == models.OpDelete, false)
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// HandleMessageEvent appends messages from the other side, ignoring echoes
// of the patient's own sends and duplicates.
func (s *PatientSession) HandleMessageEvent(ev models.ChangeEvent) {
	msg := ev.Message
	if msg == nil || msg.SenderRole == models.RolePatient {
		return
	}

	s.mu.Lock()
	if !s.acceptsMessagesLocked(msg.RoomID) {
		s.mu.Unlock()
		return
	}
	added := s.addIncomingLocked(*msg)
	s.mu.Unlock()

	if added {
		s.notify()
	}
}

// HandlePresenceEvent tracks admin liveness and typing in this room.
func (s *PatientSession) HandlePresenceEvent(ev models.ChangeEvent) {
	p := ev.Presence
	if p == nil || !(p.Role == models.RoleAdmin || models.IsAdminIdentity(p.UserID)) {
		return
	}

	s.mu.Lock()
	changed := false
	if p.IsOnline && !s.state.AdminOnline {
		s.state.AdminOnline = true
		changed = true
	}

	roomID := s.state.RoomID
	switch {
	case p.IsOnline && p.IsTyping && p.CurrentRoomID == roomID:
		if s.state.TypingFrom != models.RoleAdmin {
			changed = true
		}
		s.state.TypingFrom = models.RoleAdmin
		s.armTypingLocked()
	case s.state.TypingFrom == models.RoleAdmin && (p.CurrentRoomID == roomID || !p.IsOnline):
		s.stopTypingLocked()
		changed = true
	}
	s.mu.Unlock()

	// Another admin may still be online.
	if !p.IsOnline {
		s.roomPoller.Trigger()
	}
	if changed {
		s.notify()
	}
}

// HandleFeedError marks the feed degraded and starts reconnecting.
func (s *PatientSession) HandleFeedError(err error) {
	s.link.fail(err)
}

func (s *PatientSession) onFeedStatus(connected bool) {
	s.mu.Lock()
	s.updatePollingLocked()
	s.mu.Unlock()

	if connected {
		s.roomPoller.Trigger()
		s.messagePoller.Trigger()
	}
}

func (s *PatientSession) pollRoom(ctx context.Context) {
	s.mu.Lock()
	roomID := s.state.RoomID
	s.mu.Unlock()

	s.writePresence(ctx, true)

	changed := false
	online, err := s.store.IsAdminOnline(ctx)
	if err != nil {
		zap.S().Warnw("failed to poll admin presence", "error", err)
	} else {
		s.mu.Lock()
		if s.state.AdminOnline != online {
			s.state.AdminOnline = online
			changed = true
		}
		s.mu.Unlock()
	}

	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		zap.S().Warnw("failed to poll room", "roomID", roomID, "error", err)
	} else {
		s.mu.Lock()
		if room != nil {
			changed = s.applyRoomLocked(*room, false, false) || changed
		} else if s.state.RoomID == roomID && (s.state.Pending || s.state.Approved) {
			s.resetConversationLocked()
			s.updatePollingLocked()
			changed = true
		}
		s.mu.Unlock()
	}

	if changed {
		s.notify()
	}
}

func (s *PatientSession) pollMessages(ctx context.Context) {
	s.mu.Lock()
	roomID := s.state.RoomID
	s.mu.Unlock()

	history, err := s.store.ListMessages(ctx, roomID)
	if err != nil {
		zap.S().Warnw("failed to poll messages", "roomID", roomID, "error", err)
		return
	}

	s.mu.Lock()
	changed := false
	if s.acceptsMessagesLocked(roomID) {
		for _, msg := range history {
			changed = s.addIncomingLocked(msg) || changed
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *PatientSession) onInactivityWarning(n int) {
	s.mu.Lock()
	st := &s.state
	if !st.Approved || st.Denied || st.ChatEnded {
		s.mu.Unlock()
		return
	}
	st.InactivityMinutes = n
	st.ShowInactivityWarning = true
	notice := s.opts.systemMessage(st.RoomID, localization.InactivityWarningKey(n))
	st.Messages = append(st.Messages, notice)
	ctx := s.ctx
	s.mu.Unlock()

	s.notify()
	s.persistSystem(ctx, notice)
}

func (s *PatientSession) onInactivityExpired() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.end(ctx, true); err != nil {
		zap.S().Warnw("inactivity auto-end failed", "error", err)
	}
}

// activity restarts the inactivity countdown. It reports whether the
// warning state was cleared.
func (s *PatientSession) activity() bool {
	if s.inactivity.Phase() != InactivityWarning {
		return false
	}
	s.inactivity.Reset()

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.state.InactivityMinutes != 0 || s.state.ShowInactivityWarning
	s.state.InactivityMinutes = 0
	s.state.ShowInactivityWarning = false
	return changed
}

func (s *PatientSession) persistSystem(ctx context.Context, notice models.Message) {
	stored, err := s.store.AppendMessage(ctx, notice.RoomID, notice.Text, models.RoleSystem, notice.SenderName)
	if err != nil {
		zap.S().Warnw("failed to persist system message", "roomID", notice.RoomID, "error", err)
		return
	}
	s.mu.Lock()
	confirmMessage(s.state.Messages, notice.ClientID, stored.ID)
	s.mu.Unlock()
}

func (s *PatientSession) writePresence(ctx context.Context, online bool) {
	s.mu.Lock()
	p := models.Presence{
		UserID:        s.user.PresenceID(),
		Role:          models.RolePatient,
		IsOnline:      online,
		CurrentRoomID: s.state.RoomID,
		IsTyping:      online && s.typing,
		LastSeen:      s.clock.Now(),
	}
	s.mu.Unlock()

	if p.UserID == "" {
		return
	}
	if err := s.store.SetPresence(ctx, p); err != nil {
		zap.S().Warnw("failed to write presence", "userID", p.UserID, "error", err)
	}
}

func (s *PatientSession) localRole() models.Role {
	if s.user.Role == "" {
		return models.RolePatient
	}
	return s.user.Role
}

// switchUserLocked resets everything when the room id changes.
func (s *PatientSession) switchUserLocked(user models.Participant) {
	if user.Role == "" {
		user.Role = models.RolePatient
	}
	if user.ID != s.state.RoomID {
		s.inactivity.Stop()
		s.stopTypingLocked()
		s.state = PatientState{RoomID: user.ID, AdminOnline: s.state.AdminOnline}
		s.roomVersion = 0
		s.typing = false
	}
	s.user = user
}

// resetConversationLocked returns to the "no room" state. The room version
// is kept so stale events stay ignored.
func (s *PatientSession) resetConversationLocked() {
	s.inactivity.Stop()
	s.stopTypingLocked()
	s.state = PatientState{RoomID: s.state.RoomID, AdminOnline: s.state.AdminOnline}
}

// applyRoomLocked reconciles local state with a room record. Records older
// than the last applied version are ignored; force also accepts the same
// version, for reads made on behalf of a user action.
func (s *PatientSession) applyRoomLocked(room models.Room, deleted, force bool) bool {
	if room.RoomID != s.state.RoomID {
		return false
	}
	if room.Version < s.roomVersion || (room.Version == s.roomVersion && !force) {
		return false
	}
	s.roomVersion = room.Version
	st := &s.state

	if deleted || room.IsDeleted() {
		s.resetConversationLocked()
		s.updatePollingLocked()
		return true
	}

	switch room.Status {
	case models.RoomPending:
		if st.ChatEnded || st.Denied {
			s.resetConversationLocked()
		}
		st.Pending = true
		st.Approved = false
		st.Denied = false
		st.ChatEnded = false
		st.EndedBy = ""
		s.inactivity.Stop()
	case models.RoomActive:
		wasActive := st.Approved
		st.Approved = true
		st.Pending = false
		st.Denied = false
		st.ChatEnded = false
		st.EndedBy = ""
		if !wasActive {
			st.InactivityMinutes = 0
			st.ShowInactivityWarning = false
			s.inactivity.Start()
		}
	case models.RoomDenied:
		st.Denied = true
		st.Pending = false
		st.Approved = false
		st.ChatEnded = false
		s.inactivity.Stop()
		s.stopTypingLocked()
	case models.RoomEnded:
		st.ChatEnded = true
		st.Approved = false
		st.Pending = false
		st.Denied = false
		st.ShowInactivityWarning = false
		st.EndedBy = room.EndedBy
		if st.EndedBy == "" {
			st.EndedBy = s.localRole()
		}
		s.inactivity.Stop()
		s.stopTypingLocked()
	}

	s.updatePollingLocked()
	return true
}

func (s *PatientSession) acceptsMessagesLocked(roomID string) bool {
	st := s.state
	return roomID == st.RoomID && (st.Pending || st.Approved || st.ChatEnded)
}

func (s *PatientSession) addIncomingLocked(msg models.Message) bool {
	var added bool
	s.state.Messages, added = appendUnique(s.state.Messages, msg)
	if !added || msg.SenderRole != models.RoleAdmin {
		return added
	}
	if !s.focused {
		s.state.Unread++
	}
	if s.state.TypingFrom == models.RoleAdmin {
		s.stopTypingLocked()
	}
	return true
}

// updatePollingLocked polls messages only while a room is pending or
// active, fast while the feed is degraded.
func (s *PatientSession) updatePollingLocked() {
	if !s.opened || !(s.state.Pending || s.state.Approved) {
		s.messagePoller.SetCallback(nil)
		return
	}
	interval := s.opts.Timing.MessagePollFast
	if s.link.isConnected() {
		interval = s.opts.Timing.MessagePollConnected
	}
	s.messagePoller.SetInterval(interval)
	s.messagePoller.SetCallback(s.pollMessages)
}

func (s *PatientSession) armTypingLocked() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingGen++
	gen := s.typingGen
	s.typingTimer = s.clock.AfterFunc(config.TypingFallback, func() { s.typingExpired(gen) })
}

func (s *PatientSession) stopTypingLocked() {
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.typingGen++
	s.state.TypingFrom = ""
}

func (s *PatientSession) typingExpired(gen uint64) {
	s.mu.Lock()
	if gen != s.typingGen {
		s.mu.Unlock()
		return
	}
	s.typingTimer = nil
	s.state.TypingFrom = ""
	s.mu.Unlock()
	s.notify()
}
