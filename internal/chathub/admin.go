package chathub

import (
	"clinicchat/backend/internal/changefeed"
	"clinicchat/backend/internal/config"
	"clinicchat/backend/internal/localization"
	"clinicchat/backend/internal/models"
	"clinicchat/backend/internal/storage"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RoomEntry is one room in an admin list.
type RoomEntry struct {
	RoomID string             `json:"room_id"`
	User   models.Participant `json:"user"`
}

// AdminState is the admin's view of every room. A room id appears in at
// most one of Requests, ActiveChats and ClosedChats.
type AdminState struct {
	Requests      []RoomEntry                 `json:"requests"`
	ActiveChats   []RoomEntry                 `json:"active_chats"`
	ClosedChats   []RoomEntry                 `json:"closed_chats"`
	MessagesByID  map[string][]models.Message `json:"messages_by_id"`
	TypingByID    map[string]bool             `json:"typing_by_id"`
	ChatEndedByID map[string]bool             `json:"chat_ended_by_id"`
	EndedByID     map[string]models.Role      `json:"ended_by_id"`
}

type roomList int

const (
	listNone roomList = iota
	listRequests
	listActive
	listClosed
)

// AdminHub manages the request queue and every active conversation for one
// admin.
type AdminHub struct {
	store storage.Storage
	opts  Options
	clock clock.Clock

	link          *feedLink
	roomPoller    *Poller
	messagePoller *Poller
	listeners     listeners

	mu           sync.Mutex
	admin        models.Participant
	state        AdminState
	versions     map[string]int64
	graceTimers  map[string]*clock.Timer
	typingTimers map[string]*clock.Timer
	typingRoom   string
	typing       bool
	opened       bool
	ctx          context.Context
	cancel       context.CancelFunc

	wg sync.WaitGroup
}

// NewAdminHub creates a closed hub. Call Open to start it.
func NewAdminHub(store storage.Storage, feed changefeed.Subscriber, opts Options) *AdminHub {
	opts = opts.withDefaults()
	h := &AdminHub{
		store:        store,
		opts:         opts,
		clock:        opts.Clock,
		state:        newAdminState(),
		versions:     make(map[string]int64),
		graceTimers:  make(map[string]*clock.Timer),
		typingTimers: make(map[string]*clock.Timer),
		ctx:          context.Background(),
		cancel:       func() {},
	}
	h.roomPoller = NewPoller(opts.Clock, opts.Timing.RoomPollInterval)
	h.messagePoller = NewPoller(opts.Clock, opts.Timing.MessagePollFast)
	h.link = newFeedLink(opts.Clock, feed, map[models.Collection]changefeed.Handler{
		models.CollectionRooms:    h.HandleRoomEvent,
		models.CollectionMessages: h.HandleMessageEvent,
		models.CollectionPresence: h.HandlePresenceEvent,
	}, h.onFeedStatus)
	return h
}

func newAdminState() AdminState {
	return AdminState{
		MessagesByID:  make(map[string][]models.Message),
		TypingByID:    make(map[string]bool),
		ChatEndedByID: make(map[string]bool),
		EndedByID:     make(map[string]models.Role),
	}
}

// OnChange registers fn to be called after every state change.
func (h *AdminHub) OnChange(fn func()) {
	h.listeners.add(fn)
}

func (h *AdminHub) notify() {
	h.listeners.notify()
}

// State returns a deep copy of the current state.
func (h *AdminHub) State() AdminState {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := newAdminState()
	out.Requests = append([]RoomEntry(nil), h.state.Requests...)
	out.ActiveChats = append([]RoomEntry(nil), h.state.ActiveChats...)
	out.ClosedChats = append([]RoomEntry(nil), h.state.ClosedChats...)
	for id, msgs := range h.state.MessagesByID {
		out.MessagesByID[id] = copyMessages(msgs)
	}
	for id, v := range h.state.TypingByID {
		out.TypingByID[id] = v
	}
	for id, v := range h.state.ChatEndedByID {
		out.ChatEndedByID[id] = v
	}
	for id, v := range h.state.EndedByID {
		out.EndedByID[id] = v
	}
	return out
}

// Open announces the admin online, subscribes to the change feed and starts
// polling. The first room poll fills the lists.
func (h *AdminHub) Open(ctx context.Context, admin models.Participant) {
	h.mu.Lock()
	if h.opened {
		h.mu.Unlock()
		return
	}
	if admin.Role == "" {
		admin.Role = models.RoleAdmin
	}
	h.admin = admin
	h.opened = true
	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	lifetime := h.ctx
	h.mu.Unlock()

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.roomPoller.Run(lifetime)
	}()
	go func() {
		defer h.wg.Done()
		h.messagePoller.Run(lifetime)
	}()

	h.writePresence(ctx, true)
	if err := h.link.connect(lifetime); err != nil {
		zap.S().Warnw("change feed unavailable, polling only", "admin", admin.ID, "error", err)
	}
	h.roomPoller.SetCallback(h.pollRooms)
	h.notify()
}

// Close announces the admin offline and stops every timer and poller.
func (h *AdminHub) Close(ctx context.Context) {
	h.mu.Lock()
	if !h.opened {
		h.mu.Unlock()
		return
	}
	h.opened = false
	h.typing = false
	for id, t := range h.graceTimers {
		t.Stop()
		delete(h.graceTimers, id)
	}
	for id, t := range h.typingTimers {
		t.Stop()
		delete(h.typingTimers, id)
	}
	cancel := h.cancel
	h.mu.Unlock()

	h.link.close()
	h.roomPoller.SetCallback(nil)
	h.messagePoller.SetCallback(nil)
	h.writePresence(ctx, false)

	cancel()
	h.wg.Wait()
}

// Approve moves a request to the active chats and stores the new status. A
// failed write moves it back and polls right away.
func (h *AdminHub) Approve(ctx context.Context, roomID string) error {
	h.mu.Lock()
	entry, where, ok := h.findLocked(roomID)
	if !ok || where != listRequests {
		h.mu.Unlock()
		return ErrNoRoom
	}
	version := h.versions[roomID]
	h.placeLocked(entry, listActive)
	delete(h.state.ChatEndedByID, roomID)
	delete(h.state.EndedByID, roomID)
	h.updatePollingLocked()
	h.mu.Unlock()
	h.notify()

	if err := h.store.SetRoomStatus(ctx, roomID, models.RoomActive, ""); err != nil {
		zap.S().Warnw("approve failed, rolling back", "roomID", roomID, "error", err)
		h.rollback(entry, listActive, version)
		return fmt.Errorf("approve %s: %w", roomID, err)
	}

	zap.S().Infow("chat approved", "roomID", roomID, "admin", h.admin.ID)
	h.messagePoller.Trigger()
	return nil
}

// Deny removes a request and stores the denial, restoring it if the write
// fails.
func (h *AdminHub) Deny(ctx context.Context, roomID string) error {
	h.mu.Lock()
	entry, where, ok := h.findLocked(roomID)
	if !ok || where != listRequests {
		h.mu.Unlock()
		return ErrNoRoom
	}
	version := h.versions[roomID]
	h.placeLocked(entry, listNone)
	h.mu.Unlock()
	h.notify()

	if err := h.store.SetRoomStatus(ctx, roomID, models.RoomDenied, ""); err != nil {
		zap.S().Warnw("deny failed, rolling back", "roomID", roomID, "error", err)
		h.rollback(entry, listNone, version)
		return fmt.Errorf("deny %s: %w", roomID, err)
	}

	zap.S().Infow("chat denied", "roomID", roomID, "admin", h.admin.ID)
	h.mu.Lock()
	h.clearRoomLocked(roomID)
	h.mu.Unlock()
	return nil
}

// rollback returns entry to the request queue unless a newer room version
// has been applied meanwhile.
func (h *AdminHub) rollback(entry RoomEntry, moved roomList, version int64) {
	h.mu.Lock()
	_, where, _ := h.findLocked(entry.RoomID)
	if where == moved && h.versions[entry.RoomID] == version {
		h.placeLocked(entry, listRequests)
		h.updatePollingLocked()
	}
	h.mu.Unlock()

	h.notify()
	h.roomPoller.Trigger()
}

// CloseChat ends an active chat from the admin side and drops it from the
// lists at once.
func (h *AdminHub) CloseChat(ctx context.Context, roomID string) error {
	h.mu.Lock()
	_, where, ok := h.findLocked(roomID)
	if !ok || where != listActive {
		h.mu.Unlock()
		return ErrRoomNotActive
	}
	h.state.ChatEndedByID[roomID] = true
	h.state.EndedByID[roomID] = models.RoleAdmin
	notice := h.opts.systemMessage(roomID, localization.ChatEndedKey(string(models.RoleAdmin)))
	h.state.MessagesByID[roomID] = append(h.state.MessagesByID[roomID], notice)
	h.mu.Unlock()
	h.notify()

	err := h.store.SetRoomStatus(ctx, roomID, models.RoomEnded, models.RoleAdmin)
	if err != nil {
		zap.S().Warnw("failed to close chat", "roomID", roomID, "error", err)
	} else {
		h.persistSystem(ctx, notice)
		zap.S().Infow("chat closed", "roomID", roomID, "admin", h.admin.ID)
	}

	h.mu.Lock()
	h.placeLocked(RoomEntry{RoomID: roomID}, listNone)
	h.clearRoomLocked(roomID)
	if err != nil {
		// Forget the version so the next poll can bring the room back.
		delete(h.versions, roomID)
	}
	h.updatePollingLocked()
	h.mu.Unlock()
	h.notify()

	if err != nil {
		h.roomPoller.Trigger()
		return fmt.Errorf("close chat %s: %w", roomID, err)
	}
	return nil
}

// CancelChat dismisses a closed chat.
func (h *AdminHub) CancelChat(roomID string) error {
	h.mu.Lock()
	_, where, ok := h.findLocked(roomID)
	if !ok || where != listClosed {
		h.mu.Unlock()
		return ErrNoRoom
	}
	h.placeLocked(RoomEntry{RoomID: roomID}, listNone)
	h.clearRoomLocked(roomID)
	h.mu.Unlock()

	h.notify()
	return nil
}

// SendMessage appends text to an active chat optimistically and stores it,
// rolling back on failure.
func (h *AdminHub) SendMessage(ctx context.Context, roomID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	h.mu.Lock()
	_, where, ok := h.findLocked(roomID)
	if !ok || where != listActive || h.state.ChatEndedByID[roomID] {
		h.mu.Unlock()
		return ErrRoomNotActive
	}
	admin := h.admin
	local := models.Message{
		RoomID:     roomID,
		Text:       text,
		SenderRole: models.RoleAdmin,
		SenderName: admin.Name,
		Timestamp:  h.clock.Now(),
		ClientID:   uuid.NewString(),
	}
	msgs := append(h.state.MessagesByID[roomID], local)
	sortMessages(msgs)
	h.state.MessagesByID[roomID] = msgs
	h.mu.Unlock()
	h.notify()

	stored, err := h.store.AppendMessage(ctx, roomID, text, models.RoleAdmin, admin.Name)

	h.mu.Lock()
	if msgs, ok := h.state.MessagesByID[roomID]; ok {
		if err != nil {
			h.state.MessagesByID[roomID] = removeByClientID(msgs, local.ClientID)
		} else {
			confirmMessage(msgs, local.ClientID, stored.ID)
		}
	}
	h.mu.Unlock()
	h.notify()

	if err != nil {
		zap.S().Warnw("failed to send message", "roomID", roomID, "error", err)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendTyping publishes the admin's typing flag for roomID.
func (h *AdminHub) SendTyping(ctx context.Context, roomID string, typing bool) {
	h.mu.Lock()
	h.typingRoom = roomID
	h.typing = typing
	h.mu.Unlock()

	h.writePresence(ctx, true)
}

// HandleRoomEvent applies a room change if it is newer than the last one
// applied for that room.
func (h *AdminHub) HandleRoomEvent(ev models.ChangeEvent) {
	if ev.Room == nil {
		return
	}
	h.mu.Lock()
	changed := h.applyRoomLocked(*ev.Room, ev.Op == models.OpDelete)
	h.mu.Unlock()

	if changed {
		h.notify()
		h.messagePoller.Trigger()
	}
}

// HandleMessageEvent appends new messages of tracked rooms. Replies from
// other admins come through here too; the echo of this hub's own send is
// folded into its optimistic entry by the dedup rules.
func (h *AdminHub) HandleMessageEvent(ev models.ChangeEvent) {
	msg := ev.Message
	if msg == nil {
		return
	}

	h.mu.Lock()
	added := h.addIncomingLocked(*msg)
	h.mu.Unlock()

	if added {
		h.notify()
	}
}

// HandlePresenceEvent tracks patient typing per room.
func (h *AdminHub) HandlePresenceEvent(ev models.ChangeEvent) {
	p := ev.Presence
	if p == nil || p.Role != models.RolePatient {
		return
	}
	roomID := p.CurrentRoomID
	if roomID == "" {
		roomID = p.UserID
	}

	h.mu.Lock()
	changed := false
	if _, _, tracked := h.findLocked(roomID); tracked {
		typing := p.IsOnline && p.IsTyping
		switch {
		case typing:
			changed = !h.state.TypingByID[roomID]
			h.state.TypingByID[roomID] = true
			h.armTypingLocked(roomID)
		case h.state.TypingByID[roomID]:
			h.stopTypingLocked(roomID)
			changed = true
		}
	}
	h.mu.Unlock()

	if changed {
		h.notify()
	}
}

// HandleFeedError marks the feed degraded and starts reconnecting.
func (h *AdminHub) HandleFeedError(err error) {
	h.link.fail(err)
}

func (h *AdminHub) onFeedStatus(connected bool) {
	h.mu.Lock()
	h.updatePollingLocked()
	h.mu.Unlock()

	if connected {
		h.roomPoller.Trigger()
		h.messagePoller.Trigger()
	}
}

func (h *AdminHub) pollRooms(ctx context.Context) {
	h.writePresence(ctx, true)

	rooms, err := h.store.ListRoomsByStatus(ctx, models.RoomPending, models.RoomActive)
	if err != nil {
		zap.S().Warnw("failed to poll rooms", "error", err)
		return
	}

	h.mu.Lock()
	changed := false
	seen := make(map[string]bool, len(rooms))
	for _, room := range rooms {
		seen[room.RoomID] = true
		changed = h.applyRoomLocked(room, false) || changed
	}
	var missing []string
	for _, list := range [][]RoomEntry{h.state.Requests, h.state.ActiveChats} {
		for _, e := range list {
			if !seen[e.RoomID] {
				missing = append(missing, e.RoomID)
			}
		}
	}
	h.mu.Unlock()

	// Tracked rooms that left pending/active are looked up one by one.
	for _, roomID := range missing {
		room, err := h.store.GetRoom(ctx, roomID)
		if err != nil {
			zap.S().Warnw("failed to poll room", "roomID", roomID, "error", err)
			continue
		}
		h.mu.Lock()
		if room != nil {
			changed = h.applyRoomLocked(*room, false) || changed
		} else if _, where, _ := h.findLocked(roomID); where == listRequests || where == listActive {
			h.placeLocked(RoomEntry{RoomID: roomID}, listNone)
			h.clearRoomLocked(roomID)
			h.updatePollingLocked()
			changed = true
		}
		h.mu.Unlock()
	}

	if changed {
		h.notify()
	}
}

func (h *AdminHub) pollMessages(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.state.ActiveChats))
	for _, e := range h.state.ActiveChats {
		ids = append(ids, e.RoomID)
	}
	h.mu.Unlock()

	changed := false
	for _, roomID := range ids {
		history, err := h.store.ListMessages(ctx, roomID)
		if err != nil {
			zap.S().Warnw("failed to poll messages", "roomID", roomID, "error", err)
			continue
		}
		h.mu.Lock()
		if _, _, tracked := h.findLocked(roomID); tracked {
			var added bool
			h.state.MessagesByID[roomID], added = mergeMessages(h.state.MessagesByID[roomID], history)
			changed = changed || added
		}
		h.mu.Unlock()
	}

	if changed {
		h.notify()
	}
}

func (h *AdminHub) persistSystem(ctx context.Context, notice models.Message) {
	stored, err := h.store.AppendMessage(ctx, notice.RoomID, notice.Text, models.RoleSystem, notice.SenderName)
	if err != nil {
		zap.S().Warnw("failed to persist system message", "roomID", notice.RoomID, "error", err)
		return
	}
	h.mu.Lock()
	confirmMessage(h.state.MessagesByID[notice.RoomID], notice.ClientID, stored.ID)
	h.mu.Unlock()
}

func (h *AdminHub) writePresence(ctx context.Context, online bool) {
	h.mu.Lock()
	p := models.Presence{
		UserID:        h.admin.PresenceID(),
		Role:          models.RoleAdmin,
		IsOnline:      online,
		CurrentRoomID: h.typingRoom,
		IsTyping:      online && h.typing,
		LastSeen:      h.clock.Now(),
	}
	h.mu.Unlock()

	if err := h.store.SetPresence(ctx, p); err != nil {
		zap.S().Warnw("failed to write presence", "userID", p.UserID, "error", err)
	}
}

// applyRoomLocked reconciles the lists with a room record newer than the
// last applied version of that room.
func (h *AdminHub) applyRoomLocked(room models.Room, deleted bool) bool {
	id := room.RoomID
	if room.Version <= h.versions[id] {
		return false
	}
	h.versions[id] = room.Version

	entry := RoomEntry{
		RoomID: id,
		User:   models.Participant{ID: room.PatientID, Name: room.PatientName, Role: models.RolePatient},
	}
	_, where, tracked := h.findLocked(id)

	if deleted || room.IsDeleted() {
		if !tracked {
			return false
		}
		h.placeLocked(entry, listNone)
		h.clearRoomLocked(id)
		h.updatePollingLocked()
		return true
	}

	switch room.Status {
	case models.RoomPending:
		if where == listClosed || h.state.ChatEndedByID[id] {
			h.clearRoomLocked(id)
		}
		h.placeLocked(entry, listRequests)
	case models.RoomActive:
		h.stopGraceLocked(id)
		delete(h.state.ChatEndedByID, id)
		delete(h.state.EndedByID, id)
		h.placeLocked(entry, listActive)
	case models.RoomDenied:
		if !tracked {
			return false
		}
		h.placeLocked(entry, listNone)
		h.clearRoomLocked(id)
	case models.RoomEnded:
		switch where {
		case listActive:
			endedBy := room.EndedBy
			if endedBy == "" {
				endedBy = models.RolePatient
			}
			h.state.ChatEndedByID[id] = true
			h.state.EndedByID[id] = endedBy
			h.scheduleGraceLocked(id)
		case listRequests:
			h.placeLocked(entry, listNone)
			h.clearRoomLocked(id)
		default:
			return false
		}
	}

	h.updatePollingLocked()
	return true
}

func (h *AdminHub) addIncomingLocked(msg models.Message) bool {
	if _, _, tracked := h.findLocked(msg.RoomID); !tracked {
		return false
	}
	var added bool
	h.state.MessagesByID[msg.RoomID], added = appendUnique(h.state.MessagesByID[msg.RoomID], msg)
	if added && msg.SenderRole == models.RolePatient && h.state.TypingByID[msg.RoomID] {
		h.stopTypingLocked(msg.RoomID)
	}
	return added
}

func (h *AdminHub) findLocked(roomID string) (RoomEntry, roomList, bool) {
	for _, l := range []struct {
		kind    roomList
		entries []RoomEntry
	}{
		{listRequests, h.state.Requests},
		{listActive, h.state.ActiveChats},
		{listClosed, h.state.ClosedChats},
	} {
		for _, e := range l.entries {
			if e.RoomID == roomID {
				return e, l.kind, true
			}
		}
	}
	return RoomEntry{}, listNone, false
}

// placeLocked removes the room from every list and then adds it to target.
// A room already in target keeps its position.
func (h *AdminHub) placeLocked(entry RoomEntry, target roomList) {
	if _, where, ok := h.findLocked(entry.RoomID); ok && where == target {
		h.replaceEntryLocked(entry, target)
		return
	}

	h.state.Requests = withoutRoom(h.state.Requests, entry.RoomID)
	h.state.ActiveChats = withoutRoom(h.state.ActiveChats, entry.RoomID)
	h.state.ClosedChats = withoutRoom(h.state.ClosedChats, entry.RoomID)

	switch target {
	case listRequests:
		h.state.Requests = append(h.state.Requests, entry)
	case listActive:
		h.state.ActiveChats = append(h.state.ActiveChats, entry)
	case listClosed:
		h.state.ClosedChats = append(h.state.ClosedChats, entry)
	}
}

func (h *AdminHub) replaceEntryLocked(entry RoomEntry, target roomList) {
	var list []RoomEntry
	switch target {
	case listRequests:
		list = h.state.Requests
	case listActive:
		list = h.state.ActiveChats
	case listClosed:
		list = h.state.ClosedChats
	}
	for i := range list {
		if list[i].RoomID == entry.RoomID && entry.User.ID != "" {
			list[i] = entry
		}
	}
}

func withoutRoom(list []RoomEntry, roomID string) []RoomEntry {
	out := list[:0]
	for _, e := range list {
		if e.RoomID != roomID {
			out = append(out, e)
		}
	}
	return out
}

// clearRoomLocked drops the per-room dictionaries and timers.
func (h *AdminHub) clearRoomLocked(roomID string) {
	delete(h.state.MessagesByID, roomID)
	delete(h.state.ChatEndedByID, roomID)
	delete(h.state.EndedByID, roomID)
	h.stopTypingLocked(roomID)
	delete(h.state.TypingByID, roomID)
	h.stopGraceLocked(roomID)
}

func (h *AdminHub) updatePollingLocked() {
	if !h.opened || len(h.state.ActiveChats) == 0 {
		h.messagePoller.SetCallback(nil)
		return
	}
	interval := h.opts.Timing.MessagePollFast
	if h.link.isConnected() {
		interval = h.opts.Timing.MessagePollConnected
	}
	h.messagePoller.SetInterval(interval)
	h.messagePoller.SetCallback(h.pollMessages)
}

func (h *AdminHub) scheduleGraceLocked(roomID string) {
	if _, ok := h.graceTimers[roomID]; ok {
		return
	}
	h.graceTimers[roomID] = h.clock.AfterFunc(config.EndGracePeriod, func() { h.finishGrace(roomID) })
}

func (h *AdminHub) stopGraceLocked(roomID string) {
	if t, ok := h.graceTimers[roomID]; ok {
		t.Stop()
		delete(h.graceTimers, roomID)
	}
}

// finishGrace moves a remotely ended chat to the closed list.
func (h *AdminHub) finishGrace(roomID string) {
	h.mu.Lock()
	delete(h.graceTimers, roomID)
	entry, where, _ := h.findLocked(roomID)
	moved := where == listActive && h.state.ChatEndedByID[roomID]
	if moved {
		h.placeLocked(entry, listClosed)
		h.stopTypingLocked(roomID)
		h.updatePollingLocked()
	}
	h.mu.Unlock()

	if moved {
		h.notify()
	}
}

func (h *AdminHub) armTypingLocked(roomID string) {
	if t, ok := h.typingTimers[roomID]; ok {
		t.Stop()
	}
	var timer *clock.Timer
	timer = h.clock.AfterFunc(config.TypingFallback, func() { h.typingExpired(roomID, timer) })
	h.typingTimers[roomID] = timer
}

func (h *AdminHub) stopTypingLocked(roomID string) {
	if t, ok := h.typingTimers[roomID]; ok {
		t.Stop()
		delete(h.typingTimers, roomID)
	}
	if h.state.TypingByID[roomID] {
		h.state.TypingByID[roomID] = false
	}
}

func (h *AdminHub) typingExpired(roomID string, timer *clock.Timer) {
	h.mu.Lock()
	if h.typingTimers[roomID] != timer {
		h.mu.Unlock()
		return
	}
	delete(h.typingTimers, roomID)
	h.state.TypingByID[roomID] = false
	h.mu.Unlock()
	h.notify()
}
