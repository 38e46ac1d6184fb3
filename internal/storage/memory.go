package storage

import (
	"clinicchat/backend/internal/changefeed"
	"clinicchat/backend/internal/config"
	"clinicchat/backend/internal/models"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gorm.io/gorm"
)

type memorySubscription struct {
	col     models.Collection
	onEvent changefeed.Handler
}

// MemoryStore is an in-process Storage that is also its own change feed.
// Events are delivered synchronously after the write has been applied and
// the store lock released. It backs single-instance deployments and tests.
type MemoryStore struct {
	clock clock.Clock

	mu             sync.Mutex
	rooms          map[string]*models.Room
	roomOrder      []string
	messages       map[string][]models.Message
	nextMessageID  uint
	presence       map[string]models.Presence
	doctors        map[string]*models.Doctor
	unavailability []models.DoctorUnavailability
	nextPeriodID   uint

	subMu   sync.Mutex
	subs    map[int]memorySubscription
	nextSub int
	hook    func(models.ChangeEvent) int
	closed  bool
}

// NewMemoryStore creates an empty store using clk for timestamps. A nil clk
// means the wall clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock:    clk,
		rooms:    make(map[string]*models.Room),
		messages: make(map[string][]models.Message),
		presence: make(map[string]models.Presence),
		doctors:  make(map[string]*models.Doctor),
		subs:     make(map[int]memorySubscription),
	}
}

// SetDeliveryHook installs fn to decide how many times each event is
// delivered. Returning 0 drops the event, 2 duplicates it. A nil fn restores
// exactly-once delivery.
func (m *MemoryStore) SetDeliveryHook(fn func(models.ChangeEvent) int) {
	m.subMu.Lock()
	m.hook = fn
	m.subMu.Unlock()
}

// Publish delivers ev to the subscribers of its collection.
func (m *MemoryStore) Publish(_ context.Context, ev models.ChangeEvent) error {
	m.subMu.Lock()
	if m.closed {
		m.subMu.Unlock()
		return changefeed.ErrClosed
	}
	copies := 1
	if m.hook != nil {
		copies = m.hook(ev)
	}
	var handlers []changefeed.Handler
	for _, sub := range m.subs {
		if sub.col == ev.Collection {
			handlers = append(handlers, sub.onEvent)
		}
	}
	m.subMu.Unlock()

	for i := 0; i < copies; i++ {
		for _, h := range handlers {
			h(ev)
		}
	}
	return nil
}

// Subscribe registers onEvent for col. onError is never called; the
// in-process feed cannot fail.
func (m *MemoryStore) Subscribe(ctx context.Context, col models.Collection, onEvent changefeed.Handler, _ changefeed.ErrorHandler) (changefeed.Unsubscribe, error) {
	m.subMu.Lock()
	if m.closed {
		m.subMu.Unlock()
		return nil, changefeed.ErrClosed
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = memorySubscription{col: col, onEvent: onEvent}
	m.subMu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			stop()
		}()
	}
	return stop, nil
}

// Close drops every subscription.
func (m *MemoryStore) Close() error {
	m.subMu.Lock()
	m.closed = true
	m.subs = make(map[int]memorySubscription)
	m.subMu.Unlock()
	return nil
}

func (m *MemoryStore) emit(ev models.ChangeEvent) {
	_ = m.Publish(context.Background(), ev)
}

// CreateRoom opens a pending room, or reopens an ended or deleted one.
func (m *MemoryStore) CreateRoom(_ context.Context, roomID, patientID, patientName string) (*models.Room, error) {
	m.mu.Lock()
	now := m.clock.Now()
	op := models.OpInsert

	room, ok := m.rooms[roomID]
	switch {
	case !ok:
		room = &models.Room{RoomID: roomID, CreatedAt: now}
		m.rooms[roomID] = room
		m.roomOrder = append(m.roomOrder, roomID)
	case !room.IsDeleted() && room.Status != models.RoomEnded:
		m.mu.Unlock()
		return nil, ErrRoomExists
	default:
		op = models.OpUpdate
	}

	room.PatientID = patientID
	room.PatientName = patientName
	room.Status = models.RoomPending
	room.EndedBy = ""
	room.Version++
	room.UpdatedAt = now
	room.DeletedAt = gorm.DeletedAt{}
	delete(m.messages, roomID)
	out := *room
	m.mu.Unlock()

	m.emit(models.RoomEvent(op, out))
	return &out, nil
}

// GetRoom returns a copy of the room or nil when it is missing or deleted.
func (m *MemoryStore) GetRoom(_ context.Context, roomID string) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok || room.IsDeleted() {
		return nil, nil
	}
	out := *room
	return &out, nil
}

// SetRoomStatus moves the room to status if the lifecycle allows it.
func (m *MemoryStore) SetRoomStatus(_ context.Context, roomID string, status models.RoomStatus, endedBy models.Role) error {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok || room.IsDeleted() {
		m.mu.Unlock()
		return ErrRoomNotFound
	}
	if !room.Status.CanTransition(status) {
		from := room.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}
	if status != models.RoomEnded {
		endedBy = ""
	}

	room.Status = status
	room.EndedBy = endedBy
	room.Version++
	room.UpdatedAt = m.clock.Now()
	out := *room
	m.mu.Unlock()

	m.emit(models.RoomEvent(models.OpUpdate, out))
	return nil
}

// DeleteRoom tombstones the room and drops its messages.
func (m *MemoryStore) DeleteRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	room, ok := m.rooms[roomID]
	if !ok || room.IsDeleted() {
		m.mu.Unlock()
		return ErrRoomNotFound
	}

	now := m.clock.Now()
	room.Version++
	room.UpdatedAt = now
	room.DeletedAt = gorm.DeletedAt{Time: now, Valid: true}
	delete(m.messages, roomID)
	out := *room
	m.mu.Unlock()

	m.emit(models.RoomEvent(models.OpDelete, out))
	return nil
}

// ListRoomsByStatus returns live rooms in any of the given statuses in
// creation order. No statuses means every live room.
func (m *MemoryStore) ListRoomsByStatus(_ context.Context, statuses ...models.RoomStatus) ([]models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Room
	for _, id := range m.roomOrder {
		room := m.rooms[id]
		if room.IsDeleted() {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, room.Status) {
			continue
		}
		out = append(out, *room)
	}
	return out, nil
}

func containsStatus(list []models.RoomStatus, s models.RoomStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// AppendMessage stores a message and assigns its id and timestamp.
func (m *MemoryStore) AppendMessage(_ context.Context, roomID, text string, role models.Role, senderName string) (*models.Message, error) {
	m.mu.Lock()
	m.nextMessageID++
	msg := models.Message{
		ID:         m.nextMessageID,
		RoomID:     roomID,
		Text:       text,
		SenderRole: role,
		SenderName: senderName,
		Timestamp:  m.clock.Now(),
	}
	m.messages[roomID] = append(m.messages[roomID], msg)
	m.mu.Unlock()

	m.emit(models.MessageEvent(msg))
	return &msg, nil
}

// ListMessages returns a copy of the room's messages in timestamp order.
func (m *MemoryStore) ListMessages(_ context.Context, roomID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Message, len(m.messages[roomID]))
	copy(out, m.messages[roomID])
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// SetPresence replaces the participant's presence record.
func (m *MemoryStore) SetPresence(_ context.Context, p models.Presence) error {
	m.mu.Lock()
	if p.LastSeen.IsZero() {
		p.LastSeen = m.clock.Now()
	}
	m.presence[p.UserID] = p
	m.mu.Unlock()

	m.emit(models.PresenceEvent(p))
	return nil
}

// GetPresence returns nil when there is no record or it is older than the
// presence TTL.
func (m *MemoryStore) GetPresence(_ context.Context, userID string) (*models.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.presence[userID]
	if !ok || m.expired(p) {
		return nil, nil
	}
	return &p, nil
}

// IsAdminOnline reports whether any admin record is online and fresh.
func (m *MemoryStore) IsAdminOnline(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.presence {
		if (p.Role == models.RoleAdmin || models.IsAdminIdentity(id)) && p.IsOnline && !m.expired(p) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) expired(p models.Presence) bool {
	return m.clock.Now().Sub(p.LastSeen) > config.PresenceTTL
}

// AddDoctor inserts or replaces a doctor record.
func (m *MemoryStore) AddDoctor(d models.Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[d.ID] = &d
}

// Doctor returns a copy of the doctor record.
func (m *MemoryStore) Doctor(id string) (models.Doctor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return models.Doctor{}, false
	}
	return *d, true
}

// AddUnavailability records an unavailability period for a doctor.
func (m *MemoryStore) AddUnavailability(doctorID string, startsAt, endsAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPeriodID++
	period := models.DoctorUnavailability{DoctorID: doctorID, StartsAt: startsAt, EndsAt: endsAt}
	period.ID = m.nextPeriodID
	m.unavailability = append(m.unavailability, period)
}

// CleanupExpiredUnavailability mirrors the PostgreSQL sweep.
func (m *MemoryStore) CleanupExpiredUnavailability(_ context.Context, now time.Time) (models.CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		result  models.CleanupResult
		expired []models.DoctorUnavailability
		kept    []models.DoctorUnavailability
	)
	for _, p := range m.unavailability {
		if p.EndsAt.Before(now) {
			expired = append(expired, p)
		} else {
			kept = append(kept, p)
		}
	}
	m.unavailability = kept
	result.Cleaned = len(expired)

	for _, doctorID := range affectedDoctors(expired) {
		covered := false
		for _, p := range kept {
			if p.DoctorID == doctorID && !p.StartsAt.After(now) && !p.EndsAt.Before(now) {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		if d, ok := m.doctors[doctorID]; ok && !d.IsAvailable {
			d.IsAvailable = true
			result.UpdatedDoctors++
		}
	}
	return result, nil
}

var (
	_ Storage         = (*MemoryStore)(nil)
	_ Maintenance     = (*MemoryStore)(nil)
	_ changefeed.Feed = (*MemoryStore)(nil)
	_ Storage         = (*Service)(nil)
	_ Maintenance     = (*Service)(nil)
)
