package storage

import (
	"clinicchat/backend/internal/changefeed"
	"clinicchat/backend/internal/models"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrRoomExists is returned by CreateRoom when the room is still pending, active or denied.
	ErrRoomExists = errors.New("room already exists")
	// ErrRoomNotFound is returned by writes to a missing or deleted room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid room status transition")
)

// Storage is the persistence contract of the chat core. Every successful
// write publishes a change event.
type Storage interface {
	CreateRoom(ctx context.Context, roomID, patientID, patientName string) (*models.Room, error)
	// GetRoom returns nil, nil when the room does not exist or was deleted.
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	SetRoomStatus(ctx context.Context, roomID string, status models.RoomStatus, endedBy models.Role) error
	DeleteRoom(ctx context.Context, roomID string) error
	ListRoomsByStatus(ctx context.Context, statuses ...models.RoomStatus) ([]models.Room, error)

	AppendMessage(ctx context.Context, roomID, text string, role models.Role, senderName string) (*models.Message, error)
	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)

	SetPresence(ctx context.Context, p models.Presence) error
	GetPresence(ctx context.Context, userID string) (*models.Presence, error)
	IsAdminOnline(ctx context.Context) (bool, error)
}

// Maintenance is implemented by stores that hold doctor availability data.
type Maintenance interface {
	CleanupExpiredUnavailability(ctx context.Context, now time.Time) (models.CleanupResult, error)
}

// Service stores rooms and messages in PostgreSQL and presence in Redis.
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
	Feed  changefeed.Publisher
	Clock clock.Clock
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, rdb *redis.Client, feed changefeed.Publisher) *Service {
	return &Service{
		DB:    db,
		Redis: rdb,
		Feed:  feed,
		Clock: clock.New(),
	}
}

// Migrate creates or updates the tables used by the service.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(
		&models.Room{},
		&models.Message{},
		&models.Doctor{},
		&models.DoctorUnavailability{},
	)
}

func (s *Service) publish(ctx context.Context, ev models.ChangeEvent) {
	if s.Feed == nil {
		return
	}
	if err := s.Feed.Publish(ctx, ev); err != nil {
		// Subscribers converge through polling.
		zap.S().Warnw("failed to publish change event", "collection", ev.Collection, "op", ev.Op, "error", err)
	}
}

// CreateRoom opens a pending room, or reopens an ended or deleted one. A
// reopened room drops the previous conversation's messages.
func (s *Service) CreateRoom(ctx context.Context, roomID, patientID, patientName string) (*models.Room, error) {
	var (
		room models.Room
		op   = models.OpInsert
	)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Room
		err := tx.Unscoped().
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("room_id = ?", roomID).
			First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			room = models.Room{
				RoomID:      roomID,
				PatientID:   patientID,
				PatientName: patientName,
				Status:      models.RoomPending,
				Version:     1,
			}
			return tx.Create(&room).Error
		}
		if err != nil {
			return err
		}

		if !existing.IsDeleted() && existing.Status != models.RoomEnded {
			return ErrRoomExists
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.Message{}).Error; err != nil {
			return err
		}

		existing.PatientID = patientID
		existing.PatientName = patientName
		existing.Status = models.RoomPending
		existing.EndedBy = ""
		existing.Version++
		existing.DeletedAt = gorm.DeletedAt{}
		room = existing
		op = models.OpUpdate
		return tx.Unscoped().Save(&room).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrRoomExists
	}
	if err != nil {
		if !errors.Is(err, ErrRoomExists) {
			zap.S().Errorw("failed to create room", "roomID", roomID, "error", err)
		}
		return nil, err
	}

	s.publish(ctx, models.RoomEvent(op, room))
	return &room, nil
}

// GetRoom returns the room or nil when it does not exist.
func (s *Service) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room

	err := s.DB.WithContext(ctx).Where("room_id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		zap.S().Errorw("failed to get room", "roomID", roomID, "error", err)
		return nil, err
	}
	return &room, nil
}

// SetRoomStatus moves the room to status if the lifecycle allows it.
// endedBy is recorded only for the ended status.
func (s *Service) SetRoomStatus(ctx context.Context, roomID string, status models.RoomStatus, endedBy models.Role) error {
	if status != models.RoomEnded {
		endedBy = ""
	}

	res := s.DB.WithContext(ctx).Model(&models.Room{}).
		Where("room_id = ? AND status IN ?", roomID, models.SourcesFor(status)).
		Updates(map[string]interface{}{
			"status":   status,
			"ended_by": endedBy,
			"version":  gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		zap.S().Errorw("failed to update room status", "roomID", roomID, "status", status, "error", res.Error)
		return res.Error
	}

	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room == nil {
		return ErrRoomNotFound
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, room.Status, status)
	}

	s.publish(ctx, models.RoomEvent(models.OpUpdate, *room))
	return nil
}

// DeleteRoom soft-deletes the room and removes its messages. The room keeps
// its version so a later CreateRoom continues the sequence.
func (s *Service) DeleteRoom(ctx context.Context, roomID string) error {
	var room models.Room

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Room{}).Where("room_id = ?", roomID).Update("version", gorm.Expr("version + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRoomNotFound
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("room_id = ?", roomID).Delete(&models.Room{}).Error; err != nil {
			return err
		}
		return tx.Unscoped().Where("room_id = ?", roomID).First(&room).Error
	})
	if err != nil {
		return err
	}

	s.publish(ctx, models.RoomEvent(models.OpDelete, room))
	return nil
}

// ListRoomsByStatus returns rooms in any of the given statuses, oldest first.
func (s *Service) ListRoomsByStatus(ctx context.Context, statuses ...models.RoomStatus) ([]models.Room, error) {
	var rooms []models.Room

	q := s.DB.WithContext(ctx).Order("created_at asc")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.Find(&rooms).Error; err != nil {
		zap.S().Errorw("failed to list rooms", "statuses", statuses, "error", err)
		return nil, err
	}
	return rooms, nil
}

// AppendMessage stores a message and assigns its id and timestamp.
func (s *Service) AppendMessage(ctx context.Context, roomID, text string, role models.Role, senderName string) (*models.Message, error) {
	msg := models.Message{
		RoomID:     roomID,
		Text:       text,
		SenderRole: role,
		SenderName: senderName,
		Timestamp:  s.Clock.Now(),
	}

	if err := s.DB.WithContext(ctx).Create(&msg).Error; err != nil {
		zap.S().Errorw("failed to save message", "roomID", roomID, "error", err)
		return nil, err
	}

	s.publish(ctx, models.MessageEvent(msg))
	return &msg, nil
}

// ListMessages returns the room's messages in timestamp order.
func (s *Service) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var history []models.Message

	if err := s.DB.WithContext(ctx).Where("room_id = ?", roomID).Order("timestamp asc, id asc").Find(&history).Error; err != nil {
		zap.S().Errorw("failed to list messages", "roomID", roomID, "error", err)
		return nil, err
	}
	return history, nil
}
