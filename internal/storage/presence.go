package storage

import (
	"clinicchat/backend/internal/config"
	"clinicchat/backend/internal/models"
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// onlineAdminsKey is a sorted set of admin presence ids scored by the unix
// time they were last seen online.
const onlineAdminsKey = "presence:admins"

func presenceKey(userID string) string {
	return "presence:" + userID
}

// SetPresence stores the presence record with a TTL so crashed clients go
// offline on their own.
func (s *Service) SetPresence(ctx context.Context, p models.Presence) error {
	if p.LastSeen.IsZero() {
		p.LastSeen = s.Clock.Now()
	}

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	pipe := s.Redis.TxPipeline()
	pipe.Set(ctx, presenceKey(p.UserID), data, config.PresenceTTL)
	if p.Role == models.RoleAdmin || models.IsAdminIdentity(p.UserID) {
		if p.IsOnline {
			pipe.ZAdd(ctx, onlineAdminsKey, redis.Z{Score: float64(p.LastSeen.Unix()), Member: p.UserID})
		} else {
			pipe.ZRem(ctx, onlineAdminsKey, p.UserID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		zap.S().Errorw("failed to set presence", "userID", p.UserID, "error", err)
		return err
	}

	s.publish(ctx, models.PresenceEvent(p))
	return nil
}

// GetPresence returns nil when no fresh record exists.
func (s *Service) GetPresence(ctx context.Context, userID string) (*models.Presence, error) {
	data, err := s.Redis.Get(ctx, presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p models.Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// IsAdminOnline reports whether any admin was seen online within the
// presence TTL.
func (s *Service) IsAdminOnline(ctx context.Context) (bool, error) {
	cutoff := s.Clock.Now().Add(-config.PresenceTTL).Unix()

	n, err := s.Redis.ZCount(ctx, onlineAdminsKey, strconv.FormatInt(cutoff, 10), "+inf").Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
