package storage

import (
	"clinicchat/backend/internal/models"
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CleanupExpiredUnavailability removes unavailability periods that ended
// before now and marks doctors available again when no other period covers
// now.
func (s *Service) CleanupExpiredUnavailability(ctx context.Context, now time.Time) (models.CleanupResult, error) {
	var result models.CleanupResult

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var expired []models.DoctorUnavailability
		if err := tx.Where("ends_at < ?", now).Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(expired))
		for _, u := range expired {
			ids = append(ids, u.ID)
		}
		if err := tx.Unscoped().Delete(&models.DoctorUnavailability{}, ids).Error; err != nil {
			return err
		}
		result.Cleaned = len(expired)

		for _, doctorID := range affectedDoctors(expired) {
			var covering int64
			err := tx.Model(&models.DoctorUnavailability{}).
				Where("doctor_id = ? AND starts_at <= ? AND ends_at >= ?", doctorID, now, now).
				Count(&covering).Error
			if err != nil {
				return err
			}
			if covering > 0 {
				continue
			}

			res := tx.Model(&models.Doctor{}).
				Where("id = ? AND is_available = ?", doctorID, false).
				Update("is_available", true)
			if res.Error != nil {
				return res.Error
			}
			result.UpdatedDoctors += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		zap.S().Errorw("unavailability cleanup failed", "error", err)
		return models.CleanupResult{}, err
	}
	return result, nil
}

func affectedDoctors(periods []models.DoctorUnavailability) []string {
	seen := make(map[string]struct{}, len(periods))
	var out []string
	for _, p := range periods {
		if _, ok := seen[p.DoctorID]; ok {
			continue
		}
		seen[p.DoctorID] = struct{}{}
		out = append(out, p.DoctorID)
	}
	return out
}
