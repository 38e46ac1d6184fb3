package models

import (
	"time"

	"gorm.io/gorm"
)

// Doctor is the minimal doctor record touched by the unavailability sweep.
type Doctor struct {
	ID          string `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"type:text;not null" json:"name"`
	IsAvailable bool   `gorm:"not null;default:true" json:"is_available"`
}

// DoctorUnavailability is a period during which a doctor takes no bookings.
type DoctorUnavailability struct {
	gorm.Model

	DoctorID string    `gorm:"type:text;not null;index" json:"doctor_id"`
	StartsAt time.Time `gorm:"not null" json:"starts_at"`
	EndsAt   time.Time `gorm:"not null;index" json:"ends_at"`
}

// CleanupResult reports the outcome of an unavailability sweep.
type CleanupResult struct {
	Cleaned        int `json:"cleaned"`
	UpdatedDoctors int `json:"updatedDoctors"`
}
