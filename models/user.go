package models

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/stitchbase/atelier_backend/utils"
)

// User is the minimal identity slice the engine needs: role routing for the
// notification fan-out and a phone number for SMS delivery. Full profile data
// lives in the platform's user service.
type User struct {
	ID             int       `gorm:"primary_key" json:"id"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	Email          string    `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Phone          string    `gorm:"size:32" json:"phone"`
	Role           UserRole  `gorm:"size:20;not null;index" json:"role"`
	HashedPassword string    `gorm:"size:255" json:"-"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetUserById(tx *gorm.DB, userId int) (*User, error) {
	var user User
	if err := tx.Where("id = ?", userId).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &user, nil
}
