package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Form is a feedback widget installation owned by a dashboard user.
// Its ID doubles as the local part of the platform inbound address.
type Form struct {
	ID                string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	OwnerID           string    `json:"owner_id" gorm:"not null;index"`
	Name              string    `json:"name"`
	URL               string    `json:"url"`
	NotificationEmail string    `json:"notification_email"` // Admin address for new feedback and replies
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func GetFormByID(db *gorm.DB, id string) (*Form, error) {
	var form Form
	result := db.Where("id = ?", id).First(&form)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &form, nil
}
