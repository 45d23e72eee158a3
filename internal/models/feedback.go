package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type FeedbackStatus string

const (
	FeedbackStatusOpen   FeedbackStatus = "open"
	FeedbackStatusClosed FeedbackStatus = "closed"
)

// Feedback is one submitted report, either from the widget or from an
// unthreaded inbound email.
type Feedback struct {
	ID        string                 `json:"id" gorm:"primaryKey;type:varchar(36)"`
	FormID    string                 `json:"form_id" gorm:"not null;index"`
	Message   string                 `json:"message" validate:"required"`
	UserEmail string                 `json:"user_email" gorm:"index"`
	UserName  string                 `json:"user_name"`
	Status    FeedbackStatus         `json:"status" gorm:"type:varchar(20);default:open"`
	Meta      map[string]interface{} `json:"meta" gorm:"serializer:json"` // Slack thread ts, source, user agent etc.
	CreatedAt time.Time              `json:"created_at" gorm:"index"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func (f *Feedback) BeforeCreate(tx *gorm.DB) (err error) {
	if f.Status == "" {
		f.Status = FeedbackStatusOpen
	}
	if f.ID != "" {
		return nil
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	f.ID = id.String()
	return
}

// MetaString returns a string value stored in the feedback meta, or "".
func (f *Feedback) MetaString(key string) string {
	if f.Meta == nil {
		return ""
	}
	v, _ := f.Meta[key].(string)
	return v
}

// GetFeedbackByID returns nil, nil when the feedback does not exist.
func GetFeedbackByID(db *gorm.DB, id string) (*Feedback, error) {
	var feedback Feedback
	result := db.Where("id = ?", id).First(&feedback)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &feedback, nil
}

// FeedbackExists reports whether a feedback row with the given id exists.
func FeedbackExists(db *gorm.DB, id string) (bool, error) {
	var count int64
	if err := db.Model(&Feedback{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetLatestFeedbackByEmail returns the most recent feedback submitted by an
// email address, optionally restricted to a form.
func GetLatestFeedbackByEmail(db *gorm.DB, email, formID string) (*Feedback, error) {
	var feedback Feedback
	q := db.Where("LOWER(user_email) = LOWER(?)", email)
	if formID != "" {
		q = q.Where("form_id = ?", formID)
	}
	result := q.Order("created_at DESC").First(&feedback)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &feedback, nil
}

// GetFeedbackBySlackThread finds the feedback whose Slack notification started the given thread.
func GetFeedbackBySlackThread(db *gorm.DB, formID, threadTS string) (*Feedback, error) {
	var candidates []Feedback
	if err := db.Where("form_id = ?", formID).Order("created_at DESC").Limit(500).Find(&candidates).Error; err != nil {
		return nil, err
	}
	for i := range candidates {
		if candidates[i].MetaString("slack_thread_ts") == threadTS {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// TouchFeedback bumps updated_at after a reply was added.
func TouchFeedback(db *gorm.DB, id string) error {
	return db.Model(&Feedback{}).Where("id = ?", id).Update("updated_at", time.Now()).Error
}

// SetFeedbackMeta merges a single key into the feedback meta column.
func SetFeedbackMeta(db *gorm.DB, f *Feedback, key string, value interface{}) error {
	if f.Meta == nil {
		f.Meta = map[string]interface{}{}
	}
	f.Meta[key] = value
	return db.Model(f).Select("meta").Updates(f).Error
}
