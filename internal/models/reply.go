package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAdmin  SenderType = "admin"
	SenderSystem SenderType = "system"
)

// DeliveryStatus tracks the outbound email lifecycle of a reply.
// Inbound replies stay at DeliveryNone.
type DeliveryStatus string

const (
	DeliveryNone    DeliveryStatus = "none"
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// FeedbackReply is one message in a feedback conversation
type FeedbackReply struct {
	ID          string `json:"id" gorm:"primaryKey;type:varchar(36)"`
	FeedbackID  string `json:"feedback_id" gorm:"not null;index"`
	Content     string `json:"content"`
	HTMLContent string `json:"html_content"`
	// RFC-2822 Message-ID including angle brackets. Nullable so that unsent
	// replies do not collide on the unique index.
	MessageID      *string                `json:"message_id" gorm:"uniqueIndex"`
	InReplyTo      string                 `json:"in_reply_to"`
	SenderType     SenderType             `json:"sender_type" gorm:"type:varchar(20);not null"`
	DeliveryStatus DeliveryStatus         `json:"delivery_status" gorm:"type:varchar(20);default:none"`
	DeliveryError  string                 `json:"delivery_error,omitempty"`
	SentAt         *time.Time             `json:"sent_at,omitempty"`
	Meta           map[string]interface{} `json:"meta" gorm:"serializer:json"`
	Attachments    []FeedbackAttachment   `json:"attachments,omitempty" gorm:"foreignKey:ReplyID"`
	CreatedAt      time.Time              `json:"created_at" gorm:"index"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

func (r *FeedbackReply) BeforeCreate(tx *gorm.DB) (err error) {
	if r.DeliveryStatus == "" {
		r.DeliveryStatus = DeliveryNone
	}
	if r.ID != "" {
		return nil
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	r.ID = id.String()
	return
}

// MessageIDValue returns the stored Message-ID or "" when unset.
func (r *FeedbackReply) MessageIDValue() string {
	if r.MessageID == nil {
		return ""
	}
	return *r.MessageID
}

// FeedbackAttachment is a file that arrived with a reply and was rehosted in object storage.
type FeedbackAttachment struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ReplyID     string    `json:"reply_id" gorm:"not null;index"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	URL         string    `json:"url"`
	ContentID   string    `json:"content_id"`
	IsInline    bool      `json:"is_inline"`
	CreatedAt   time.Time `json:"created_at"`
}

func (a *FeedbackAttachment) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID != "" {
		return nil
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	a.ID = id.String()
	return
}

func GetReplyByID(db *gorm.DB, id string) (*FeedbackReply, error) {
	var reply FeedbackReply
	result := db.Where("id = ?", id).First(&reply)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &reply, nil
}

// GetReplyByMessageID looks up a reply by its stored Message-ID.
func GetReplyByMessageID(db *gorm.DB, messageID string) (*FeedbackReply, error) {
	var reply FeedbackReply
	result := db.Where("message_id = ?", messageID).First(&reply)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &reply, nil
}

// GetLatestThreadedReply returns the newest reply of a feedback that carries a Message-ID.
func GetLatestThreadedReply(db *gorm.DB, feedbackID string) (*FeedbackReply, error) {
	var reply FeedbackReply
	result := db.Where("feedback_id = ? AND message_id IS NOT NULL AND message_id <> ''", feedbackID).
		Order("created_at DESC").
		First(&reply)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &reply, nil
}

// GetRepliesForFeedback returns the conversation oldest first.
func GetRepliesForFeedback(db *gorm.DB, feedbackID string) ([]FeedbackReply, error) {
	var replies []FeedbackReply
	err := db.Where("feedback_id = ?", feedbackID).
		Preload("Attachments").
		Order("created_at ASC").
		Find(&replies).Error
	return replies, err
}
