// Package replies persists feedback replies and maintains their RFC-2822
// thread linkage across dashboard, email and Slack origins.
package replies

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"userbird-backend/internal/models"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

var ErrDuplicateMessage = errors.New("reply with this Message-ID already stored")

// Store writes replies and their attachments. Writes are sequential and not
// wrapped in a transaction: an attachment failure leaves the reply in place.
type Store struct {
	db     *gorm.DB
	domain string
	logger echo.Logger
}

func NewStore(db *gorm.DB, messageIDDomain string, logger echo.Logger) *Store {
	return &Store{db: db, domain: messageIDDomain, logger: logger}
}

// InboundReply is a reply received by email.
type InboundReply struct {
	FeedbackID string
	Text       string
	HTML       string
	MessageID  string
	InReplyTo  string
	Meta       map[string]interface{}
}

// Thread holds the threading headers for the next outbound reply.
type Thread struct {
	InReplyTo  string
	References string
}

// CreateInbound stores a user reply. HTML is the canonical body; when only
// HTML arrived the plain-text column stays empty.
func (s *Store) CreateInbound(ctx context.Context, in InboundReply) (*models.FeedbackReply, error) {
	messageID := NormalizeMessageID(in.MessageID)
	if messageID == "" {
		messageID = SyntheticMessageID(s.domain)
	} else {
		existing, err := models.GetReplyByMessageID(s.db.WithContext(ctx), messageID)
		if err != nil {
			return nil, fmt.Errorf("checking existing reply: %w", err)
		}
		if existing != nil {
			return existing, ErrDuplicateMessage
		}
	}

	reply := &models.FeedbackReply{
		FeedbackID:  in.FeedbackID,
		HTMLContent: strings.TrimSpace(in.HTML),
		Content:     strings.TrimSpace(in.Text),
		MessageID:   &messageID,
		InReplyTo:   strings.TrimSpace(in.InReplyTo),
		SenderType:  models.SenderUser,
		Meta:        in.Meta,
	}

	if err := s.db.WithContext(ctx).Create(reply).Error; err != nil {
		return nil, fmt.Errorf("inserting reply: %w", err)
	}

	if err := models.TouchFeedback(s.db.WithContext(ctx), in.FeedbackID); err != nil {
		s.logger.Warnf("failed to bump updated_at for feedback %s: %v", in.FeedbackID, err)
	}

	return reply, nil
}

// CreateAdminReply stores a reply written in the dashboard or in Slack. It
// carries no Message-ID until it has been emailed.
func (s *Store) CreateAdminReply(ctx context.Context, feedbackID, text, html string, meta map[string]interface{}) (*models.FeedbackReply, error) {
	reply := &models.FeedbackReply{
		FeedbackID:  feedbackID,
		Content:     strings.TrimSpace(text),
		HTMLContent: strings.TrimSpace(html),
		SenderType:  models.SenderAdmin,
		Meta:        meta,
	}
	if err := s.db.WithContext(ctx).Create(reply).Error; err != nil {
		return nil, fmt.Errorf("inserting admin reply: %w", err)
	}
	if err := models.TouchFeedback(s.db.WithContext(ctx), feedbackID); err != nil {
		s.logger.Warnf("failed to bump updated_at for feedback %s: %v", feedbackID, err)
	}
	return reply, nil
}

// SaveAttachments writes attachment metadata for an existing reply. Rows
// that fail are logged and skipped; the number saved is returned.
func (s *Store) SaveAttachments(ctx context.Context, replyID string, attachments []models.FeedbackAttachment) int {
	saved := 0
	for i := range attachments {
		att := attachments[i]
		att.ReplyID = replyID
		if err := s.db.WithContext(ctx).Create(&att).Error; err != nil {
			s.logger.Errorf("failed to store attachment %s for reply %s: %v", att.Filename, replyID, err)
			continue
		}
		saved++
	}
	return saved
}

// ThreadHeaders computes In-Reply-To and References for the next outbound
// reply of a feedback. The first reply threads onto the feedback
// notification anchor, later ones onto the newest stored Message-ID.
//
// Two replies computed concurrently can both pick the same predecessor and
// fork the thread; that race is accepted.
func (s *Store) ThreadHeaders(ctx context.Context, feedbackID string) (Thread, error) {
	anchor := NotificationAnchor(feedbackID, s.domain)

	latest, err := models.GetLatestThreadedReply(s.db.WithContext(ctx), feedbackID)
	if err != nil {
		return Thread{}, fmt.Errorf("loading latest reply: %w", err)
	}
	if latest == nil {
		return Thread{InReplyTo: anchor, References: anchor}, nil
	}

	last := latest.MessageIDValue()
	refs := anchor
	if last != anchor {
		refs = anchor + " " + last
	}
	return Thread{InReplyTo: last, References: refs}, nil
}

// MarkPending records that an outbound send is about to start.
func (s *Store) MarkPending(ctx context.Context, reply *models.FeedbackReply) error {
	if err := checkTransition(reply.DeliveryStatus, models.DeliveryPending); err != nil {
		return err
	}
	return s.transition(ctx, reply, map[string]interface{}{
		"delivery_status": models.DeliveryPending,
		"delivery_error":  "",
	})
}

// MarkSent patches the provider-confirmed Message-ID and In-Reply-To onto the reply.
func (s *Store) MarkSent(ctx context.Context, reply *models.FeedbackReply, messageID, inReplyTo string) error {
	if err := checkTransition(reply.DeliveryStatus, models.DeliverySent); err != nil {
		return err
	}
	now := time.Now()
	fields := map[string]interface{}{
		"delivery_status": models.DeliverySent,
		"in_reply_to":     inReplyTo,
		"sent_at":         now,
	}
	messageID = NormalizeMessageID(messageID)
	if messageID != "" {
		fields["message_id"] = messageID
	}
	if err := s.transition(ctx, reply, fields); err != nil {
		return err
	}
	if messageID != "" {
		reply.MessageID = &messageID
	}
	reply.InReplyTo = inReplyTo
	reply.SentAt = &now
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, reply *models.FeedbackReply, cause error) error {
	if err := checkTransition(reply.DeliveryStatus, models.DeliveryFailed); err != nil {
		return err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.transition(ctx, reply, map[string]interface{}{
		"delivery_status": models.DeliveryFailed,
		"delivery_error":  msg,
	}); err != nil {
		return err
	}
	reply.DeliveryError = msg
	return nil
}

func (s *Store) transition(ctx context.Context, reply *models.FeedbackReply, fields map[string]interface{}) error {
	if err := s.db.WithContext(ctx).Model(&models.FeedbackReply{}).Where("id = ?", reply.ID).Updates(fields).Error; err != nil {
		return fmt.Errorf("updating reply %s: %w", reply.ID, err)
	}
	reply.DeliveryStatus = fields["delivery_status"].(models.DeliveryStatus)
	return nil
}
