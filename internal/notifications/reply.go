package notifications

import (
	"context"
	"errors"
	"fmt"

	"userbird-backend/internal/email"
	"userbird-backend/internal/metrics"
	"userbird-backend/internal/models"
	"userbird-backend/internal/replies"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

var (
	ErrFeedbackNotFound = errors.New("feedback not found")
	ErrReplyNotFound    = errors.New("reply not found")
	ErrNoRecipient      = errors.New("feedback has no email address to reply to")
	ErrDeliveryFailed   = errors.New("reply email could not be sent")
)

// ReplyNotificationRequest asks for a form owner's reply to be emailed to
// the feedback's author. Without ReplyID an admin reply is stored first.
type ReplyNotificationRequest struct {
	FeedbackID            string `json:"feedbackId" validate:"required"`
	ReplyContent          string `json:"replyContent"`
	ReplyID               string `json:"replyId"`
	HTMLContent           string `json:"htmlContent"`
	IsAdminDashboardReply bool   `json:"isAdminDashboardReply"`
}

type ReplyNotificationResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	ReplyID   string `json:"replyId"`
}

// ReplyNotifier sends admin replies by email, threaded onto the conversation.
type ReplyNotifier struct {
	db              *gorm.DB
	store           *replies.Store
	client          email.EmailClient
	live            *LivePublisher
	defaultSender   string
	inboundDomain   string
	messageIDDomain string
	logger          echo.Logger
}

// Send threads the reply, marks it pending, sends it and records the sent
// Message-ID, or marks the reply failed.
func (n *ReplyNotifier) Send(ctx context.Context, req ReplyNotificationRequest) (*ReplyNotificationResult, error) {
	db := n.db.WithContext(ctx)

	feedback, err := models.GetFeedbackByID(db, req.FeedbackID)
	if err != nil {
		return nil, fmt.Errorf("loading feedback: %w", err)
	}
	if feedback == nil {
		return nil, ErrFeedbackNotFound
	}
	if feedback.UserEmail == "" {
		return nil, ErrNoRecipient
	}

	form, err := models.GetFormByID(db, feedback.FormID)
	if err != nil {
		return nil, fmt.Errorf("loading form: %w", err)
	}
	if form == nil {
		return nil, fmt.Errorf("form %s of feedback %s is missing", feedback.FormID, feedback.ID)
	}

	reply, err := n.loadOrCreateReply(ctx, feedback, req)
	if err != nil {
		return nil, err
	}
	if reply.DeliveryStatus == models.DeliverySent {
		return &ReplyNotificationResult{Success: true, MessageID: reply.MessageIDValue(), ReplyID: reply.ID}, nil
	}

	thread, err := n.store.ThreadHeaders(ctx, feedback.ID)
	if err != nil {
		return nil, err
	}

	identity, err := SenderIdentity(db, form, n.defaultSender, n.inboundDomain)
	if err != nil {
		n.logger.Warnf("Custom sender lookup for form %s failed, using default: %v", form.ID, err)
	}

	subject, body, err := email.RenderReply(email.ReplyEmailData{
		FeedbackID: feedback.ID,
		FormName:   form.Name,
		HTML:       reply.HTMLContent,
		Text:       reply.Content,
	})
	if err != nil {
		return nil, err
	}

	msg := &email.Message{
		From:    identity.From,
		To:      []string{feedback.UserEmail},
		ReplyTo: identity.ReplyTo,
		Subject: subject,
		HTML:    body,
	}
	msg.SetHeader("Message-ID", replies.SyntheticMessageID(n.messageIDDomain))
	msg.SetHeader("In-Reply-To", thread.InReplyTo)
	msg.SetHeader("References", thread.References)

	if err := n.store.MarkPending(ctx, reply); err != nil {
		return nil, err
	}

	sent, sendErr := n.client.Send(ctx, msg)
	if sendErr != nil {
		metrics.OutboundEmails.WithLabelValues("reply", "failed").Inc()
		if err := n.store.MarkFailed(ctx, reply, sendErr); err != nil {
			n.logger.Errorf("Failed to mark reply %s as failed: %v", reply.ID, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
	}
	metrics.OutboundEmails.WithLabelValues("reply", "sent").Inc()

	if err := n.store.MarkSent(ctx, reply, sent.MessageID, thread.InReplyTo); err != nil {
		return nil, fmt.Errorf("recording sent reply: %w", err)
	}

	if n.live != nil {
		if err := n.live.PublishReply(ctx, feedback, reply); err != nil {
			n.logger.Debugf("Live publish for reply %s failed: %v", reply.ID, err)
		}
	}

	return &ReplyNotificationResult{Success: true, MessageID: reply.MessageIDValue(), ReplyID: reply.ID}, nil
}

func (n *ReplyNotifier) loadOrCreateReply(ctx context.Context, feedback *models.Feedback, req ReplyNotificationRequest) (*models.FeedbackReply, error) {
	if req.ReplyID == "" {
		source := "api"
		if req.IsAdminDashboardReply {
			source = "dashboard"
		}
		return n.store.CreateAdminReply(ctx, feedback.ID, req.ReplyContent, req.HTMLContent, map[string]interface{}{"source": source})
	}

	reply, err := models.GetReplyByID(n.db.WithContext(ctx), req.ReplyID)
	if err != nil {
		return nil, fmt.Errorf("loading reply: %w", err)
	}
	if reply == nil || reply.FeedbackID != feedback.ID {
		return nil, ErrReplyNotFound
	}
	if reply.Content == "" && reply.HTMLContent == "" {
		reply.Content = req.ReplyContent
		reply.HTMLContent = req.HTMLContent
	}
	return reply, nil
}
