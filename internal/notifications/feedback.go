package notifications

import (
	"context"
	"fmt"

	"userbird-backend/internal/email"
	"userbird-backend/internal/metrics"
	"userbird-backend/internal/models"
	"userbird-backend/internal/replies"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// FeedbackNotifier emails the form owner about new feedback and confirms
// receipt to the submitter. The confirmation's Message-ID is the anchor
// outbound replies thread onto.
type FeedbackNotifier struct {
	db              *gorm.DB
	client          email.EmailClient
	defaultSender   string
	inboundDomain   string
	messageIDDomain string
	dashboardURL    string
	logger          echo.Logger
}

// NotifyAdmin sends the new-feedback email to the form's notification address.
func (n *FeedbackNotifier) NotifyAdmin(ctx context.Context, feedback *models.Feedback, form *models.Form) error {
	if form.NotificationEmail == "" {
		return nil
	}

	subject, body, err := email.RenderNewFeedback(email.NewFeedbackEmailData{
		FeedbackID:   feedback.ID,
		FormName:     form.Name,
		UserEmail:    feedback.UserEmail,
		UserName:     feedback.UserName,
		Message:      feedback.Message,
		DashboardURL: n.feedbackURL(feedback),
	})
	if err != nil {
		return err
	}

	// Answering the notification writes to the user directly; anonymous
	// feedback falls back to the form's inbound address.
	replyTo := feedback.UserEmail
	if replyTo == "" {
		replyTo = fmt.Sprintf("%s@%s", form.ID, n.inboundDomain)
	}

	msg := &email.Message{
		From:    n.defaultSender,
		To:      []string{form.NotificationEmail},
		ReplyTo: replyTo,
		Subject: subject,
		HTML:    body,
	}
	msg.SetHeader("Message-ID", replies.FeedbackMessageID(feedback.ID, n.messageIDDomain))

	return n.send(ctx, "new_feedback", msg)
}

// ConfirmToUser acknowledges the feedback to its submitter.
func (n *FeedbackNotifier) ConfirmToUser(ctx context.Context, feedback *models.Feedback, form *models.Form) error {
	if feedback.UserEmail == "" {
		return nil
	}

	identity, err := SenderIdentity(n.db.WithContext(ctx), form, n.defaultSender, n.inboundDomain)
	if err != nil {
		n.logger.Warnf("Custom sender lookup for form %s failed, using default: %v", form.ID, err)
	}

	subject, body, err := email.RenderConfirmation(email.ConfirmationEmailData{
		FeedbackID: feedback.ID,
		FormName:   form.Name,
		Message:    feedback.Message,
	})
	if err != nil {
		return err
	}

	msg := &email.Message{
		From:    identity.From,
		To:      []string{feedback.UserEmail},
		ReplyTo: identity.ReplyTo,
		Subject: subject,
		HTML:    body,
	}
	msg.SetHeader("Message-ID", replies.NotificationAnchor(feedback.ID, n.messageIDDomain))

	return n.send(ctx, "confirmation", msg)
}

// NotifyUserReply tells the form owner a user answered by email.
func (n *FeedbackNotifier) NotifyUserReply(ctx context.Context, feedback *models.Feedback, form *models.Form, reply *models.FeedbackReply) error {
	if form.NotificationEmail == "" {
		return nil
	}

	subject, body, err := email.RenderUserReply(email.UserReplyEmailData{
		FormName:     form.Name,
		UserEmail:    feedback.UserEmail,
		HTML:         reply.HTMLContent,
		Text:         reply.Content,
		DashboardURL: n.feedbackURL(feedback),
	})
	if err != nil {
		return err
	}

	return n.send(ctx, "user_reply", &email.Message{
		From:    n.defaultSender,
		To:      []string{form.NotificationEmail},
		ReplyTo: feedback.UserEmail,
		Subject: subject,
		HTML:    body,
	})
}

func (n *FeedbackNotifier) send(ctx context.Context, kind string, msg *email.Message) error {
	if _, err := n.client.Send(ctx, msg); err != nil {
		metrics.OutboundEmails.WithLabelValues(kind, "failed").Inc()
		return fmt.Errorf("sending %s email: %w", kind, err)
	}
	metrics.OutboundEmails.WithLabelValues(kind, "sent").Inc()
	return nil
}

func (n *FeedbackNotifier) feedbackURL(feedback *models.Feedback) string {
	return fmt.Sprintf("%s/forms/%s?feedback=%s", n.dashboardURL, feedback.FormID, feedback.ID)
}
