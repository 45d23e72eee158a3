package notifications

import (
	"context"
	"fmt"

	"userbird-backend/internal/config"
	"userbird-backend/internal/email"
	"userbird-backend/internal/models"
	"userbird-backend/internal/replies"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Service wires the notifiers together and runs them in the background
// for the inbound pipeline and the HTTP handlers.
type Service struct {
	Replies    *ReplyNotifier
	Feedback   *FeedbackNotifier
	Slack      *SlackNotifier
	Live       *LivePublisher
	dispatcher *Dispatcher
	db         *gorm.DB
	logger     echo.Logger
}

func NewService(db *gorm.DB, cfg *config.Config, client email.EmailClient, store *replies.Store, redisClient *redis.Client, dispatcher *Dispatcher, logger echo.Logger) *Service {
	live := NewLivePublisher(redisClient)
	return &Service{
		Replies: &ReplyNotifier{
			db:              db,
			store:           store,
			client:          client,
			live:            live,
			defaultSender:   cfg.Mail.DefaultSender,
			inboundDomain:   cfg.Mail.InboundDomain,
			messageIDDomain: cfg.Mail.MessageIDDomain,
			logger:          logger,
		},
		Feedback: &FeedbackNotifier{
			db:              db,
			client:          client,
			defaultSender:   cfg.Mail.DefaultSender,
			inboundDomain:   cfg.Mail.InboundDomain,
			messageIDDomain: cfg.Mail.MessageIDDomain,
			dashboardURL:    cfg.Server.DashboardURL,
			logger:          logger,
		},
		Slack:      NewSlackNotifier(db, cfg.Slack.TokenEncryptionKey, logger),
		Live:       live,
		dispatcher: dispatcher,
		db:         db,
		logger:     logger,
	}
}

// FeedbackCreated emails the owner and the submitter, posts to Slack and
// pushes the feedback to live dashboards.
func (s *Service) FeedbackCreated(feedback *models.Feedback) {
	s.dispatcher.Go("feedback-created:"+feedback.ID, func(ctx context.Context) error {
		form, err := s.form(ctx, feedback.FormID)
		if err != nil {
			return err
		}

		if err := s.Feedback.NotifyAdmin(ctx, feedback, form); err != nil {
			s.logger.Errorf("Failed to notify admin about feedback %s: %v", feedback.ID, err)
		}
		if err := s.Feedback.ConfirmToUser(ctx, feedback, form); err != nil {
			s.logger.Errorf("Failed to confirm feedback %s to submitter: %v", feedback.ID, err)
		}
		if err := s.Slack.PostFeedback(ctx, feedback, form); err != nil {
			s.logger.Errorf("Failed to post feedback %s to Slack: %v", feedback.ID, err)
		}
		return s.Live.PublishFeedback(ctx, feedback)
	})
}

// InboundReplyStored mirrors a user's emailed reply to Slack, live
// dashboards and the owner's inbox.
func (s *Service) InboundReplyStored(feedback *models.Feedback, reply *models.FeedbackReply) {
	s.dispatcher.Go("inbound-reply:"+reply.ID, func(ctx context.Context) error {
		if err := s.Slack.PostReply(ctx, feedback, reply); err != nil {
			s.logger.Errorf("Failed to post reply %s to Slack: %v", reply.ID, err)
		}
		if err := s.Live.PublishReply(ctx, feedback, reply); err != nil {
			s.logger.Warnf("Live publish for reply %s failed: %v", reply.ID, err)
		}

		form, err := s.form(ctx, feedback.FormID)
		if err != nil {
			return err
		}
		return s.Feedback.NotifyUserReply(ctx, feedback, form, reply)
	})
}

// AdminReplyStored sends an already stored admin reply to the user.
func (s *Service) AdminReplyStored(feedback *models.Feedback, reply *models.FeedbackReply) {
	s.dispatcher.Go("admin-reply:"+reply.ID, func(ctx context.Context) error {
		_, err := s.Replies.Send(ctx, ReplyNotificationRequest{
			FeedbackID: feedback.ID,
			ReplyID:    reply.ID,
		})
		return err
	})
}

func (s *Service) form(ctx context.Context, formID string) (*models.Form, error) {
	form, err := models.GetFormByID(s.db.WithContext(ctx), formID)
	if err != nil {
		return nil, err
	}
	if form == nil {
		return nil, fmt.Errorf("form %s not found", formID)
	}
	return form, nil
}
