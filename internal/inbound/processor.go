package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"userbird-backend/internal/metrics"
	"userbird-backend/internal/models"
	"userbird-backend/internal/replies"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const idempotencyTTL = 24 * time.Hour

// Notifier receives the side effects of a processed email. Implementations
// must not block; outcomes are never reported back.
type Notifier interface {
	FeedbackCreated(feedback *models.Feedback)
	InboundReplyStored(feedback *models.Feedback, reply *models.FeedbackReply)
}

// Result describes what happened to an inbound email.
type Result struct {
	FeedbackID string `json:"feedbackId"`
	ReplyID    string `json:"replyId,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	InReplyTo  string `json:"inReplyTo,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	Created    bool   `json:"created,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// Processor runs one inbound email end to end.
type Processor struct {
	db       *gorm.DB
	resolver *Resolver
	rehoster *Rehoster
	store    *replies.Store
	notifier Notifier
	redis    *redis.Client
	logger   echo.Logger
}

func NewProcessor(db *gorm.DB, resolver *Resolver, rehoster *Rehoster, store *replies.Store, notifier Notifier, redisClient *redis.Client, logger echo.Logger) *Processor {
	return &Processor{
		db:       db,
		resolver: resolver,
		rehoster: rehoster,
		store:    store,
		notifier: notifier,
		redis:    redisClient,
		logger:   logger,
	}
}

// Process parses, resolves and stores one inbound email. Attachment and
// notification failures are logged; only resolution and the reply insert
// are fatal.
func (p *Processor) Process(ctx context.Context, payload *Payload) (result *Result, err error) {
	msg, err := ParseMessage(payload.Raw)
	if err != nil {
		metrics.InboundEmails.WithLabelValues("parse_error").Inc()
		return nil, fmt.Errorf("parsing email: %w", err)
	}
	if msg.From == "" && payload.From != "" {
		msg.From, msg.FromName = parseAddress(payload.From)
	}
	if msg.Subject == "" {
		msg.Subject = payload.Subject
	}

	if claimed := p.claim(ctx, msg.MessageID); !claimed {
		p.logger.Infof("Inbound email %s already processed, skipping", msg.MessageID)
		metrics.InboundEmails.WithLabelValues("duplicate").Inc()
		return &Result{MessageID: msg.MessageID, Duplicate: true}, nil
	}
	defer func() {
		if err != nil {
			p.release(msg.MessageID)
		}
	}()

	resolution, err := p.resolver.Resolve(ctx, msg, payload)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoFeedback):
			metrics.InboundEmails.WithLabelValues("unresolved").Inc()
		case errors.Is(err, ErrDomainNotFound):
			metrics.InboundEmails.WithLabelValues("domain_not_found").Inc()
		}
		return nil, err
	}
	metrics.InboundEmails.WithLabelValues(resolution.Strategy).Inc()

	db := p.db.WithContext(ctx)
	feedback, err := models.GetFeedbackByID(db, resolution.FeedbackID)
	if err != nil {
		return nil, fmt.Errorf("loading feedback %s: %w", resolution.FeedbackID, err)
	}
	if feedback == nil {
		return nil, fmt.Errorf("%w: %s", ErrFeedbackNotFound, resolution.FeedbackID)
	}

	if resolution.Created {
		p.attachToNewFeedback(ctx, feedback, msg)
		p.notifier.FeedbackCreated(feedback)
		return &Result{FeedbackID: feedback.ID, MessageID: msg.MessageID, Strategy: resolution.Strategy, Created: true}, nil
	}

	rows, cidMap := p.rehoster.Rehost(ctx, feedback.ID, msg.Attachments)

	body := msg.HTML
	if body != "" {
		var referenced map[string]bool
		body, referenced = RewriteCIDs(body, cidMap)
		body = AppendAttachmentBlock(body, rows, referenced)
	}

	reply, err := p.store.CreateInbound(ctx, replies.InboundReply{
		FeedbackID: feedback.ID,
		Text:       msg.Text,
		HTML:       body,
		MessageID:  msg.MessageID,
		InReplyTo:  msg.InReplyTo,
		Meta: map[string]interface{}{
			"source":   "email",
			"from":     msg.From,
			"subject":  msg.Subject,
			"strategy": resolution.Strategy,
		},
	})
	if errors.Is(err, replies.ErrDuplicateMessage) {
		return &Result{
			FeedbackID: feedback.ID,
			ReplyID:    reply.ID,
			MessageID:  reply.MessageIDValue(),
			InReplyTo:  reply.InReplyTo,
			Strategy:   resolution.Strategy,
			Duplicate:  true,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if len(rows) > 0 {
		saved := p.store.SaveAttachments(ctx, reply.ID, rows)
		p.logger.Debugf("Stored %d/%d attachments for reply %s", saved, len(rows), reply.ID)
	}

	p.notifier.InboundReplyStored(feedback, reply)

	return &Result{
		FeedbackID: feedback.ID,
		ReplyID:    reply.ID,
		MessageID:  reply.MessageIDValue(),
		InReplyTo:  reply.InReplyTo,
		Strategy:   resolution.Strategy,
	}, nil
}

// attachToNewFeedback records the rehosted files of an email that became a
// feedback in its meta, since there is no reply row to own them.
func (p *Processor) attachToNewFeedback(ctx context.Context, feedback *models.Feedback, msg *Message) {
	if len(msg.Attachments) == 0 {
		return
	}
	rows, _ := p.rehoster.Rehost(ctx, feedback.ID, msg.Attachments)
	var urls []string
	for _, row := range rows {
		if row.URL != "" {
			urls = append(urls, row.URL)
		}
	}
	if len(urls) == 0 {
		return
	}
	if err := models.SetFeedbackMeta(p.db.WithContext(ctx), feedback, "attachments", urls); err != nil {
		p.logger.Warnf("Failed to record attachments on feedback %s: %v", feedback.ID, err)
	}
}

// claim marks a Message-ID as being processed. Without Redis or a
// Message-ID every email is processed.
func (p *Processor) claim(ctx context.Context, messageID string) bool {
	if p.redis == nil || messageID == "" {
		return true
	}
	ok, err := p.redis.SetNX(ctx, "inbound:msgid:"+messageID, time.Now().Unix(), idempotencyTTL).Result()
	if err != nil {
		p.logger.Warnf("Idempotency check unavailable: %v", err)
		return true
	}
	return ok
}

func (p *Processor) release(messageID string) {
	if p.redis == nil || messageID == "" {
		return
	}
	if err := p.redis.Del(context.Background(), "inbound:msgid:"+messageID).Err(); err != nil {
		p.logger.Warnf("Failed to release idempotency key for %s: %v", messageID, err)
	}
}
