package inbound

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"regexp"
	"strings"

	"userbird-backend/internal/models"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

var (
	// ErrNoFeedback means neither a conversation nor a form could be derived.
	ErrNoFeedback = errors.New("could not resolve a feedback or form for this email")
	// ErrFeedbackNotFound means the email references a feedback that does not exist.
	ErrFeedbackNotFound = errors.New("referenced feedback not found")
	// ErrDomainNotFound flags a custom domain whose DNS is misconfigured.
	ErrDomainNotFound = errors.New("custom domain not found")
)

var (
	feedbackHeaderRe = regexp.MustCompile(`(?i)<feedback-(?:notification-)?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})@[^>]+>`)
	threadMarkerRe   = regexp.MustCompile(`(?i)thread::([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})::`)
	uuidRe           = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	subjectSenderRe  = regexp.MustCompile(`(?i)^\s*re:\s*feedback submitted by\s+(\S+@[^\s>]+)`)
)

// Strategy is one step of the resolution chain. Attempt reports the
// feedback id and whether it matched.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, msg *Message) (string, bool, error)
}

// Resolution is where an inbound email belongs.
type Resolution struct {
	FeedbackID string
	FormID     string
	Strategy   string
	// The email itself became a new feedback; no reply is stored
	Created bool
}

// Resolver maps an inbound email to a feedback conversation.
type Resolver struct {
	db            *gorm.DB
	strategies    []Strategy
	inboundDomain string
	logger        echo.Logger
}

// NewResolver builds a resolver with the default strategy order.
func NewResolver(db *gorm.DB, inboundDomain string, logger echo.Logger) *Resolver {
	return &Resolver{
		db:            db,
		strategies:    DefaultStrategies(db),
		inboundDomain: strings.ToLower(inboundDomain),
		logger:        logger,
	}
}

// DefaultStrategies is the resolution priority order. Strategies built from
// our own headers come first; body scans and lookups follow.
func DefaultStrategies(db *gorm.DB) []Strategy {
	return []Strategy{
		inReplyToStrategy{},
		referencesStrategy{},
		threadMarkerStrategy{},
		bodyUUIDStrategy{db: db},
		subjectSenderStrategy{db: db},
		messageIDStrategy{db: db},
	}
}

// WithStrategies replaces the chain.
func (r *Resolver) WithStrategies(strategies ...Strategy) *Resolver {
	r.strategies = strategies
	return r
}

// Resolve walks the chain, then falls back to the recipient's form: the
// sender's latest feedback on it, or a new feedback built from the email.
func (r *Resolver) Resolve(ctx context.Context, msg *Message, payload *Payload) (*Resolution, error) {
	recipients := r.recipients(msg, payload)

	if err := r.checkDomainNotFound(ctx, recipients, payload); err != nil {
		return nil, err
	}

	for _, s := range r.strategies {
		id, ok, err := s.Attempt(ctx, msg)
		if err != nil {
			r.logger.Warnf("Resolution strategy %s failed: %v", s.Name(), err)
			continue
		}
		if ok {
			return &Resolution{FeedbackID: id, Strategy: s.Name()}, nil
		}
	}

	formID, err := r.FormFromRecipients(ctx, recipients)
	if err != nil {
		return nil, fmt.Errorf("deriving form from recipients: %w", err)
	}
	if formID == "" {
		return nil, ErrNoFeedback
	}

	if msg.From != "" {
		existing, err := models.GetLatestFeedbackByEmail(r.db.WithContext(ctx), msg.From, formID)
		if err != nil {
			r.logger.Warnf("Recent feedback lookup for %s failed: %v", msg.From, err)
		} else if existing != nil {
			return &Resolution{FeedbackID: existing.ID, FormID: formID, Strategy: "recent-sender-feedback"}, nil
		}
	}

	feedback, err := r.createFeedback(ctx, formID, msg)
	if err != nil {
		return nil, err
	}
	return &Resolution{FeedbackID: feedback.ID, FormID: formID, Strategy: "created", Created: true}, nil
}

// FormFromRecipients derives the form an email was sent to. It accepts
// {formId}@<inbound domain>, a verified custom address, and
// {localPart}@{customDomain}.<inbound domain>.
func (r *Resolver) FormFromRecipients(ctx context.Context, recipients []string) (string, error) {
	db := r.db.WithContext(ctx)

	for _, addr := range recipients {
		local, domain, ok := splitAddress(addr)
		if !ok {
			continue
		}

		if domain == r.inboundDomain {
			form, err := models.GetFormByID(db, local)
			if err != nil {
				return "", err
			}
			if form != nil {
				return form.ID, nil
			}
			continue
		}

		setting, err := models.GetVerifiedSettingByAddress(db, addr)
		if err != nil {
			return "", err
		}
		if setting != nil {
			return setting.FormID, nil
		}

		if customDomain, ok := strings.CutSuffix(domain, "."+r.inboundDomain); ok {
			setting, err := models.GetSettingByForwardingParts(db, local, customDomain)
			if err != nil {
				return "", err
			}
			if setting != nil {
				return setting.FormID, nil
			}
		}
	}
	return "", nil
}

func (r *Resolver) createFeedback(ctx context.Context, formID string, msg *Message) (*models.Feedback, error) {
	body := strings.TrimSpace(msg.Body())
	if body == "" {
		body = msg.Subject
	}

	meta := map[string]interface{}{"source": "email"}
	if msg.Subject != "" {
		meta["subject"] = msg.Subject
	}
	if msg.MessageID != "" {
		meta["message_id"] = msg.MessageID
	}

	feedback := &models.Feedback{
		FormID:    formID,
		Message:   body,
		UserEmail: msg.From,
		UserName:  msg.FromName,
		Meta:      meta,
	}
	if err := r.db.WithContext(ctx).Create(feedback).Error; err != nil {
		return nil, fmt.Errorf("creating feedback from email: %w", err)
	}
	r.logger.Infof("Created feedback %s on form %s from email by %s", feedback.ID, formID, msg.From)
	return feedback, nil
}

// checkDomainNotFound turns a provider "Domain not found" signal for a
// known custom domain into an explicit error instead of resolving.
func (r *Resolver) checkDomainNotFound(ctx context.Context, recipients []string, payload *Payload) error {
	if payload == nil {
		return nil
	}
	if !strings.Contains(payload.SpamReport, "Domain not found") && !strings.Contains(string(payload.Raw), "Domain not found") {
		return nil
	}

	for _, addr := range recipients {
		_, domain, ok := splitAddress(addr)
		if !ok || domain == r.inboundDomain {
			continue
		}
		domain = strings.TrimSuffix(domain, "."+r.inboundDomain)

		exists, err := models.CustomDomainExists(r.db.WithContext(ctx), domain)
		if err != nil {
			r.logger.Warnf("Custom domain lookup for %s failed: %v", domain, err)
			continue
		}
		if exists {
			return fmt.Errorf("%w: %s is configured as a custom email domain but its DNS records could not be found; check the MX and CNAME records", ErrDomainNotFound, domain)
		}
	}
	return nil
}

func (r *Resolver) recipients(msg *Message, payload *Payload) []string {
	list := append([]string(nil), msg.To...)
	if payload != nil && payload.To != "" {
		if addrs, err := netmail.ParseAddressList(payload.To); err == nil {
			for _, a := range addrs {
				list = appendUnique(list, strings.ToLower(a.Address))
			}
		} else {
			for _, part := range strings.Split(payload.To, ",") {
				addr, _ := parseAddress(part)
				list = appendUnique(list, addr)
			}
		}
	}
	return list
}

func splitAddress(addr string) (local, domain string, ok bool) {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", "", false
	}
	return strings.ToLower(addr[:at]), strings.ToLower(addr[at+1:]), true
}

type inReplyToStrategy struct{}

func (inReplyToStrategy) Name() string { return "in-reply-to" }

func (inReplyToStrategy) Attempt(_ context.Context, msg *Message) (string, bool, error) {
	if m := feedbackHeaderRe.FindStringSubmatch(msg.InReplyTo); m != nil {
		return strings.ToLower(m[1]), true, nil
	}
	return "", false, nil
}

type referencesStrategy struct{}

func (referencesStrategy) Name() string { return "references" }

func (referencesStrategy) Attempt(_ context.Context, msg *Message) (string, bool, error) {
	for _, ref := range msg.References {
		if m := feedbackHeaderRe.FindStringSubmatch(ref); m != nil {
			return strings.ToLower(m[1]), true, nil
		}
	}
	return "", false, nil
}

type threadMarkerStrategy struct{}

func (threadMarkerStrategy) Name() string { return "thread-marker" }

func (threadMarkerStrategy) Attempt(_ context.Context, msg *Message) (string, bool, error) {
	for _, s := range []string{msg.Subject, msg.Text, msg.HTML} {
		if m := threadMarkerRe.FindStringSubmatch(s); m != nil {
			return strings.ToLower(m[1]), true, nil
		}
	}
	return "", false, nil
}

type bodyUUIDStrategy struct {
	db *gorm.DB
}

func (bodyUUIDStrategy) Name() string { return "body-uuid" }

func (s bodyUUIDStrategy) Attempt(ctx context.Context, msg *Message) (string, bool, error) {
	seen := map[string]bool{}
	for _, candidate := range uuidRe.FindAllString(msg.Text+"\n"+msg.HTML, -1) {
		candidate = strings.ToLower(candidate)
		if seen[candidate] {
			continue
		}
		seen[candidate] = true

		exists, err := models.FeedbackExists(s.db.WithContext(ctx), candidate)
		if err != nil {
			return "", false, err
		}
		if exists {
			return candidate, true, nil
		}
	}
	return "", false, nil
}

type subjectSenderStrategy struct {
	db *gorm.DB
}

func (subjectSenderStrategy) Name() string { return "subject-sender" }

func (s subjectSenderStrategy) Attempt(ctx context.Context, msg *Message) (string, bool, error) {
	m := subjectSenderRe.FindStringSubmatch(msg.Subject)
	if m == nil {
		return "", false, nil
	}
	email := strings.Trim(m[1], "<>.,;")
	feedback, err := models.GetLatestFeedbackByEmail(s.db.WithContext(ctx), email, "")
	if err != nil || feedback == nil {
		return "", false, err
	}
	return feedback.ID, true, nil
}

// messageIDStrategy matches ids we stored on replies: the email's own
// Message-ID (an echo of something we sent), then the ids it replies to.
type messageIDStrategy struct {
	db *gorm.DB
}

func (messageIDStrategy) Name() string { return "message-id" }

func (s messageIDStrategy) Attempt(ctx context.Context, msg *Message) (string, bool, error) {
	candidates := []string{msg.MessageID, msg.InReplyTo}
	for i := len(msg.References) - 1; i >= 0; i-- {
		candidates = append(candidates, msg.References[i])
	}

	for _, id := range candidates {
		if id == "" {
			continue
		}
		reply, err := models.GetReplyByMessageID(s.db.WithContext(ctx), id)
		if err != nil {
			return "", false, err
		}
		if reply != nil {
			return reply.FeedbackID, true, nil
		}
	}
	return "", false, nil
}
