package inbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/labstack/echo/v4"
)

// SMTPBackend feeds mail received over SMTP into the Processor, for setups
// where MX records point at us instead of an inbound-parse webhook.
type SMTPBackend struct {
	processor *Processor
	logger    echo.Logger
}

func NewSMTPBackend(processor *Processor, logger echo.Logger) *SMTPBackend {
	return &SMTPBackend{processor: processor, logger: logger}
}

func (b *SMTPBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.logger.Debugf("New SMTP session from %s", c.Conn().RemoteAddr())
	return &smtpSession{backend: b}, nil
}

type smtpSession struct {
	backend *SMTPBackend
	from    string
	to      []string
}

func (s *smtpSession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, strings.ToLower(to))
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read email data: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := s.backend.processor.Process(ctx, &Payload{
		Raw:  raw,
		From: s.from,
		To:   strings.Join(s.to, ", "),
	})
	if err != nil {
		s.backend.logger.Warnf("SMTP delivery from %s to %v rejected: %v", s.from, s.to, err)
		return smtpError(err)
	}

	s.backend.logger.Infof("SMTP delivery from %s stored on feedback %s (reply %s)", s.from, result.FeedbackID, result.ReplyID)
	return nil
}

func (s *smtpSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *smtpSession) Logout() error {
	return nil
}

// smtpError maps processing failures to permanent or transient SMTP replies.
func smtpError(err error) error {
	switch {
	case errors.Is(err, ErrNoFeedback), errors.Is(err, ErrFeedbackNotFound):
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No feedback or form found for this recipient",
		}
	case errors.Is(err, ErrDomainNotFound):
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 2},
			Message:      err.Error(),
		}
	default:
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary failure, try again later",
		}
	}
}

// NewSMTPServer configures an SMTP server for the backend.
func NewSMTPServer(backend *SMTPBackend, addr, domain string, maxMessageBytes int64) *smtp.Server {
	s := smtp.NewServer(backend)
	s.Addr = addr
	s.Domain = domain
	s.ReadTimeout = 30 * time.Second
	s.WriteTimeout = 30 * time.Second
	s.MaxMessageBytes = maxMessageBytes
	s.MaxRecipients = 50
	return s
}
