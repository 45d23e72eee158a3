package email

import (
	"context"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const sendTimeout = 30 * time.Second

// EmailClient is an interface for sending emails
type EmailClient interface {
	// Send delivers a message and returns the RFC-2822 Message-ID it went out with.
	Send(ctx context.Context, msg *Message) (*SendResult, error)
	// SendAsync sends in the background; failures are only logged.
	SendAsync(msg *Message)
}

// Message is one outbound email. Headers carries threading headers such as
// Message-ID, In-Reply-To and References.
type Message struct {
	From    string
	To      []string
	ReplyTo string
	Subject string
	HTML    string
	// Derived from HTML when empty
	Text    string
	Headers map[string]string
}

// SetHeader sets a header, allocating the map on first use.
func (m *Message) SetHeader(key, value string) {
	if value == "" {
		return
	}
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	m.Headers[key] = value
}

func (m *Message) Header(key string) string {
	for k, v := range m.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (m *Message) plainText() string {
	if m.Text != "" {
		return m.Text
	}
	return HTMLToText(m.HTML)
}

type SendResult struct {
	// RFC-2822 Message-ID including angle brackets
	MessageID string
	// Provider-specific id
	ProviderID string
}

func sendAsync(c EmailClient, logger echo.Logger, msg *Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		res, err := c.Send(ctx, msg)
		if err != nil {
			logger.Errorf("Failed to send email to %s (Subject: %s): %v", strings.Join(msg.To, ", "), msg.Subject, err)
			return
		}
		logger.Infof("Email sent successfully to %s (Subject: %s, Message-ID: %s)", strings.Join(msg.To, ", "), msg.Subject, res.MessageID)
	}()
}

func bracket(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id += ">"
	}
	return id
}
