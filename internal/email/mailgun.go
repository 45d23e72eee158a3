package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mailgun/mailgun-go/v4"
)

// MailgunEmailClient implements EmailClient on the Mailgun API.
type MailgunEmailClient struct {
	mg            mailgun.Mailgun
	defaultSender string
	logger        echo.Logger
}

func NewMailgunEmailClient(domain, apiKey, defaultSender string, logger echo.Logger) *MailgunEmailClient {
	return &MailgunEmailClient{
		mg:            mailgun.NewMailgun(domain, apiKey),
		defaultSender: defaultSender,
		logger:        logger,
	}
}

// Send relays the message. Mailgun assigns the Message-ID unless one is
// passed as a header; the id it reports back is returned either way.
func (c *MailgunEmailClient) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if c == nil || c.mg == nil {
		return nil, errors.New("mailgun client not initialized")
	}

	from := msg.From
	if from == "" {
		from = c.defaultSender
	}

	m := c.mg.NewMessage(from, msg.Subject, msg.plainText(), msg.To...)
	if msg.HTML != "" {
		m.SetHtml(msg.HTML)
	}
	if msg.ReplyTo != "" {
		m.AddHeader("Reply-To", msg.ReplyTo)
	}
	for k, v := range msg.Headers {
		m.AddHeader(k, v)
	}

	_, id, err := c.mg.Send(ctx, m)
	if err != nil {
		if strings.Contains(err.Error(), "401") {
			return nil, fmt.Errorf("mailgun unauthorized, verify MAILGUN_API_KEY and MAILGUN_DOMAIN: %w", err)
		}
		return nil, fmt.Errorf("mailgun: %w", err)
	}

	messageID := bracket(id)
	if messageID == "" {
		messageID = bracket(msg.Header("Message-ID"))
	}
	return &SendResult{MessageID: messageID, ProviderID: id}, nil
}

func (c *MailgunEmailClient) SendAsync(msg *Message) {
	if c == nil || c.mg == nil {
		return
	}
	sendAsync(c, c.logger, msg)
}
