package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/labstack/echo/v4"
	resend "github.com/resend/resend-go/v2"
)

// ResendEmailClient implements EmailClient using the Resend service
type ResendEmailClient struct {
	client        *resend.Client
	defaultSender string
	logger        echo.Logger
}

// NewResendEmailClient creates a new ResendEmailClient
func NewResendEmailClient(client *resend.Client, defaultSender string, logger echo.Logger) *ResendEmailClient {
	return &ResendEmailClient{
		client:        client,
		defaultSender: defaultSender,
		logger:        logger,
	}
}

// Send relays the message. Resend keeps a caller-supplied Message-ID header,
// so that id is what the recipient sees and what is returned.
func (c *ResendEmailClient) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("resend client not initialized")
	}

	from := msg.From
	if from == "" {
		from = c.defaultSender
	}
	if from == "" {
		return nil, errors.New("resend default sender not configured")
	}

	params := &resend.SendEmailRequest{
		From:    from,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.plainText(),
		ReplyTo: msg.ReplyTo,
		Headers: msg.Headers,
	}

	sent, err := c.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("resend: %w", err)
	}

	messageID := bracket(msg.Header("Message-ID"))
	if messageID == "" {
		messageID = bracket(sent.Id + "@resend.dev")
	}
	return &SendResult{MessageID: messageID, ProviderID: sent.Id}, nil
}

// SendAsync sends an email asynchronously
func (c *ResendEmailClient) SendAsync(msg *Message) {
	if c == nil || c.client == nil {
		return
	}
	sendAsync(c, c.logger, msg)
}
