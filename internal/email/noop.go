package email

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// NoopEmailClient is used when no provider is configured. It logs instead
// of sending and reports the message as delivered.
type NoopEmailClient struct {
	logger echo.Logger
}

func NewNoopEmailClient(logger echo.Logger) *NoopEmailClient {
	return &NoopEmailClient{logger: logger}
}

func (c *NoopEmailClient) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	id := msg.Header("Message-ID")
	if id == "" {
		id = "<noop-" + uuid.NewString() + "@localhost>"
	}
	c.logger.Debugf("Email delivery disabled, dropping %q to %v", msg.Subject, msg.To)
	return &SendResult{MessageID: bracket(id)}, nil
}

func (c *NoopEmailClient) SendAsync(msg *Message) {
	_, _ = c.Send(context.Background(), msg)
}
