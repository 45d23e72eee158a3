package notifications

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"userbird-backend/internal/email"
	"userbird-backend/internal/models"

	"github.com/labstack/echo/v4"
	"github.com/slack-go/slack"
	"gorm.io/gorm"
)

const maxSlackText = 3000

// SlackNotifier mirrors feedback conversations into the form's Slack channel.
// The ts of the first post is stored on the feedback so replies land in
// its thread and thread answers can be routed back.
type SlackNotifier struct {
	db            *gorm.DB
	encryptionKey string
	apiURL        string
	logger        echo.Logger
}

func NewSlackNotifier(db *gorm.DB, encryptionKey string, logger echo.Logger) *SlackNotifier {
	return &SlackNotifier{db: db, encryptionKey: encryptionKey, logger: logger}
}

// WithAPIURL points the Slack client at another API root, used by tests.
func (n *SlackNotifier) WithAPIURL(url string) *SlackNotifier {
	n.apiURL = url
	return n
}

// client returns a Slack client for the form's integration, or nil when the
// form has none.
func (n *SlackNotifier) client(ctx context.Context, formID string) (*slack.Client, *models.SlackIntegration, error) {
	integration, err := models.GetSlackIntegrationByFormID(n.db.WithContext(ctx), formID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load Slack integration: %w", err)
	}
	if integration == nil {
		return nil, nil, nil
	}

	botToken, err := models.DecryptSecret(integration.BotAccessToken, n.encryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt bot token: %w", err)
	}

	opts := []slack.Option{slack.OptionHTTPClient(&http.Client{Timeout: 10 * time.Second})}
	if n.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(n.apiURL))
	}
	return slack.New(botToken, opts...), integration, nil
}

// PostFeedback posts a new feedback and records the thread on it.
func (n *SlackNotifier) PostFeedback(ctx context.Context, feedback *models.Feedback, form *models.Form) error {
	api, integration, err := n.client(ctx, feedback.FormID)
	if err != nil || api == nil {
		return err
	}

	from := feedback.UserEmail
	if from == "" {
		from = "anonymous"
	}
	text := fmt.Sprintf("*New feedback on %s* from %s\n>%s", form.Name, from, truncate(feedback.Message, maxSlackText))

	channel, ts, err := api.PostMessageContext(ctx, integration.ChannelID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("failed to post feedback to Slack: %w", err)
	}

	db := n.db.WithContext(ctx)
	if err := models.SetFeedbackMeta(db, feedback, "slack_channel", channel); err != nil {
		return err
	}
	return models.SetFeedbackMeta(db, feedback, "slack_thread_ts", ts)
}

// PostReply posts a user's emailed reply into the feedback's thread.
func (n *SlackNotifier) PostReply(ctx context.Context, feedback *models.Feedback, reply *models.FeedbackReply) error {
	threadTS := feedback.MetaString("slack_thread_ts")
	if threadTS == "" {
		return nil
	}
	api, integration, err := n.client(ctx, feedback.FormID)
	if err != nil || api == nil {
		return err
	}

	channel := feedback.MetaString("slack_channel")
	if channel == "" {
		channel = integration.ChannelID
	}

	body := reply.Content
	if reply.HTMLContent != "" {
		body = email.HTMLToText(reply.HTMLContent)
	}
	text := fmt.Sprintf("*%s replied:*\n%s", feedback.UserEmail, truncate(body, maxSlackText))

	_, _, err = api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false), slack.MsgOptionTS(threadTS))
	if err != nil {
		return fmt.Errorf("failed to post reply to Slack thread: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
