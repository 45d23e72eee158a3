package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"userbird-backend/internal/common"
	"userbird-backend/internal/models"

	"github.com/labstack/echo/v4"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// SlackHandler routes answers written in Slack threads back into the
// feedback conversation.
type SlackHandler struct {
	common.ServerState
}

func NewSlackHandler(state common.ServerState) *SlackHandler {
	return &SlackHandler{ServerState: state}
}

type SlackIntegrationRequest struct {
	BotToken  string `json:"botToken" validate:"required"`
	ChannelID string `json:"channelId" validate:"required"`
	TeamID    string `json:"teamId"`
	BotUserID string `json:"botUserId"`
}

// verifySlackRequest verifies the Slack request signature using the SDK's SecretsVerifier.
// The body is restored for further processing.
func verifySlackRequest(c echo.Context, signingSecret string) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	c.Request().Body = io.NopCloser(bytes.NewReader(body))

	sv, err := slack.NewSecretsVerifier(c.Request().Header, signingSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets verifier: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return nil, fmt.Errorf("failed to write body to Slack verifier: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return nil, fmt.Errorf("invalid Slack signature: %w", err)
	}
	return body, nil
}

// HandleEvents handles POST /api/slack/events.
func (h *SlackHandler) HandleEvents(c echo.Context) error {
	if h.Config.Slack.SigningSecret == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Slack app not configured")
	}

	body, err := verifySlackRequest(c, h.Config.Slack.SigningSecret)
	if err != nil {
		c.Logger().Warnf("Slack signature verification failed: %v", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid request signature")
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid event payload")
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid challenge")
		}
		return c.String(http.StatusOK, challenge.Challenge)

	case slackevents.CallbackEvent:
		// Slack redelivers events it considers slow; the first delivery already stored the reply
		if c.Request().Header.Get("X-Slack-Retry-Num") != "" {
			return c.NoContent(http.StatusOK)
		}
		if msg, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			if err := h.handleThreadMessage(c.Request().Context(), event.TeamID, msg); err != nil {
				c.Logger().Errorf("Failed to handle Slack thread message: %v", err)
				captureRequestError(c, err)
			}
		}
	}

	return c.NoContent(http.StatusOK)
}

// handleThreadMessage stores a human answer in a feedback thread as an
// admin reply and emails it to the user.
func (h *SlackHandler) handleThreadMessage(ctx context.Context, teamID string, ev *slackevents.MessageEvent) error {
	if ev.ThreadTimeStamp == "" || ev.ThreadTimeStamp == ev.TimeStamp {
		return nil
	}
	if ev.BotID != "" || ev.SubType != "" || strings.TrimSpace(ev.Text) == "" {
		return nil
	}

	db := h.DB.WithContext(ctx)
	integrations, err := models.GetSlackIntegrationsByChannel(db, teamID, ev.Channel)
	if err != nil {
		return err
	}

	var feedback *models.Feedback
	for _, integration := range integrations {
		if integration.BotUserID != "" && integration.BotUserID == ev.User {
			return nil
		}
		feedback, err = models.GetFeedbackBySlackThread(db, integration.FormID, ev.ThreadTimeStamp)
		if err != nil {
			return err
		}
		if feedback != nil {
			break
		}
	}
	if feedback == nil {
		return nil
	}

	reply, err := h.Replies.CreateAdminReply(ctx, feedback.ID, ev.Text, "", map[string]interface{}{
		"source":     "slack",
		"slack_ts":   ev.TimeStamp,
		"slack_user": ev.User,
	})
	if err != nil {
		return fmt.Errorf("storing Slack reply for feedback %s: %w", feedback.ID, err)
	}

	if feedback.UserEmail != "" {
		h.Notifications.AdminReplyStored(feedback, reply)
	}
	return nil
}

// SetIntegration handles PUT /api/auth/forms/:formId/slack.
func (h *SlackHandler) SetIntegration(c echo.Context) error {
	form, err := getOwnedForm(c, h.JwtIssuer, h.DB, c.Param("formId"))
	if form == nil {
		return err
	}

	req := &SlackIntegrationRequest{}
	if err := c.Bind(req); err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}

	encrypted, err := models.EncryptSecret(req.BotToken, h.Config.Slack.TokenEncryptionKey)
	if err != nil {
		c.Logger().Errorf("Failed to encrypt Slack token: %v", err)
		return jsonError(c, http.StatusInternalServerError, "Failed to store Slack integration")
	}

	integration, err := models.GetSlackIntegrationByFormID(h.DB, form.ID)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, "Failed to load Slack integration")
	}
	if integration == nil {
		integration = &models.SlackIntegration{FormID: form.ID}
	}
	integration.BotAccessToken = encrypted
	integration.ChannelID = req.ChannelID
	integration.SlackTeamID = req.TeamID
	integration.BotUserID = req.BotUserID

	if err := h.DB.Save(integration).Error; err != nil {
		return jsonError(c, http.StatusInternalServerError, "Failed to store Slack integration")
	}

	return c.JSON(http.StatusOK, integration)
}

// DeleteIntegration handles DELETE /api/auth/forms/:formId/slack.
func (h *SlackHandler) DeleteIntegration(c echo.Context) error {
	form, err := getOwnedForm(c, h.JwtIssuer, h.DB, c.Param("formId"))
	if form == nil {
		return err
	}

	if err := h.DB.Where("form_id = ?", form.ID).Delete(&models.SlackIntegration{}).Error; err != nil {
		return jsonError(c, http.StatusInternalServerError, "Failed to delete Slack integration")
	}
	return c.NoContent(http.StatusNoContent)
}
