package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"userbird-backend/internal/common"
	"userbird-backend/internal/models"
	"userbird-backend/internal/notifications"
	"userbird-backend/internal/replies"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type ReplyHandler struct {
	common.ServerState
}

func NewReplyHandler(state common.ServerState) *ReplyHandler {
	return &ReplyHandler{ServerState: state}
}

type DashboardReplyRequest struct {
	Content     string `json:"content"`
	HTMLContent string `json:"htmlContent"`
}

// InternalAuth accepts either the shared INTERNAL_API_TOKEN or a valid JWT
// in the X-Internal-Token header, falling back to a Bearer token. JWT
// callers are stored on the context like the JWT middleware does, so
// handlers can enforce form ownership for them.
func (h *ReplyHandler) InternalAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := c.Request().Header.Get("X-Internal-Token")
			if token == "" {
				token = strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
			}
			if token == "" {
				return jsonError(c, http.StatusUnauthorized, "Missing internal token")
			}

			shared := h.Config.Auth.InternalToken
			if shared != "" && subtle.ConstantTimeCompare([]byte(token), []byte(shared)) == 1 {
				return next(c)
			}
			if claims, err := h.JwtIssuer.ParseToken(token); err == nil {
				c.Set("user", &jwt.Token{Claims: claims, Valid: true})
				return next(c)
			}
			return jsonError(c, http.StatusUnauthorized, "Invalid internal token")
		}
	}
}

// SendReplyNotification handles POST /api/send-reply-notification and
// emails a form owner's reply to the feedback's author.
func (h *ReplyHandler) SendReplyNotification(c echo.Context) error {
	req := &notifications.ReplyNotificationRequest{}
	if err := c.Bind(req); err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	if req.ReplyID == "" && strings.TrimSpace(req.ReplyContent) == "" && strings.TrimSpace(req.HTMLContent) == "" {
		return jsonError(c, http.StatusBadRequest, "replyContent is required when replyId is not set")
	}

	// Dashboard users may only reply on their own forms
	if c.Get("user") != nil {
		if feedback, _, err := getOwnedFeedback(c, h.JwtIssuer, h.DB, req.FeedbackID); feedback == nil {
			return err
		}
	}

	result, err := h.Notifications.Replies.Send(c.Request().Context(), *req)
	if err != nil {
		return h.replyError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// CreateDashboardReply stores an admin reply written in the dashboard and
// sends it in the background.
func (h *ReplyHandler) CreateDashboardReply(c echo.Context) error {
	feedback, _, err := getOwnedFeedback(c, h.JwtIssuer, h.DB, c.Param("id"))
	if feedback == nil {
		return err
	}

	req := &DashboardReplyRequest{}
	if err := c.Bind(req); err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Content) == "" && strings.TrimSpace(req.HTMLContent) == "" {
		return jsonError(c, http.StatusBadRequest, "Reply content is required")
	}

	userID, _ := getAuthenticatedUserID(c, h.JwtIssuer)
	reply, err := h.Replies.CreateAdminReply(c.Request().Context(), feedback.ID, req.Content, req.HTMLContent, map[string]interface{}{
		"source":  "dashboard",
		"user_id": userID,
	})
	if err != nil {
		c.Logger().Errorf("Failed to store reply for feedback %s: %v", feedback.ID, err)
		return jsonError(c, http.StatusInternalServerError, "Failed to store reply")
	}

	if feedback.UserEmail != "" {
		h.Notifications.AdminReplyStored(feedback, reply)
	}

	return c.JSON(http.StatusCreated, reply)
}

// GetConversation returns every reply of a feedback, oldest first.
func (h *ReplyHandler) GetConversation(c echo.Context) error {
	feedback, _, err := getOwnedFeedback(c, h.JwtIssuer, h.DB, c.Param("id"))
	if feedback == nil {
		return err
	}

	conversation, err := models.GetRepliesForFeedback(h.DB, feedback.ID)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, "Failed to load replies")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"feedback": feedback,
		"replies":  conversation,
	})
}

// DraftReply suggests an answer for the feedback.
func (h *ReplyHandler) DraftReply(c echo.Context) error {
	if !h.Drafter.Enabled() {
		return jsonError(c, http.StatusServiceUnavailable, "Reply drafting is not configured")
	}

	feedback, _, err := getOwnedFeedback(c, h.JwtIssuer, h.DB, c.Param("id"))
	if feedback == nil {
		return err
	}

	conversation, err := models.GetRepliesForFeedback(h.DB, feedback.ID)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, "Failed to load replies")
	}

	draft, err := h.Drafter.Draft(c.Request().Context(), feedback, conversation)
	if err != nil {
		c.Logger().Warnf("Draft for feedback %s failed: %v", feedback.ID, err)
		return jsonError(c, http.StatusBadGateway, "Failed to draft a reply")
	}

	return c.JSON(http.StatusOK, map[string]string{"draft": draft})
}

func (h *ReplyHandler) replyError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, notifications.ErrFeedbackNotFound), errors.Is(err, notifications.ErrReplyNotFound):
		return jsonError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, notifications.ErrNoRecipient):
		return jsonError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, replies.ErrInvalidTransition):
		return jsonError(c, http.StatusConflict, "Reply is already being sent")
	case errors.Is(err, notifications.ErrDeliveryFailed):
		c.Logger().Errorf("Reply delivery failed: %v", err)
		return jsonError(c, http.StatusBadGateway, err.Error())
	default:
		c.Logger().Errorf("Reply notification failed: %v", err)
		captureRequestError(c, err)
		return jsonError(c, http.StatusInternalServerError, "Failed to send reply notification")
	}
}
