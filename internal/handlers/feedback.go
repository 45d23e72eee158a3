package handlers

import (
	"net/http"
	"strings"

	"userbird-backend/internal/common"
	"userbird-backend/internal/models"
	"userbird-backend/internal/utils"

	"github.com/labstack/echo/v4"
)

type FeedbackHandler struct {
	common.ServerState
}

func NewFeedbackHandler(state common.ServerState) *FeedbackHandler {
	return &FeedbackHandler{ServerState: state}
}

type SubmitFeedbackRequest struct {
	FormID    string                 `json:"formId" validate:"required"`
	Message   string                 `json:"message" validate:"required"`
	UserEmail string                 `json:"userEmail" validate:"omitempty,email"`
	UserName  string                 `json:"userName"`
	Meta      map[string]interface{} `json:"meta"`
}

// SubmitFeedback handles POST /api/feedback from the widget.
func (h *FeedbackHandler) SubmitFeedback(c echo.Context) error {
	req := &SubmitFeedbackRequest{}
	if err := c.Bind(req); err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	req.Message = strings.TrimSpace(req.Message)
	req.UserEmail = strings.TrimSpace(req.UserEmail)
	if err := c.Validate(req); err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}

	form, err := models.GetFormByID(h.DB, req.FormID)
	if err != nil {
		c.Logger().Errorf("Failed to load form %s: %v", req.FormID, err)
		return jsonError(c, http.StatusInternalServerError, "Failed to load form")
	}
	if form == nil {
		return jsonError(c, http.StatusNotFound, "Form not found")
	}

	meta := req.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["source"] = "widget"
	meta["user_agent"] = c.Request().UserAgent()
	if req.UserEmail != "" && utils.IsDisposableEmail(req.UserEmail) {
		meta["disposable_email"] = true
	}

	feedback := &models.Feedback{
		FormID:    form.ID,
		Message:   req.Message,
		UserEmail: req.UserEmail,
		UserName:  req.UserName,
		Meta:      meta,
	}
	if err := h.DB.Create(feedback).Error; err != nil {
		c.Logger().Errorf("Failed to store feedback for form %s: %v", form.ID, err)
		return jsonError(c, http.StatusInternalServerError, "Failed to store feedback")
	}

	h.Notifications.FeedbackCreated(feedback)

	return c.JSON(http.StatusCreated, map[string]string{"id": feedback.ID})
}
