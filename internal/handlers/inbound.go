package handlers

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"userbird-backend/internal/common"
	"userbird-backend/internal/inbound"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/crypto/bcrypt"
)

type InboundHandler struct {
	common.ServerState
}

func NewInboundHandler(state common.ServerState) *InboundHandler {
	return &InboundHandler{ServerState: state}
}

type inboundResponse struct {
	Success bool `json:"success"`
	*inbound.Result
}

// BasicAuth protects the webhook when INBOUND_WEBHOOK_USER is set. The
// password is compared against a bcrypt hash.
func (h *InboundHandler) BasicAuth() echo.MiddlewareFunc {
	user := h.Config.Inbound.WebhookUser
	hash := []byte(h.Config.Inbound.WebhookPasswordHash)
	return middleware.BasicAuthWithConfig(middleware.BasicAuthConfig{
		Skipper: func(c echo.Context) bool { return user == "" },
		Validator: func(u, p string, c echo.Context) (bool, error) {
			if subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 {
				return false, nil
			}
			return bcrypt.CompareHashAndPassword(hash, []byte(p)) == nil, nil
		},
	})
}

// ReceiveEmail handles POST /api/inbound/email from the mail provider's
// inbound parse webhook.
func (h *InboundHandler) ReceiveEmail(c echo.Context) error {
	limit := h.Config.Inbound.MaxMessageBytes
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, limit+1))
	if err != nil {
		return jsonError(c, http.StatusBadRequest, "Failed to read request body")
	}
	if int64(len(body)) > limit {
		return jsonError(c, http.StatusRequestEntityTooLarge, "Email exceeds the maximum accepted size")
	}

	payload, err := inbound.ExtractRawEmail(c.Request().Header.Get(echo.HeaderContentType), body)
	if err != nil {
		if errors.Is(err, inbound.ErrEmptyPayload) {
			return jsonError(c, http.StatusBadRequest, err.Error())
		}
		c.Logger().Errorf("Failed to extract inbound email: %v", err)
		return jsonError(c, http.StatusBadRequest, "Could not read email from request")
	}

	result, err := h.Inbound.Process(c.Request().Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, inbound.ErrNoFeedback), errors.Is(err, inbound.ErrDomainNotFound):
			c.Logger().Warnf("Rejected inbound email: %v", err)
			return jsonError(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, inbound.ErrFeedbackNotFound):
			return jsonError(c, http.StatusNotFound, err.Error())
		default:
			c.Logger().Errorf("Failed to process inbound email: %v", err)
			captureRequestError(c, err)
			return jsonError(c, http.StatusInternalServerError, "Failed to process email")
		}
	}

	return c.JSON(http.StatusOK, inboundResponse{Success: true, Result: result})
}
