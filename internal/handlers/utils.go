package handlers

import (
	"net/http"

	"userbird-backend/internal/common"
	"userbird-backend/internal/models"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// jsonError writes the {"error": ...} body API callers expect.
func jsonError(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// getAuthenticatedUserID returns the dashboard user of a request that went
// through the JWT middleware.
func getAuthenticatedUserID(c echo.Context, jwtIssuer common.JWTIssuer) (string, bool) {
	userID, err := jwtIssuer.GetUserID(c)
	if err != nil {
		return "", false
	}
	return userID, true
}

// getOwnedForm loads a form and checks that the caller owns it. On failure
// it has already written the response and returns a nil form.
func getOwnedForm(c echo.Context, jwtIssuer common.JWTIssuer, db *gorm.DB, formID string) (*models.Form, error) {
	userID, ok := getAuthenticatedUserID(c, jwtIssuer)
	if !ok {
		return nil, jsonError(c, http.StatusUnauthorized, "Unauthorized request")
	}

	form, err := models.GetFormByID(db, formID)
	if err != nil {
		c.Logger().Errorf("Failed to load form %s: %v", formID, err)
		return nil, jsonError(c, http.StatusInternalServerError, "Failed to load form")
	}
	if form == nil {
		return nil, jsonError(c, http.StatusNotFound, "Form not found")
	}
	if form.OwnerID != userID {
		return nil, jsonError(c, http.StatusForbidden, "You do not have access to this form")
	}
	return form, nil
}

// getOwnedFeedback loads a feedback whose form the caller owns.
func getOwnedFeedback(c echo.Context, jwtIssuer common.JWTIssuer, db *gorm.DB, feedbackID string) (*models.Feedback, *models.Form, error) {
	feedback, err := models.GetFeedbackByID(db, feedbackID)
	if err != nil {
		c.Logger().Errorf("Failed to load feedback %s: %v", feedbackID, err)
		return nil, nil, jsonError(c, http.StatusInternalServerError, "Failed to load feedback")
	}
	if feedback == nil {
		return nil, nil, jsonError(c, http.StatusNotFound, "Feedback not found")
	}

	form, err := getOwnedForm(c, jwtIssuer, db, feedback.FormID)
	if form == nil {
		return nil, nil, err
	}
	return feedback, form, nil
}
