package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"userbird-backend/internal/common"
	"userbird-backend/internal/dnsverify"
	"userbird-backend/internal/models"
	"userbird-backend/internal/utils"

	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"
)

type DNSHandler struct {
	common.ServerState
}

func NewDNSHandler(state common.ServerState) *DNSHandler {
	return &DNSHandler{ServerState: state}
}

type verifyResponse struct {
	Success bool `json:"success"`
	*dnsverify.Report
}

type CustomEmailRequest struct {
	CustomEmail string `json:"customEmail" validate:"required"`
}

// VerifyDNS handles GET|POST /api/auth/dns/verify. The setting is picked by
// settingsId or formId, from the query string or a JSON body.
func (h *DNSHandler) VerifyDNS(c echo.Context) error {
	settingsID := c.QueryParam("settingsId")
	formID := c.QueryParam("formId")

	if c.Request().Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<16))
		if err != nil {
			return jsonError(c, http.StatusBadRequest, "Failed to read request body")
		}
		if len(body) > 0 && gjson.ValidBytes(body) {
			if v := gjson.GetBytes(body, "settingsId"); v.Exists() {
				settingsID = v.String()
			}
			if v := gjson.GetBytes(body, "formId"); v.Exists() {
				formID = v.String()
			}
		}
	}

	var (
		setting *models.CustomEmailSetting
		err     error
	)
	switch {
	case settingsID != "":
		id, perr := strconv.ParseUint(settingsID, 10, 64)
		if perr != nil {
			return jsonError(c, http.StatusBadRequest, "settingsId must be a number")
		}
		setting, err = models.GetCustomEmailSettingByID(h.DB, uint(id))
	case formID != "":
		setting, err = models.GetCustomEmailSettingByFormID(h.DB, formID)
	default:
		return jsonError(c, http.StatusBadRequest, "settingsId or formId is required")
	}
	if err != nil {
		c.Logger().Errorf("Failed to load custom email setting: %v", err)
		return jsonError(c, http.StatusInternalServerError, "Failed to load custom email settings")
	}
	if setting == nil {
		return jsonError(c, http.StatusNotFound, "Custom email settings not found")
	}

	if form, err := getOwnedForm(c, h.JwtIssuer, h.DB, setting.FormID); form == nil {
		return err
	}

	report, err := h.DNS.VerifySetting(c.Request().Context(), setting.ID)
	if err != nil {
		if errors.Is(err, dnsverify.ErrSettingNotFound) {
			return jsonError(c, http.StatusNotFound, "Custom email settings not found")
		}
		c.Logger().Errorf("DNS verification of setting %d failed: %v", setting.ID, err)
		captureRequestError(c, err)
		return jsonError(c, http.StatusInternalServerError, "DNS verification failed")
	}

	return c.JSON(http.StatusOK, verifyResponse{Success: true, Report: report})
}

// SetCustomEmail creates or replaces a form's custom sending address and
// generates the DNS records its domain has to publish.
func (h *DNSHandler) SetCustomEmail(c echo.Context) error {
	form, err := getOwnedForm(c, h.JwtIssuer, h.DB, c.Param("formId"))
	if form == nil {
		return err
	}

	req := &CustomEmailRequest{}
	if err := c.Bind(req); err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}

	addr, err := utils.ValidateCustomAddress(req.CustomEmail, h.Config.Mail.InboundDomain)
	if err != nil {
		return jsonError(c, http.StatusBadRequest, err.Error())
	}

	setting, err := models.GetCustomEmailSettingByFormID(h.DB, form.ID)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, "Failed to load custom email settings")
	}
	if setting == nil {
		setting = &models.CustomEmailSetting{FormID: form.ID}
	}
	setting.CustomEmail = addr.Address
	setting.LocalPart = addr.LocalPart
	setting.Domain = addr.Domain
	setting.ForwardingAddress = utils.ForwardingAddress(addr, h.Config.Mail.InboundDomain)
	setting.Verified = false
	setting.VerificationStatus = models.VerificationUnverified

	if err := h.DB.Save(setting).Error; err != nil {
		c.Logger().Errorf("Failed to save custom email for form %s: %v", form.ID, err)
		return jsonError(c, http.StatusInternalServerError, "Failed to save custom email settings")
	}

	setting, records, err := h.DNS.RegenerateRecords(c.Request().Context(), setting.ID)
	if err != nil {
		c.Logger().Errorf("Failed to generate DNS records for form %s: %v", form.ID, err)
		captureRequestError(c, err)
		return jsonError(c, http.StatusInternalServerError, "Failed to generate DNS records")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"settings":   setting,
		"dnsRecords": records,
	})
}

// GetCustomEmail returns a form's custom address and its DNS records.
func (h *DNSHandler) GetCustomEmail(c echo.Context) error {
	form, err := getOwnedForm(c, h.JwtIssuer, h.DB, c.Param("formId"))
	if form == nil {
		return err
	}

	setting, err := models.GetCustomEmailSettingByFormID(h.DB, form.ID)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, "Failed to load custom email settings")
	}
	if setting == nil {
		return jsonError(c, http.StatusNotFound, "Custom email settings not found")
	}

	records, err := models.GetDNSRecordsForSetting(h.DB, setting.ID)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, "Failed to load DNS records")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"settings":   setting,
		"dnsRecords": records,
	})
}

// DeleteCustomEmail drops the custom address; mail goes back to the
// platform sender.
func (h *DNSHandler) DeleteCustomEmail(c echo.Context) error {
	form, err := getOwnedForm(c, h.JwtIssuer, h.DB, c.Param("formId"))
	if form == nil {
		return err
	}

	setting, err := models.GetCustomEmailSettingByFormID(h.DB, form.ID)
	if err != nil {
		return jsonError(c, http.StatusInternalServerError, "Failed to load custom email settings")
	}
	if setting == nil {
		return c.NoContent(http.StatusNoContent)
	}

	if err := h.DB.Where("custom_email_setting_id = ?", setting.ID).Delete(&models.DNSVerificationRecord{}).Error; err != nil {
		return jsonError(c, http.StatusInternalServerError, "Failed to delete DNS records")
	}
	if err := h.DB.Delete(setting).Error; err != nil {
		return jsonError(c, http.StatusInternalServerError, "Failed to delete custom email settings")
	}

	c.Logger().Infof("Removed custom email %s from form %s", strings.ToLower(setting.CustomEmail), form.ID)
	return c.NoContent(http.StatusNoContent)
}
