package notifications

import (
	"fmt"
	"strings"

	"userbird-backend/internal/models"

	"gorm.io/gorm"
)

// Identity is the From and Reply-To pair for a form's outbound mail.
type Identity struct {
	From    string
	ReplyTo string
}

// SenderIdentity uses the form's custom address once its domain is
// verified. Otherwise mail goes out from the platform sender with a
// Reply-To on the inbound domain, so answers come back to the pipeline.
func SenderIdentity(db *gorm.DB, form *models.Form, defaultSender, inboundDomain string) (Identity, error) {
	id := Identity{
		From:    defaultSender,
		ReplyTo: fmt.Sprintf("%s@%s", form.ID, inboundDomain),
	}

	setting, err := models.GetCustomEmailSettingByFormID(db, form.ID)
	if err != nil {
		return id, err
	}
	if setting == nil || !setting.Verified {
		return id, nil
	}

	name := strings.ReplaceAll(form.Name, `"`, "")
	if name != "" {
		id.From = fmt.Sprintf(`"%s" <%s>`, name, setting.CustomEmail)
	} else {
		id.From = setting.CustomEmail
	}
	id.ReplyTo = setting.CustomEmail
	return id, nil
}
