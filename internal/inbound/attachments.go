package inbound

import (
	"context"
	"fmt"
	"html"
	"path"
	"regexp"
	"strings"
	"time"

	"userbird-backend/internal/metrics"
	"userbird-backend/internal/models"
	"userbird-backend/internal/storage"

	"github.com/labstack/echo/v4"
)

const imagePlaceholder = "[Image attachment]"

var (
	cidImgRe = regexp.MustCompile(`(?is)<img\b[^>]*?\bsrc\s*=\s*["']?cid:[^>]*>`)
	cidSrcRe = regexp.MustCompile(`(?is)(\bsrc\s*=\s*)(["']?)cid:([^"'\s>]+)(["']?)`)
)

// Rehoster uploads inline and image attachments to object storage.
type Rehoster struct {
	storage storage.Storage
	logger  echo.Logger
	now     func() time.Time
}

func NewRehoster(s storage.Storage, logger echo.Logger) *Rehoster {
	return &Rehoster{storage: s, logger: logger, now: time.Now}
}

// Rehost uploads the attachments of a reply to feedbackID. It returns the
// metadata rows to store once the reply exists, and a map from Content-ID
// (or a generated key) to public URL. A failed upload skips that attachment.
// Attachments that are neither inline nor images are tracked without a URL.
func (r *Rehoster) Rehost(ctx context.Context, feedbackID string, attachments []Attachment) ([]models.FeedbackAttachment, map[string]string) {
	rows := make([]models.FeedbackAttachment, 0, len(attachments))
	cidMap := map[string]string{}

	for _, att := range attachments {
		filename := safeFilename(att.Filename)
		key := att.ContentID
		if key == "" {
			key = fmt.Sprintf("generated-%s-%d", filename, r.now().UnixMilli())
		}

		row := models.FeedbackAttachment{
			Filename:    filename,
			ContentType: att.ContentType,
			ContentID:   key,
			IsInline:    att.Inline,
		}

		if !att.Inline && !strings.HasPrefix(att.ContentType, "image/") {
			rows = append(rows, row)
			continue
		}
		if r.storage == nil {
			r.logger.Warnf("No storage configured, skipping attachment %s", filename)
			continue
		}

		objectKey := fmt.Sprintf("feedback-replies/%s/%s_%s", feedbackID, feedbackID, filename)
		url, err := r.storage.Upload(ctx, objectKey, att.ContentType, att.Data)
		if err != nil {
			metrics.AttachmentUploads.WithLabelValues("failed").Inc()
			r.logger.Errorf("Failed to upload attachment %s for feedback %s: %v", filename, feedbackID, err)
			continue
		}
		metrics.AttachmentUploads.WithLabelValues("uploaded").Inc()

		row.URL = url
		cidMap[key] = url
		rows = append(rows, row)
	}

	return rows, cidMap
}

// RewriteCIDs points cid: image sources at their public URLs. Images whose
// CID has no URL are replaced by a text placeholder. It also returns the
// CIDs that were referenced.
func RewriteCIDs(body string, cidMap map[string]string) (string, map[string]bool) {
	referenced := map[string]bool{}

	out := cidImgRe.ReplaceAllStringFunc(body, func(tag string) string {
		m := cidSrcRe.FindStringSubmatch(tag)
		if m == nil {
			return imagePlaceholder
		}
		cid := strings.Trim(m[3], "<>")
		key, url, ok := lookupCID(cidMap, cid)
		if !ok {
			return imagePlaceholder
		}
		referenced[key] = true
		return strings.Replace(tag, m[0], m[1]+m[2]+html.EscapeString(url)+m[4], 1)
	})

	return out, referenced
}

// lookupCID matches Content-IDs case-insensitively and returns the map's
// own spelling of the key.
func lookupCID(cidMap map[string]string, cid string) (string, string, bool) {
	if url, ok := cidMap[cid]; ok {
		return cid, url, true
	}
	for k, url := range cidMap {
		if strings.EqualFold(k, cid) {
			return k, url, true
		}
	}
	return "", "", false
}

// AppendAttachmentBlock appends rehosted attachments that the body did not
// reference by CID: images inline, other files as links.
func AppendAttachmentBlock(body string, attachments []models.FeedbackAttachment, referenced map[string]bool) string {
	var items []string
	for _, att := range attachments {
		if att.URL == "" || referenced[att.ContentID] {
			continue
		}
		url := html.EscapeString(att.URL)
		name := html.EscapeString(att.Filename)
		if strings.HasPrefix(att.ContentType, "image/") {
			items = append(items, fmt.Sprintf(`<div class="email-attachment"><img src="%s" alt="%s" style="max-width: 100%%;"></div>`, url, name))
		} else {
			items = append(items, fmt.Sprintf(`<div class="email-attachment"><a href="%s" target="_blank" rel="noopener">%s</a></div>`, url, name))
		}
	}
	if len(items) == 0 {
		return body
	}
	return body + `<div class="email-attachments"><p><strong>Attachments</strong></p>` + strings.Join(items, "") + `</div>`
}

func safeFilename(name string) string {
	name = strings.TrimSpace(path.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "attachment"
	}
	return name
}
