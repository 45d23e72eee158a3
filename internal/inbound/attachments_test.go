package inbound

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"userbird-backend/internal/models"
	"userbird-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  map[string]bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}, failOn: map[string]bool{}}
}

func (f *fakeStorage) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[key] {
		return "", errors.New("storage unavailable")
	}
	f.objects[key] = data
	return "https://cdn.test/" + key, nil
}

func TestRehost(t *testing.T) {
	store := newFakeStorage()
	store.failOn["feedback-replies/f1/f1_broken.png"] = true

	r := NewRehoster(store, testutil.Logger())
	r.now = func() time.Time { return time.UnixMilli(1700000000123) }

	rows, cidMap := r.Rehost(context.Background(), "f1", []Attachment{
		{Filename: "shot.png", ContentType: "image/png", ContentID: "shot1", Inline: true, Data: []byte("png")},
		{Filename: "photo.jpg", ContentType: "image/jpeg", Data: []byte("jpg")},
		{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("txt")},
		{Filename: "broken.png", ContentType: "image/png", ContentID: "b1", Inline: true, Data: []byte("x")},
	})

	assert.Equal(t, "https://cdn.test/feedback-replies/f1/f1_shot.png", cidMap["shot1"])
	assert.Equal(t, "https://cdn.test/feedback-replies/f1/f1_photo.jpg", cidMap["generated-photo.jpg-1700000000123"])
	assert.NotContains(t, cidMap, "b1")
	assert.Len(t, cidMap, 2)

	require.Len(t, rows, 3)
	assert.Equal(t, "notes.txt", rows[2].Filename)
	assert.Empty(t, rows[2].URL)
	assert.NotContains(t, store.objects, "feedback-replies/f1/f1_notes.txt")
}

func TestRehostSameFilenameOverwrites(t *testing.T) {
	store := newFakeStorage()
	r := NewRehoster(store, testutil.Logger())

	r.Rehost(context.Background(), "f1", []Attachment{{Filename: "a.png", ContentType: "image/png", Data: []byte("v1")}})
	r.Rehost(context.Background(), "f1", []Attachment{{Filename: "a.png", ContentType: "image/png", Data: []byte("v2")}})

	assert.Equal(t, []byte("v2"), store.objects["feedback-replies/f1/f1_a.png"])
}

func TestRewriteCIDs(t *testing.T) {
	out, referenced := RewriteCIDs(
		`<p>Hi</p><img src="cid:photo1"><img alt="x" src='cid:missing' width="10">`,
		map[string]string{"photo1": "https://cdn/x.png"},
	)
	assert.Equal(t, `<p>Hi</p><img src="https://cdn/x.png">[Image attachment]`, out)
	assert.True(t, referenced["photo1"])
	assert.False(t, referenced["missing"])
}

func TestAppendAttachmentBlock(t *testing.T) {
	atts := []models.FeedbackAttachment{
		{Filename: "inline.png", ContentType: "image/png", URL: "https://cdn/inline.png", ContentID: "c1"},
		{Filename: "extra.png", ContentType: "image/png", URL: "https://cdn/extra.png", ContentID: "generated-extra.png-1"},
		{Filename: "doc.pdf", ContentType: "application/pdf", URL: "https://cdn/doc.pdf", ContentID: "generated-doc.pdf-1"},
		{Filename: "skipped.txt", ContentType: "text/plain"},
	}

	out := AppendAttachmentBlock("<p>body</p>", atts, map[string]bool{"c1": true})
	assert.Contains(t, out, `<div class="email-attachments">`)
	assert.Contains(t, out, `<img src="https://cdn/extra.png" alt="extra.png"`)
	assert.Contains(t, out, `<a href="https://cdn/doc.pdf" target="_blank" rel="noopener">doc.pdf</a>`)
	assert.NotContains(t, out, "inline.png")
	assert.NotContains(t, out, "skipped.txt")

	assert.Equal(t, "<p>body</p>", AppendAttachmentBlock("<p>body</p>", atts[:1], map[string]bool{"c1": true}))
}

func TestRewrittenCIDIsNotAppendedAgainWhenCaseDiffers(t *testing.T) {
	url := "https://cdn/photo.png"
	body, referenced := RewriteCIDs(`<img src="cid:photo1">`, map[string]string{"Photo1": url})
	assert.True(t, referenced["Photo1"])

	atts := []models.FeedbackAttachment{
		{Filename: "photo.png", ContentType: "image/png", URL: url, ContentID: "Photo1"},
	}
	out := AppendAttachmentBlock(body, atts, referenced)
	assert.Equal(t, 1, strings.Count(out, url))
	assert.NotContains(t, out, "email-attachments")
}
