package inbound

import (
	"context"
	"sync"
	"testing"

	"userbird-backend/internal/models"
	"userbird-backend/internal/replies"
	"userbird-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const anchoredFeedbackID = "7f1c2a7e-2c55-4a0e-8f7e-4b0fb0e1a111"

type recordingNotifier struct {
	mu      sync.Mutex
	created []string
	replies []string
}

func (n *recordingNotifier) FeedbackCreated(f *models.Feedback) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, f.ID)
}

func (n *recordingNotifier) InboundReplyStored(f *models.Feedback, r *models.FeedbackReply) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replies = append(n.replies, r.ID)
}

func newTestProcessor(t *testing.T) (*Processor, *gorm.DB, *fakeStorage, *recordingNotifier) {
	db := testutil.NewDB(t)
	logger := testutil.Logger()
	testutil.CreateForm(t, db, "form1", "owner-1")

	storage := newFakeStorage()
	notifier := &recordingNotifier{}
	p := NewProcessor(db,
		NewResolver(db, "userbird-mail.com", logger),
		NewRehoster(storage, logger),
		replies.NewStore(db, "userbird.co", logger),
		notifier, nil, logger)
	return p, db, storage, notifier
}

func TestProcessStoresThreadedReply(t *testing.T) {
	p, db, storage, notifier := newTestProcessor(t)
	require.NoError(t, db.Create(&models.Feedback{ID: anchoredFeedbackID, FormID: "form1", Message: "broken", UserEmail: "jane@example.com"}).Error)

	res, err := p.Process(context.Background(), &Payload{Raw: crlf(multipartEmail)})
	require.NoError(t, err)

	assert.Equal(t, anchoredFeedbackID, res.FeedbackID)
	assert.Equal(t, "in-reply-to", res.Strategy)
	assert.Equal(t, "<CAF123@mail.example.com>", res.MessageID)
	assert.Equal(t, "<feedback-notification-"+anchoredFeedbackID+"@userbird.co>", res.InReplyTo)

	reply, err := models.GetReplyByID(db, res.ReplyID)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, models.SenderUser, reply.SenderType)
	assert.Contains(t, reply.HTMLContent, `<img src="https://cdn.test/feedback-replies/`+anchoredFeedbackID+`/`+anchoredFeedbackID+`_shot.png">`)
	assert.NotContains(t, reply.HTMLContent, "cid:")

	stored, err := models.GetRepliesForFeedback(db, anchoredFeedbackID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Len(t, stored[0].Attachments, 2)

	assert.Len(t, storage.objects, 1)
	assert.Equal(t, []string{res.ReplyID}, notifier.replies)
}

func TestProcessDuplicateDelivery(t *testing.T) {
	p, db, _, notifier := newTestProcessor(t)
	require.NoError(t, db.Create(&models.Feedback{ID: anchoredFeedbackID, FormID: "form1", Message: "broken"}).Error)

	first, err := p.Process(context.Background(), &Payload{Raw: crlf(multipartEmail)})
	require.NoError(t, err)
	second, err := p.Process(context.Background(), &Payload{Raw: crlf(multipartEmail)})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ReplyID, second.ReplyID)
	assert.Len(t, notifier.replies, 1)
}

func TestProcessMissingFeedback(t *testing.T) {
	p, _, _, _ := newTestProcessor(t)
	_, err := p.Process(context.Background(), &Payload{Raw: crlf(multipartEmail)})
	assert.ErrorIs(t, err, ErrFeedbackNotFound)
}

func TestProcessCreatesFeedback(t *testing.T) {
	p, db, _, notifier := newTestProcessor(t)

	raw := crlf("From: Bob <bob@example.com>\nTo: form1@userbird-mail.com\nSubject: Idea\nMessage-ID: <idea-1@example.com>\n\nPlease add dark mode\n")
	res, err := p.Process(context.Background(), &Payload{Raw: raw})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Empty(t, res.ReplyID)
	assert.Equal(t, []string{res.FeedbackID}, notifier.created)

	fb, err := models.GetFeedbackByID(db, res.FeedbackID)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", fb.UserEmail)
	assert.Equal(t, "Bob", fb.UserName)
	assert.Equal(t, "email", fb.MetaString("source"))
}

func TestProcessUnresolvable(t *testing.T) {
	p, _, _, _ := newTestProcessor(t)
	raw := crlf("From: bob@example.com\nTo: nobody@example.com\nSubject: hi\n\nhello\n")
	_, err := p.Process(context.Background(), &Payload{Raw: raw})
	assert.ErrorIs(t, err, ErrNoFeedback)
}
