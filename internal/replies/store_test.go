package replies

import (
	"context"
	"errors"
	"testing"
	"time"

	"userbird-backend/internal/models"
	"userbird-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *models.Feedback) {
	db := testutil.NewDB(t)
	testutil.CreateForm(t, db, "form1", "owner-1")
	fb := testutil.CreateFeedback(t, db, "form1", "jane@example.com")
	return NewStore(db, "userbird.co", testutil.Logger()), fb
}

func TestCreateInboundPrefersHTML(t *testing.T) {
	store, fb := newTestStore(t)
	ctx := context.Background()

	reply, err := store.CreateInbound(ctx, InboundReply{
		FeedbackID: fb.ID,
		HTML:       "<p>Still broken</p>",
		MessageID:  "abc@mail.example.com",
		InReplyTo:  "<feedback-notification-" + fb.ID + "@userbird.co>",
	})
	require.NoError(t, err)

	assert.Equal(t, "", reply.Content)
	assert.Equal(t, "<p>Still broken</p>", reply.HTMLContent)
	assert.Equal(t, "<abc@mail.example.com>", reply.MessageIDValue())
	assert.Equal(t, models.SenderUser, reply.SenderType)
	assert.Equal(t, models.DeliveryNone, reply.DeliveryStatus)
}

func TestCreateInboundSynthesizesMessageID(t *testing.T) {
	store, fb := newTestStore(t)

	reply, err := store.CreateInbound(context.Background(), InboundReply{FeedbackID: fb.ID, Text: "thanks"})
	require.NoError(t, err)
	assert.Regexp(t, `^<reply-[0-9a-f-]{36}@userbird\.co>$`, reply.MessageIDValue())
	assert.Equal(t, "thanks", reply.Content)
}

func TestCreateInboundDuplicateMessageID(t *testing.T) {
	store, fb := newTestStore(t)
	ctx := context.Background()

	first, err := store.CreateInbound(ctx, InboundReply{FeedbackID: fb.ID, Text: "one", MessageID: "<dup@x>"})
	require.NoError(t, err)

	second, err := store.CreateInbound(ctx, InboundReply{FeedbackID: fb.ID, Text: "one", MessageID: "<dup@x>"})
	assert.True(t, errors.Is(err, ErrDuplicateMessage))
	assert.Equal(t, first.ID, second.ID)
}

func TestThreadHeadersChain(t *testing.T) {
	store, fb := newTestStore(t)
	ctx := context.Background()
	anchor := "<feedback-notification-" + fb.ID + "@userbird.co>"

	thread, err := store.ThreadHeaders(ctx, fb.ID)
	require.NoError(t, err)
	assert.Equal(t, anchor, thread.InReplyTo)
	assert.Equal(t, anchor, thread.References)

	// First admin reply goes out threaded on the anchor
	first, err := store.CreateAdminReply(ctx, fb.ID, "Looking into it", "", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkPending(ctx, first))
	require.NoError(t, store.MarkSent(ctx, first, "<first@userbird.co>", thread.InReplyTo))

	time.Sleep(5 * time.Millisecond)

	thread, err = store.ThreadHeaders(ctx, fb.ID)
	require.NoError(t, err)
	assert.Equal(t, "<first@userbird.co>", thread.InReplyTo)
	assert.Equal(t, anchor+" <first@userbird.co>", thread.References)

	second, err := store.CreateAdminReply(ctx, fb.ID, "Fixed", "", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkPending(ctx, second))
	require.NoError(t, store.MarkSent(ctx, second, "<second@userbird.co>", thread.InReplyTo))

	stored, err := models.GetReplyByID(store.db, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "<first@userbird.co>", stored.InReplyTo)
	assert.Equal(t, models.DeliverySent, stored.DeliveryStatus)
	assert.NotNil(t, stored.SentAt)
}

func TestDeliveryTransitions(t *testing.T) {
	store, fb := newTestStore(t)
	ctx := context.Background()

	reply, err := store.CreateAdminReply(ctx, fb.ID, "hi", "", nil)
	require.NoError(t, err)

	err = store.MarkSent(ctx, reply, "<x@y>", "")
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, store.MarkPending(ctx, reply))
	require.NoError(t, store.MarkFailed(ctx, reply, errors.New("provider down")))

	stored, err := models.GetReplyByID(store.db, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, stored.DeliveryStatus)
	assert.Equal(t, "provider down", stored.DeliveryError)
	assert.Nil(t, stored.MessageID)

	// a failed reply may be resent
	require.NoError(t, store.MarkPending(ctx, reply))
}

func TestSaveAttachments(t *testing.T) {
	store, fb := newTestStore(t)
	ctx := context.Background()

	reply, err := store.CreateInbound(ctx, InboundReply{FeedbackID: fb.ID, Text: "see screenshot"})
	require.NoError(t, err)

	saved := store.SaveAttachments(ctx, reply.ID, []models.FeedbackAttachment{
		{Filename: "shot.png", ContentType: "image/png", URL: "https://cdn/shot.png", ContentID: "img1", IsInline: true},
		{Filename: "log.png", ContentType: "image/png", URL: "https://cdn/log.png"},
	})
	assert.Equal(t, 2, saved)

	replies, err := models.GetRepliesForFeedback(store.db, fb.ID)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Len(t, replies[0].Attachments, 2)
}
