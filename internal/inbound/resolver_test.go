package inbound

import (
	"context"
	"errors"
	"testing"

	"userbird-backend/internal/models"
	"userbird-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestResolver(t *testing.T) (*Resolver, *gorm.DB) {
	db := testutil.NewDB(t)
	testutil.CreateForm(t, db, "abc123", "owner-1")
	return NewResolver(db, "userbird-mail.com", testutil.Logger()), db
}

func TestResolveHeaderOutranksBodyUUID(t *testing.T) {
	r, db := newTestResolver(t)
	a := testutil.CreateFeedback(t, db, "abc123", "a@example.com")
	b := testutil.CreateFeedback(t, db, "abc123", "b@example.com")

	res, err := r.Resolve(context.Background(), &Message{
		InReplyTo: "<feedback-" + a.ID + "@userbird.co>",
		Text:      "quoting feedback " + b.ID,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, res.FeedbackID)
	assert.Equal(t, "in-reply-to", res.Strategy)
}

func TestResolveStrategies(t *testing.T) {
	r, db := newTestResolver(t)
	fb := testutil.CreateFeedback(t, db, "abc123", "alice@example.com")
	ctx := context.Background()

	reply := &models.FeedbackReply{FeedbackID: fb.ID, SenderType: models.SenderAdmin}
	sentID := "<reply-sent@userbird.co>"
	reply.MessageID = &sentID
	require.NoError(t, db.Create(reply).Error)

	tests := []struct {
		name     string
		msg      *Message
		strategy string
	}{
		{
			name:     "notification anchor in In-Reply-To",
			msg:      &Message{InReplyTo: "<feedback-notification-" + fb.ID + "@userbird.co>"},
			strategy: "in-reply-to",
		},
		{
			name:     "references only",
			msg:      &Message{References: []string{"<x@y>", "<feedback-" + fb.ID + "@userbird.co>"}},
			strategy: "references",
		},
		{
			name:     "thread marker in subject",
			msg:      &Message{Subject: "Fwd: thread::" + fb.ID + "::"},
			strategy: "thread-marker",
		},
		{
			name:     "thread marker in body",
			msg:      &Message{Text: "> old mail\n> thread::" + fb.ID + "::"},
			strategy: "thread-marker",
		},
		{
			name:     "uuid in quoted body",
			msg:      &Message{HTML: "<blockquote>ref " + fb.ID + "</blockquote>"},
			strategy: "body-uuid",
		},
		{
			name:     "subject and sender",
			msg:      &Message{Subject: "Re: Feedback submitted by alice@example.com"},
			strategy: "subject-sender",
		},
		{
			name:     "reply to a sent message",
			msg:      &Message{InReplyTo: sentID},
			strategy: "message-id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(ctx, tt.msg, nil)
			require.NoError(t, err)
			assert.Equal(t, fb.ID, res.FeedbackID)
			assert.Equal(t, tt.strategy, res.Strategy)
			assert.False(t, res.Created)
		})
	}
}

func TestResolveBodyUUIDSkipsUnknownIDs(t *testing.T) {
	r, db := newTestResolver(t)
	fb := testutil.CreateFeedback(t, db, "abc123", "a@example.com")

	res, err := r.Resolve(context.Background(), &Message{
		Text: "order 11111111-2222-3333-4444-555555555555 and feedback " + fb.ID,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, fb.ID, res.FeedbackID)
}

func TestResolveCreatesFeedbackForFormAddress(t *testing.T) {
	r, db := newTestResolver(t)

	res, err := r.Resolve(context.Background(), &Message{
		From:     "new@example.com",
		FromName: "New User",
		To:       []string{"abc123@userbird-mail.com"},
		Subject:  "Bug report",
		Text:     "The page is blank",
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "abc123", res.FormID)

	fb, err := models.GetFeedbackByID(db, res.FeedbackID)
	require.NoError(t, err)
	require.NotNil(t, fb)
	assert.Equal(t, "abc123", fb.FormID)
	assert.Equal(t, "new@example.com", fb.UserEmail)
	assert.Equal(t, "The page is blank", fb.Message)

	var replyCount int64
	require.NoError(t, db.Model(&models.FeedbackReply{}).Count(&replyCount).Error)
	assert.Zero(t, replyCount)
}

func TestResolveRecentSenderFeedback(t *testing.T) {
	r, db := newTestResolver(t)
	fb := testutil.CreateFeedback(t, db, "abc123", "jane@example.com")

	res, err := r.Resolve(context.Background(), &Message{
		From: "Jane@Example.com",
		To:   []string{"abc123@userbird-mail.com"},
		Text: "one more thing",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, fb.ID, res.FeedbackID)
	assert.Equal(t, "recent-sender-feedback", res.Strategy)
}

func TestFormFromRecipients(t *testing.T) {
	r, db := newTestResolver(t)
	testutil.CreateForm(t, db, "form2", "owner-2")
	testutil.CreateForm(t, db, "form3", "owner-3")

	require.NoError(t, db.Create(&models.CustomEmailSetting{
		FormID: "form2", CustomEmail: "support@acme.com", Domain: "acme.com", LocalPart: "support", Verified: true,
	}).Error)
	require.NoError(t, db.Create(&models.CustomEmailSetting{
		FormID: "form3", CustomEmail: "help@globex.com", Domain: "globex.com", LocalPart: "help",
	}).Error)

	ctx := context.Background()
	tests := []struct {
		to   string
		form string
	}{
		{"abc123@userbird-mail.com", "abc123"},
		{"missing@userbird-mail.com", ""},
		{"Support@Acme.com", "form2"},
		{"help@globex.com", ""},
		{"help@globex.com.userbird-mail.com", "form3"},
		{"someone@elsewhere.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.to, func(t *testing.T) {
			form, err := r.FormFromRecipients(ctx, []string{tt.to})
			require.NoError(t, err)
			assert.Equal(t, tt.form, form)
		})
	}
}

func TestResolveWithoutFormFails(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve(context.Background(), &Message{From: "x@example.com", To: []string{"nobody@example.com"}}, nil)
	assert.ErrorIs(t, err, ErrNoFeedback)
}

func TestResolveDomainNotFound(t *testing.T) {
	r, db := newTestResolver(t)
	require.NoError(t, db.Create(&models.CustomEmailSetting{
		FormID: "abc123", CustomEmail: "support@acme.com", Domain: "acme.com", LocalPart: "support",
	}).Error)

	_, err := r.Resolve(context.Background(), &Message{To: []string{"support@acme.com"}}, &Payload{
		SpamReport: "Domain not found",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDomainNotFound))
	assert.Contains(t, err.Error(), "acme.com")
}

type stubStrategy struct {
	name string
	id   string
	err  error
}

func (s stubStrategy) Name() string { return s.name }

func (s stubStrategy) Attempt(context.Context, *Message) (string, bool, error) {
	return s.id, s.id != "", s.err
}

func TestResolverChainOrderAndErrors(t *testing.T) {
	r, _ := newTestResolver(t)
	r.WithStrategies(
		stubStrategy{name: "broken", err: errors.New("db down")},
		stubStrategy{name: "empty"},
		stubStrategy{name: "first", id: "id-1"},
		stubStrategy{name: "second", id: "id-2"},
	)

	res, err := r.Resolve(context.Background(), &Message{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "id-1", res.FeedbackID)
	assert.Equal(t, "first", res.Strategy)
}
