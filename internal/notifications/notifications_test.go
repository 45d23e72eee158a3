package notifications

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"userbird-backend/internal/config"
	"userbird-backend/internal/email"
	"userbird-backend/internal/models"
	"userbird-backend/internal/replies"
	"userbird-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeEmailClient struct {
	mu   sync.Mutex
	sent []*email.Message
	err  error
}

func (f *fakeEmailClient) Send(ctx context.Context, msg *email.Message) (*email.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return &email.SendResult{MessageID: msg.Header("Message-ID"), ProviderID: "prov-1"}, nil
}

func (f *fakeEmailClient) SendAsync(msg *email.Message) {
	_, _ = f.Send(context.Background(), msg)
}

func (f *fakeEmailClient) messages() []*email.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*email.Message(nil), f.sent...)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Mail.DefaultSender = "Userbird <notifications@userbird.co>"
	cfg.Mail.InboundDomain = "userbird-mail.com"
	cfg.Mail.MessageIDDomain = "userbird.co"
	cfg.Server.DashboardURL = "https://app.userbird.co"
	return cfg
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *fakeEmailClient) {
	db := testutil.NewDB(t)
	logger := testutil.Logger()
	client := &fakeEmailClient{}
	store := replies.NewStore(db, "userbird.co", logger)
	svc := NewService(db, testConfig(), client, store, nil, NewDispatcher(logger), logger)
	return svc, db, client
}

func TestReplyNotifierThreadsReplies(t *testing.T) {
	svc, db, client := newTestService(t)
	ctx := context.Background()
	testutil.CreateForm(t, db, "form1", "owner-1")
	fb := testutil.CreateFeedback(t, db, "form1", "jane@example.com")

	first, err := svc.Replies.Send(ctx, ReplyNotificationRequest{FeedbackID: fb.ID, ReplyContent: "Looking into it"})
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Regexp(t, `^<reply-[0-9a-f-]{36}@userbird\.co>$`, first.MessageID)

	second, err := svc.Replies.Send(ctx, ReplyNotificationRequest{FeedbackID: fb.ID, ReplyContent: "Fixed now"})
	require.NoError(t, err)

	anchor := "<feedback-notification-" + fb.ID + "@userbird.co>"

	r1, err := models.GetReplyByID(db, first.ReplyID)
	require.NoError(t, err)
	assert.Equal(t, anchor, r1.InReplyTo)
	assert.Equal(t, models.DeliverySent, r1.DeliveryStatus)
	assert.Equal(t, models.SenderAdmin, r1.SenderType)
	assert.NotNil(t, r1.SentAt)

	r2, err := models.GetReplyByID(db, second.ReplyID)
	require.NoError(t, err)
	assert.Equal(t, first.MessageID, r2.InReplyTo)
	assert.Equal(t, second.MessageID, r2.MessageIDValue())

	msgs := client.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"jane@example.com"}, msgs[0].To)
	assert.Equal(t, "form1@userbird-mail.com", msgs[0].ReplyTo)
	assert.Equal(t, anchor, msgs[0].Header("In-Reply-To"))
	assert.Equal(t, anchor+" "+first.MessageID, msgs[1].Header("References"))
	assert.Contains(t, msgs[0].HTML, "thread::"+fb.ID+"::")
}

func TestReplyNotifierUsesVerifiedCustomSender(t *testing.T) {
	svc, db, client := newTestService(t)
	testutil.CreateForm(t, db, "form1", "owner-1")
	fb := testutil.CreateFeedback(t, db, "form1", "jane@example.com")
	require.NoError(t, db.Create(&models.CustomEmailSetting{
		FormID: "form1", CustomEmail: "support@acme.io", Domain: "acme.io", LocalPart: "support", Verified: true,
	}).Error)

	_, err := svc.Replies.Send(context.Background(), ReplyNotificationRequest{FeedbackID: fb.ID, ReplyContent: "hi"})
	require.NoError(t, err)

	msgs := client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, `"Test form" <support@acme.io>`, msgs[0].From)
	assert.Equal(t, "support@acme.io", msgs[0].ReplyTo)
}

func TestReplyNotifierMarksFailed(t *testing.T) {
	svc, db, client := newTestService(t)
	client.err = errors.New("provider down")
	testutil.CreateForm(t, db, "form1", "owner-1")
	fb := testutil.CreateFeedback(t, db, "form1", "jane@example.com")

	_, err := svc.Replies.Send(context.Background(), ReplyNotificationRequest{FeedbackID: fb.ID, ReplyContent: "hi"})
	require.ErrorIs(t, err, ErrDeliveryFailed)

	var stored models.FeedbackReply
	require.NoError(t, db.Where("feedback_id = ?", fb.ID).First(&stored).Error)
	assert.Equal(t, models.DeliveryFailed, stored.DeliveryStatus)
	assert.Equal(t, "provider down", stored.DeliveryError)
	assert.Nil(t, stored.MessageID)

	// a failed reply can be resent
	client.err = nil
	res, err := svc.Replies.Send(context.Background(), ReplyNotificationRequest{FeedbackID: fb.ID, ReplyID: stored.ID})
	require.NoError(t, err)
	assert.Equal(t, stored.ID, res.ReplyID)
	assert.Len(t, client.messages(), 1)
}

func TestReplyNotifierErrors(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	testutil.CreateForm(t, db, "form1", "owner-1")
	anonymous := testutil.CreateFeedback(t, db, "form1", "")
	fb := testutil.CreateFeedback(t, db, "form1", "jane@example.com")

	_, err := svc.Replies.Send(ctx, ReplyNotificationRequest{FeedbackID: "00000000-0000-0000-0000-000000000000"})
	assert.ErrorIs(t, err, ErrFeedbackNotFound)

	_, err = svc.Replies.Send(ctx, ReplyNotificationRequest{FeedbackID: anonymous.ID, ReplyContent: "hi"})
	assert.ErrorIs(t, err, ErrNoRecipient)

	_, err = svc.Replies.Send(ctx, ReplyNotificationRequest{FeedbackID: fb.ID, ReplyID: "missing"})
	assert.ErrorIs(t, err, ErrReplyNotFound)
}

func TestReplyNotifierSkipsAlreadySent(t *testing.T) {
	svc, db, client := newTestService(t)
	ctx := context.Background()
	testutil.CreateForm(t, db, "form1", "owner-1")
	fb := testutil.CreateFeedback(t, db, "form1", "jane@example.com")

	res, err := svc.Replies.Send(ctx, ReplyNotificationRequest{FeedbackID: fb.ID, ReplyContent: "hi"})
	require.NoError(t, err)

	again, err := svc.Replies.Send(ctx, ReplyNotificationRequest{FeedbackID: fb.ID, ReplyID: res.ReplyID})
	require.NoError(t, err)
	assert.Equal(t, res.MessageID, again.MessageID)
	assert.Len(t, client.messages(), 1)
}

func TestFeedbackCreatedSendsEmails(t *testing.T) {
	svc, db, client := newTestService(t)
	form := testutil.CreateForm(t, db, "form1", "owner-1")
	fb := testutil.CreateFeedback(t, db, form.ID, "jane@example.com")

	svc.FeedbackCreated(fb)
	svc.dispatcher.Wait()

	msgs := client.messages()
	require.Len(t, msgs, 2)

	byTo := map[string]*email.Message{}
	for _, m := range msgs {
		byTo[m.To[0]] = m
	}

	admin := byTo["owner@example.com"]
	require.NotNil(t, admin)
	assert.Equal(t, "<feedback-"+fb.ID+"@userbird.co>", admin.Header("Message-ID"))
	assert.Equal(t, "Feedback submitted by jane@example.com", admin.Subject)
	assert.Equal(t, "jane@example.com", admin.ReplyTo)

	confirmation := byTo["jane@example.com"]
	require.NotNil(t, confirmation)
	assert.Equal(t, "<feedback-notification-"+fb.ID+"@userbird.co>", confirmation.Header("Message-ID"))
	assert.Equal(t, "form1@userbird-mail.com", confirmation.ReplyTo)
}

func TestSlackNotifierPostsIntoThread(t *testing.T) {
	var mu sync.Mutex
	var posts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		posts = append(posts, r.URL.Path+"|"+r.Form.Get("channel")+"|"+r.Form.Get("thread_ts"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer srv.Close()

	raw := make([]byte, 32)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	key := base64.StdEncoding.EncodeToString(raw)

	db := testutil.NewDB(t)
	form := testutil.CreateForm(t, db, "form1", "owner-1")
	fb := testutil.CreateFeedback(t, db, form.ID, "jane@example.com")
	token, err := models.EncryptSecret("xoxb-test", key)
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.SlackIntegration{FormID: form.ID, ChannelID: "C123", BotAccessToken: token}).Error)

	notifier := NewSlackNotifier(db, key, testutil.Logger()).WithAPIURL(srv.URL + "/")
	ctx := context.Background()

	require.NoError(t, notifier.PostFeedback(ctx, fb, form))
	stored, err := models.GetFeedbackByID(db, fb.ID)
	require.NoError(t, err)
	assert.Equal(t, "1700000000.000100", stored.MetaString("slack_thread_ts"))
	assert.Equal(t, "C123", stored.MetaString("slack_channel"))

	reply := &models.FeedbackReply{FeedbackID: fb.ID, HTMLContent: "<p>Still broken</p>"}
	require.NoError(t, notifier.PostReply(ctx, stored, reply))

	require.Len(t, posts, 2)
	assert.True(t, strings.HasSuffix(posts[0], "|C123|"))
	assert.Equal(t, "/chat.postMessage|C123|1700000000.000100", posts[1])
}

func TestSlackNotifierWithoutIntegration(t *testing.T) {
	db := testutil.NewDB(t)
	form := testutil.CreateForm(t, db, "form1", "owner-1")
	fb := testutil.CreateFeedback(t, db, form.ID, "jane@example.com")

	notifier := NewSlackNotifier(db, "", testutil.Logger())
	assert.NoError(t, notifier.PostFeedback(context.Background(), fb, form))
	assert.NoError(t, notifier.PostReply(context.Background(), fb, &models.FeedbackReply{}))
}

func TestDispatcherRecoversPanics(t *testing.T) {
	d := NewDispatcher(testutil.Logger())
	ran := false
	d.Go("panics", func(ctx context.Context) error { panic("boom") })
	d.Go("fails", func(ctx context.Context) error { return errors.New("nope") })
	d.Go("works", func(ctx context.Context) error { ran = true; return nil })
	d.Wait()
	assert.True(t, ran)
}

func TestDispatcherRefusesTasksAfterClose(t *testing.T) {
	d := NewDispatcher(testutil.Logger())
	release := make(chan struct{})
	finished := false
	assert.True(t, d.Go("slow", func(ctx context.Context) error {
		<-release
		finished = true
		return nil
	}))

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()

	// Close marks the dispatcher before it blocks on running tasks
	assert.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.closed
	}, time.Second, 5*time.Millisecond)

	assert.False(t, d.Go("late", func(ctx context.Context) error {
		t.Error("task ran after Close")
		return nil
	}))

	close(release)
	<-closed
	assert.True(t, finished)
}

func TestLivePublisherWithoutRedis(t *testing.T) {
	p := NewLivePublisher(nil)
	assert.NoError(t, p.PublishFeedback(context.Background(), &models.Feedback{ID: "f", FormID: "form1"}))
	assert.Nil(t, p.Subscribe(context.Background(), "form1"))
	assert.Equal(t, "channel-form-form1", LiveChannel("form1"))
}
