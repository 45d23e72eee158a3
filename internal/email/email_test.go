package email

import (
	"context"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() echo.Logger {
	e := echo.New()
	e.Logger.SetLevel(log.OFF)
	return e.Logger
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"paragraphs", "<p>Hello</p><p>World</p>", "Hello\n\nWorld"},
		{"line breaks", "one<br>two<br/>three", "one\ntwo\nthree"},
		{"links keep target", `<p>See <a href="https://userbird.co/docs">the docs</a></p>`, "See the docs (https://userbird.co/docs)"},
		{"scripts dropped", "<style>p{color:red}</style><p>Visible</p><script>alert(1)</script>", "Visible"},
		{"entities decoded", "<p>Tom &amp; Jerry</p>", "Tom & Jerry"},
		{"lists", "<ul><li>a</li><li>b</li></ul>", "- a\n- b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTMLToText(tt.in))
		})
	}
}

func TestRenderReplyCarriesThreadMarker(t *testing.T) {
	subject, body, err := RenderReply(ReplyEmailData{
		FeedbackID: "7f1c2a7e-2c55-4a0e-8f7e-4b0fb0e1a111",
		FormName:   "Acme <App>",
		Text:       "Fixed in 1.2\nThanks!",
	})
	require.NoError(t, err)

	assert.Equal(t, "Re: Your feedback", subject)
	assert.Contains(t, body, "thread::7f1c2a7e-2c55-4a0e-8f7e-4b0fb0e1a111::")
	assert.Contains(t, body, "Fixed in 1.2<br>Thanks!")
	assert.Contains(t, body, "Acme &lt;App&gt;")
	assert.Contains(t, HTMLToText(body), "thread::7f1c2a7e-2c55-4a0e-8f7e-4b0fb0e1a111::")
}

func TestRenderNewFeedbackSubject(t *testing.T) {
	subject, body, err := RenderNewFeedback(NewFeedbackEmailData{
		FeedbackID: "f1",
		FormName:   "Acme",
		UserEmail:  "alice@example.com",
		Message:    "<b>broken</b>",
	})
	require.NoError(t, err)
	assert.Equal(t, "Feedback submitted by alice@example.com", subject)
	assert.Contains(t, body, "&lt;b&gt;broken&lt;/b&gt;")
	assert.False(t, strings.Contains(body, "{"), "all placeholders replaced")
}

func TestMessageHeaders(t *testing.T) {
	msg := &Message{}
	msg.SetHeader("Message-ID", "<a@b>")
	msg.SetHeader("In-Reply-To", "")

	assert.Equal(t, "<a@b>", msg.Header("message-id"))
	assert.Len(t, msg.Headers, 1)
}

func TestNoopEmailClientKeepsMessageID(t *testing.T) {
	c := NewNoopEmailClient(quietLogger())
	msg := &Message{To: []string{"a@example.com"}, Subject: "hi"}
	msg.SetHeader("Message-ID", "reply-1@userbird.co")

	res, err := c.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "<reply-1@userbird.co>", res.MessageID)
}
