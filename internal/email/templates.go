package email

import (
	"embed"
	"fmt"
	"html"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

// ThreadMarker is the hidden token that lets forwarded replies be matched
// to their feedback when every threading header was stripped.
func ThreadMarker(feedbackID string) string {
	return fmt.Sprintf("thread::%s::", feedbackID)
}

func render(name string, replacements ...string) (string, error) {
	b, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		return "", fmt.Errorf("reading email template %s: %w", name, err)
	}
	return strings.NewReplacer(replacements...).Replace(string(b)), nil
}

// textToHTML escapes plain text and keeps its line breaks.
func textToHTML(s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br>")
}

type ReplyEmailData struct {
	FeedbackID string
	FormName   string
	// Trusted HTML written by the form owner; Text is used when it is empty
	HTML string
	Text string
}

// RenderReply is the email a user gets when the form owner answers.
func RenderReply(d ReplyEmailData) (subject, body string, err error) {
	content := d.HTML
	if content == "" {
		content = textToHTML(d.Text)
	}
	body, err = render("feedback-reply.html",
		"{reply_html}", content,
		"{form_name}", html.EscapeString(d.FormName),
		"{thread_marker}", ThreadMarker(d.FeedbackID),
	)
	return "Re: Your feedback", body, err
}

type NewFeedbackEmailData struct {
	FeedbackID   string
	FormName     string
	UserEmail    string
	UserName     string
	Message      string
	DashboardURL string
}

// RenderNewFeedback is the admin notification for a new feedback. Its
// subject is what the subject-sender resolution matches on replies.
func RenderNewFeedback(d NewFeedbackEmailData) (subject, body string, err error) {
	sender := d.UserEmail
	if sender == "" {
		sender = "anonymous"
	}
	name := d.UserName
	if name == "" {
		name = sender
	}
	body, err = render("feedback-new.html",
		"{form_name}", html.EscapeString(d.FormName),
		"{user_name}", html.EscapeString(name),
		"{user_email}", html.EscapeString(sender),
		"{message}", textToHTML(d.Message),
		"{dashboard_url}", d.DashboardURL,
		"{thread_marker}", ThreadMarker(d.FeedbackID),
	)
	return "Feedback submitted by " + sender, body, err
}

type ConfirmationEmailData struct {
	FeedbackID string
	FormName   string
	Message    string
}

// RenderConfirmation is sent to the submitter; its Message-ID is the anchor
// every later reply threads onto.
func RenderConfirmation(d ConfirmationEmailData) (subject, body string, err error) {
	body, err = render("feedback-confirmation.html",
		"{form_name}", html.EscapeString(d.FormName),
		"{message}", textToHTML(d.Message),
		"{thread_marker}", ThreadMarker(d.FeedbackID),
	)
	return "We received your feedback", body, err
}

type UserReplyEmailData struct {
	FormName     string
	UserEmail    string
	HTML         string
	Text         string
	DashboardURL string
}

// RenderUserReply tells the form owner that a user answered by email.
func RenderUserReply(d UserReplyEmailData) (subject, body string, err error) {
	content := d.HTML
	if content == "" {
		content = textToHTML(d.Text)
	}
	body, err = render("feedback-user-reply.html",
		"{user_email}", html.EscapeString(d.UserEmail),
		"{form_name}", html.EscapeString(d.FormName),
		"{reply_html}", content,
		"{dashboard_url}", d.DashboardURL,
	)
	return "New reply from " + d.UserEmail, body, err
}
