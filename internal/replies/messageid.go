package replies

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Message-ID formats are a wire-level contract: threads already sitting in
// users' inboxes reference them, so they must never change.

// FeedbackMessageID is the Message-ID of the first-contact notification for a feedback.
func FeedbackMessageID(feedbackID, domain string) string {
	return fmt.Sprintf("<feedback-%s@%s>", feedbackID, domain)
}

// NotificationAnchor is the Message-ID every first reply threads onto.
func NotificationAnchor(feedbackID, domain string) string {
	return fmt.Sprintf("<feedback-notification-%s@%s>", feedbackID, domain)
}

// SyntheticMessageID is the last-resort id for replies that have none.
func SyntheticMessageID(domain string) string {
	return fmt.Sprintf("<reply-%s@%s>", uuid.NewString(), domain)
}

// NormalizeMessageID trims whitespace and wraps a bare id in angle brackets.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id = id + ">"
	}
	return id
}
