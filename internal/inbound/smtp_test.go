package inbound

import (
	"bytes"
	"testing"

	"userbird-backend/internal/testutil"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPDataProcessesOnceForAllRecipients(t *testing.T) {
	p, _, _, notifier := newTestProcessor(t)
	session := &smtpSession{backend: NewSMTPBackend(p, testutil.Logger())}

	require.NoError(t, session.Mail("bob@example.com", nil))
	require.NoError(t, session.Rcpt("team@acme.io", nil))
	require.NoError(t, session.Rcpt("Form1@userbird-mail.com", nil))

	// Bcc delivery: the form address only appears in the envelope
	raw := crlf("From: Bob <bob@example.com>\nTo: team@acme.io\nSubject: Idea\nMessage-ID: <smtp-1@example.com>\n\nPlease add dark mode\n")
	require.NoError(t, session.Data(bytes.NewReader(raw)))

	assert.Len(t, notifier.created, 1)
}

func TestSMTPDataRejectsUnroutableMail(t *testing.T) {
	p, _, _, _ := newTestProcessor(t)
	session := &smtpSession{backend: NewSMTPBackend(p, testutil.Logger())}

	require.NoError(t, session.Mail("bob@example.com", nil))
	require.NoError(t, session.Rcpt("nobody@example.com", nil))

	err := session.Data(bytes.NewReader(crlf("From: bob@example.com\nTo: nobody@example.com\nSubject: hi\n\nhello\n")))
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 550, smtpErr.Code)
}
