// Package inbound turns inbound emails into feedback replies: it parses the
// webhook or SMTP payload, resolves the feedback conversation, rehosts
// attachments and stores the reply.
package inbound

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	netmail "net/mail"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/tidwall/gjson"
	htmlcharset "golang.org/x/net/html/charset"
)

const (
	maxBodyBytes       = 2 * 1024 * 1024
	maxAttachmentBytes = 25 * 1024 * 1024
)

var ErrEmptyPayload = errors.New("no email content in request")

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Payload is the webhook body reduced to the raw RFC-2822 message plus the
// envelope fields some providers post next to it.
type Payload struct {
	Raw        []byte
	To         string
	From       string
	Subject    string
	SpamReport string
}

// Attachment is a MIME part that is not one of the message bodies.
type Attachment struct {
	Filename    string
	ContentType string
	// Without angle brackets
	ContentID string
	Inline    bool
	Data      []byte
}

// Message is a parsed inbound email.
type Message struct {
	From        string
	FromName    string
	To          []string
	Subject     string
	MessageID   string
	InReplyTo   string
	References  []string
	Text        string
	HTML        string
	Attachments []Attachment
}

// Body returns the HTML body when present, otherwise the text body.
func (m *Message) Body() string {
	if strings.TrimSpace(m.HTML) != "" {
		return m.HTML
	}
	return m.Text
}

// ExtractRawEmail pulls the raw message out of a webhook request body.
// multipart/form-data and JSON bodies carry it in an "email" or "text"
// field; anything else is taken as the raw message itself.
func ExtractRawEmail(contentType string, body []byte) (*Payload, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	var p *Payload
	switch {
	case mediaType == "multipart/form-data":
		p, err = extractMultipart(contentType, body)
		if err != nil {
			return nil, err
		}
	case mediaType == "application/json" || (mediaType == "" && gjson.ValidBytes(body) && bytes.HasPrefix(bytes.TrimSpace(body), []byte("{"))):
		p = extractJSON(body)
	default:
		p = &Payload{Raw: body}
	}

	if len(bytes.TrimSpace(p.Raw)) == 0 {
		return nil, ErrEmptyPayload
	}
	return p, nil
}

func extractJSON(body []byte) *Payload {
	raw := gjson.GetBytes(body, "email")
	if !raw.Exists() || raw.String() == "" {
		raw = gjson.GetBytes(body, "text")
	}
	return &Payload{
		Raw:        []byte(raw.String()),
		To:         gjson.GetBytes(body, "to").String(),
		From:       gjson.GetBytes(body, "from").String(),
		Subject:    gjson.GetBytes(body, "subject").String(),
		SpamReport: gjson.GetBytes(body, "spam_report").String(),
	}
}

// extractMultipart reads the form-data fields with go-message, which
// handles any multipart entity.
func extractMultipart(contentType string, body []byte) (*Payload, error) {
	var h gomessage.Header
	h.Set("Content-Type", contentType)
	entity, err := gomessage.New(h, bytes.NewReader(body))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading multipart body: %w", err)
	}

	mr := entity.MultipartReader()
	if mr == nil {
		return nil, errors.New("multipart body without parts")
	}

	fields := map[string]string{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !(gomessage.IsUnknownCharset(err) && part != nil) {
			return nil, fmt.Errorf("reading multipart field: %w", err)
		}
		_, params, _ := part.Header.ContentDisposition()
		name := params["name"]
		if name == "" {
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part.Body, maxAttachmentBytes*2))
		if err != nil {
			return nil, fmt.Errorf("reading field %s: %w", name, err)
		}
		if _, seen := fields[name]; !seen {
			fields[name] = string(value)
		}
	}

	raw := fields["email"]
	if raw == "" {
		raw = fields["text"]
	}
	return &Payload{
		Raw:        []byte(raw),
		To:         fields["to"],
		From:       fields["from"],
		Subject:    fields["subject"],
		SpamReport: fields["spam_report"],
	}, nil
}

// ParseMessage parses a raw RFC-2822 message. When the MIME structure is
// unreadable it falls back to net/mail, and when even the headers are
// unreadable the raw input becomes the text body.
func ParseMessage(raw []byte) (*Message, error) {
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return parseLegacy(raw), nil
	}

	msg := &Message{}
	readHeader(&reader.Header, msg)

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		// an unknown charset still yields the undecoded part
		if err != nil && !(gomessage.IsUnknownCharset(err) && part != nil) {
			break
		}

		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			readInlinePart(msg, h, part.Body)
		case *gomail.AttachmentHeader:
			if att := readAttachment(&h.Header, part.Body, false); att != nil {
				if name, err := h.Filename(); err == nil && name != "" {
					att.Filename = name
				}
				msg.Attachments = append(msg.Attachments, *att)
			}
		}
	}

	if msg.Text == "" && msg.HTML == "" && len(msg.Attachments) == 0 {
		legacy := parseLegacy(raw)
		msg.Text = legacy.Text
		msg.HTML = legacy.HTML
	}
	return msg, nil
}

func readHeader(h *gomail.Header, msg *Message) {
	if list, err := h.AddressList("From"); err == nil && len(list) > 0 {
		msg.From = strings.ToLower(strings.TrimSpace(list[0].Address))
		msg.FromName = list[0].Name
	} else {
		msg.From, msg.FromName = parseAddress(h.Get("From"))
	}

	for _, key := range []string{"To", "Cc", "Delivered-To", "X-Original-To"} {
		if list, err := h.AddressList(key); err == nil {
			for _, a := range list {
				msg.To = appendUnique(msg.To, strings.ToLower(a.Address))
			}
		}
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = decodeHeader(h.Get("Subject"))
	}

	msg.MessageID = normalizeMessageID(h.Get("Message-Id"))
	msg.InReplyTo = normalizeMessageID(firstMessageID(h.Get("In-Reply-To")))
	msg.References = splitMessageIDs(h.Get("References"))
}

func readInlinePart(msg *Message, h *gomail.InlineHeader, body io.Reader) {
	mediaType, _, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)
	contentID := h.Get("Content-Id")

	switch {
	case mediaType == "text/plain" && contentID == "":
		text, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
		if err == nil && msg.Text == "" {
			msg.Text = string(text)
		}
	case mediaType == "text/html" && contentID == "":
		html, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
		if err == nil && msg.HTML == "" {
			msg.HTML = string(html)
		}
	default:
		// inline images of multipart/related bodies
		if att := readAttachment(&h.Header, body, true); att != nil {
			msg.Attachments = append(msg.Attachments, *att)
		}
	}
}

func readAttachment(h *gomessage.Header, body io.Reader, inline bool) *Attachment {
	data, err := io.ReadAll(io.LimitReader(body, maxAttachmentBytes))
	if err != nil || len(data) == 0 {
		return nil
	}

	mediaType, params, err := h.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "application/octet-stream"
	}

	disp, dispParams, _ := h.ContentDisposition()
	filename := dispParams["filename"]
	if filename == "" {
		filename = params["name"]
	}

	contentID := strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>")
	if filename == "" {
		filename = contentID
	}

	return &Attachment{
		Filename:    filename,
		ContentType: strings.ToLower(mediaType),
		ContentID:   contentID,
		Inline:      inline || contentID != "" || strings.EqualFold(disp, "inline"),
		Data:        data,
	}
}

func parseLegacy(raw []byte) *Message {
	m, err := netmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return &Message{Text: string(raw)}
	}

	msg := &Message{}
	msg.From, msg.FromName = parseAddress(m.Header.Get("From"))
	if list, err := m.Header.AddressList("To"); err == nil {
		for _, a := range list {
			msg.To = appendUnique(msg.To, strings.ToLower(a.Address))
		}
	}
	msg.Subject = decodeHeader(m.Header.Get("Subject"))
	msg.MessageID = normalizeMessageID(m.Header.Get("Message-Id"))
	msg.InReplyTo = normalizeMessageID(firstMessageID(m.Header.Get("In-Reply-To")))
	msg.References = splitMessageIDs(m.Header.Get("References"))

	body, err := io.ReadAll(io.LimitReader(m.Body, maxBodyBytes))
	if err != nil {
		return msg
	}
	mediaType, _, _ := mime.ParseMediaType(m.Header.Get("Content-Type"))
	if mediaType == "text/html" {
		msg.HTML = string(body)
	} else {
		msg.Text = string(body)
	}
	return msg
}

func parseAddress(value string) (string, string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ""
	}
	if addr, err := netmail.ParseAddress(value); err == nil {
		return strings.ToLower(addr.Address), addr.Name
	}
	if start := strings.Index(value, "<"); start >= 0 {
		if end := strings.Index(value[start:], ">"); end > 0 {
			return strings.ToLower(strings.TrimSpace(value[start+1 : start+end])), strings.Trim(strings.TrimSpace(value[:start]), `"`)
		}
	}
	return strings.ToLower(value), ""
}

func decodeHeader(value string) string {
	dec := mime.WordDecoder{CharsetReader: htmlcharset.NewReaderLabel}
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return "<" + strings.Trim(id, "<>") + ">"
}

func firstMessageID(value string) string {
	ids := splitMessageIDs(value)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// splitMessageIDs splits a References-style header into bracketed ids.
func splitMessageIDs(value string) []string {
	var ids []string
	for _, f := range strings.FieldsFunc(value, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n' || r == ','
	}) {
		if id := normalizeMessageID(f); id != "<>" {
			ids = appendUnique(ids, id)
		}
	}
	return ids
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
