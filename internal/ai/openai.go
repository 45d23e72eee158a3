// Package ai drafts reply suggestions for form owners.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"userbird-backend/internal/email"
	"userbird-backend/internal/models"

	"github.com/tidwall/gjson"
)

const (
	openAIBaseURL  = "https://api.openai.com/v1"
	draftTimeout   = 30 * time.Second
	maxHistoryRune = 2000
)

var ErrNotConfigured = errors.New("reply drafting is not configured")

const systemPrompt = `You help a product team answer user feedback. Write a short, friendly reply
to the user in plain text. Do not promise dates. Do not add a signature.`

type Drafter struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewDrafter(apiKey, model string) *Drafter {
	return &Drafter{
		apiKey:  apiKey,
		model:   model,
		baseURL: openAIBaseURL,
		client:  &http.Client{Timeout: draftTimeout},
	}
}

// WithBaseURL overrides the OpenAI endpoint.
func (d *Drafter) WithBaseURL(url string) *Drafter {
	d.baseURL = strings.TrimRight(url, "/")
	return d
}

func (d *Drafter) Enabled() bool {
	return d != nil && d.apiKey != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Draft asks the model for a reply to the feedback given the conversation so far.
func (d *Drafter) Draft(ctx context.Context, feedback *models.Feedback, conversation []models.FeedbackReply) (string, error) {
	if !d.Enabled() {
		return "", ErrNotConfigured
	}

	messages := []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: "Feedback: " + clip(feedback.Message)},
	}
	for _, r := range conversation {
		role := "user"
		if r.SenderType == models.SenderAdmin {
			role = "assistant"
		}
		content := r.Content
		if content == "" {
			content = email.HTMLToText(r.HTMLContent)
		}
		if content == "" {
			continue
		}
		messages = append(messages, chatMessage{Role: role, Content: clip(content)})
	}

	payload, err := json.Marshal(map[string]interface{}{
		"model":       d.model,
		"messages":    messages,
		"temperature": 0.4,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("openai returned %d: %s", resp.StatusCode, msg)
	}

	draft := strings.TrimSpace(gjson.GetBytes(body, "choices.0.message.content").String())
	if draft == "" {
		return "", errors.New("openai returned an empty draft")
	}
	return draft, nil
}

func clip(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) > maxHistoryRune {
		return string(r[:maxHistoryRune])
	}
	return string(r)
}
