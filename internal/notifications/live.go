package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"userbird-backend/internal/models"

	"github.com/redis/go-redis/v9"
)

// LiveChannel is the Redis pub/sub channel dashboards of a form listen on.
func LiveChannel(formID string) string {
	return fmt.Sprintf("channel-form-%s", formID)
}

// LiveEvent is what dashboards receive over their websocket.
type LiveEvent struct {
	Type       string                `json:"type"`
	FormID     string                `json:"formId"`
	FeedbackID string                `json:"feedbackId"`
	Feedback   *models.Feedback      `json:"feedback,omitempty"`
	Reply      *models.FeedbackReply `json:"reply,omitempty"`
	SentAt     time.Time             `json:"sentAt"`
}

// LivePublisher fans feedback activity out to connected dashboards.
// A nil Redis client turns every call into a no-op.
type LivePublisher struct {
	redis *redis.Client
}

func NewLivePublisher(redisClient *redis.Client) *LivePublisher {
	return &LivePublisher{redis: redisClient}
}

func (p *LivePublisher) PublishReply(ctx context.Context, feedback *models.Feedback, reply *models.FeedbackReply) error {
	return p.publish(ctx, LiveEvent{
		Type:       "reply",
		FormID:     feedback.FormID,
		FeedbackID: feedback.ID,
		Reply:      reply,
	})
}

func (p *LivePublisher) PublishFeedback(ctx context.Context, feedback *models.Feedback) error {
	return p.publish(ctx, LiveEvent{
		Type:       "feedback",
		FormID:     feedback.FormID,
		FeedbackID: feedback.ID,
		Feedback:   feedback,
	})
}

// Subscribe returns a subscription on the form's live channel, or nil when
// Redis is not configured.
func (p *LivePublisher) Subscribe(ctx context.Context, formID string) *redis.PubSub {
	if p == nil || p.redis == nil {
		return nil
	}
	return p.redis.Subscribe(ctx, LiveChannel(formID))
}

func (p *LivePublisher) publish(ctx context.Context, event LiveEvent) error {
	if p == nil || p.redis == nil {
		return nil
	}
	event.SentAt = time.Now().UTC()
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.redis.Publish(ctx, LiveChannel(event.FormID), payload).Err()
}
