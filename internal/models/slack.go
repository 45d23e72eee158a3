package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// SlackIntegration links a form to a Slack channel. New feedback is posted to
// ChannelID and admin answers in the resulting thread flow back as replies.
type SlackIntegration struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	FormID         string    `json:"form_id" gorm:"uniqueIndex;not null"`
	SlackTeamID    string    `json:"slack_team_id" gorm:"index"`
	ChannelID      string    `json:"channel_id" gorm:"not null"`
	BotAccessToken string    `json:"-" gorm:"not null"` // Encrypted at rest
	BotUserID      string    `json:"bot_user_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GetSlackIntegrationByFormID returns nil, nil when the form has no Slack integration.
func GetSlackIntegrationByFormID(db *gorm.DB, formID string) (*SlackIntegration, error) {
	var integration SlackIntegration
	result := db.Where("form_id = ?", formID).First(&integration)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &integration, nil
}

// GetSlackIntegrationsByChannel lists integrations posting into a Slack channel.
func GetSlackIntegrationsByChannel(db *gorm.DB, slackTeamID, channelID string) ([]SlackIntegration, error) {
	var integrations []SlackIntegration
	q := db.Where("channel_id = ?", channelID)
	if slackTeamID != "" {
		q = q.Where("slack_team_id = ? OR slack_team_id = ''", slackTeamID)
	}
	err := q.Find(&integrations).Error
	return integrations, err
}
