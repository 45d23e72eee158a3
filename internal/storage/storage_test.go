package storage

import (
	"context"
	"testing"

	"userbird-backend/internal/config"
	"userbird-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicURL(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.URL = "https://abc.supabase.co/storage/v1/s3"
	cfg.Storage.Region = "us-east-1"
	cfg.Storage.AccessKey = "key"
	cfg.Storage.SecretKey = "secret"
	cfg.Storage.Bucket = "feedback-attachments"

	s, err := NewS3Storage(context.Background(), cfg, testutil.Logger())
	require.NoError(t, err)

	assert.Equal(t,
		"https://abc.supabase.co/storage/v1/object/public/feedback-attachments/feedback-replies/f1/f1_my%20shot.png",
		s.PublicURL("feedback-replies/f1/f1_my shot.png"),
	)
}

func TestPublicURLExplicitBase(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.URL = "http://localhost:9000"
	cfg.Storage.Region = "us-east-1"
	cfg.Storage.Bucket = "attachments"
	cfg.Storage.PublicURLBase = "https://cdn.example.com/"

	s, err := NewS3Storage(context.Background(), cfg, testutil.Logger())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/attachments/a/b.png", s.PublicURL("a/b.png"))
}
