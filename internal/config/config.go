package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server struct {
		Port string
		Host string
		TLS  struct {
			Enabled  bool
			CertFile string
			KeyFile  string
		}
		DeployDomain string
		DashboardURL string
		Debug        bool
	}
	Auth struct {
		JWTSecret string
		// Shared secret for service-to-service calls (reply notification trigger)
		InternalToken string
	}
	Database struct {
		DSN      string
		RedisURI string
	}
	Mail struct {
		Provider      string // "resend" or "mailgun"
		DefaultSender string
		// Domain used on the right-hand side of every Message-ID we generate
		MessageIDDomain string
		// Platform inbound domain, e.g. {formId}@userbird-mail.com
		InboundDomain string
		// CNAME target for the userbird.domainkey delegation record
		DKIMTarget string
		// CNAME target for the mail subdomain of custom domains
		BulkMailDomain string
		// AES-256 key (base64) for DKIM private keys at rest
		DKIMEncryptionKey string
	}
	Resend struct {
		APIKey string
	}
	Mailgun struct {
		APIKey string
		Domain string
	}
	Inbound struct {
		WebhookUser         string
		WebhookPasswordHash string
		SMTPAddr            string
		MaxMessageBytes     int64
	}
	Storage struct {
		URL           string
		Region        string
		AccessKey     string
		SecretKey     string
		Bucket        string
		PublicURLBase string
	}
	Slack struct {
		SigningSecret      string
		TokenEncryptionKey string
	}
	OpenAI struct {
		APIKey string
		Model  string
	}
	Sentry struct {
		DSN string
	}
	DNSCheck struct {
		Enabled   bool
		BatchSize int
		Interval  time.Duration
	}
}

func Load() (*Config, error) {

	envStack := os.Getenv("ENV_STACK")

	if envStack != "" {
		filePath := "./env-files/.env." + envStack
		err := godotenv.Load(
			filePath)
		if err != nil {
			fmt.Printf("Error loading .env file: %s\n", err)
		}

		// Load internal one, from maintainer's team to avoid pushing to git
		internalFilePath := "./env-files/.env.internal"
		err = godotenv.Load(internalFilePath)
		if err != nil {
			fmt.Printf("Error loading .env.internal file: %s\n", err)
		}
	}

	c := &Config{}

	c.Server.Port = getEnv("SERVER_PORT", "1926")
	c.Server.Host = getEnv("SERVER_HOST", "localhost")
	c.Server.DeployDomain = getEnv("DEPLOY_DOMAIN", c.Server.Host+":"+c.Server.Port)
	c.Server.DashboardURL = strings.TrimRight(getEnv("DASHBOARD_URL", "https://app.userbird.co"), "/")
	c.Server.Debug = os.Getenv("ENABLE_DEBUG_ENDPOINTS") == "true"

	// TLS Configuration
	useTLS := os.Getenv("USE_TLS")
	c.Server.TLS.Enabled = useTLS != "false" && useTLS != "0"
	c.Server.TLS.CertFile = "./certs/localhost.pem"
	c.Server.TLS.KeyFile = "./certs/localhost-key.pem"

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.InternalToken = os.Getenv("INTERNAL_API_TOKEN")

	c.Database.DSN = os.Getenv("DATABASE_DSN")
	c.Database.RedisURI = os.Getenv("REDIS_URI")

	c.Mail.Provider = strings.ToLower(getEnv("MAIL_PROVIDER", "resend"))
	c.Mail.DefaultSender = getEnv("MAIL_DEFAULT_SENDER", "Userbird <notifications@userbird.co>")
	c.Mail.MessageIDDomain = getEnv("MAIL_MESSAGE_ID_DOMAIN", "userbird.co")
	c.Mail.InboundDomain = getEnv("INBOUND_MAIL_DOMAIN", "userbird-mail.com")
	c.Mail.DKIMTarget = getEnv("DKIM_CNAME_TARGET", "dkim.userbird-mail.com")
	c.Mail.BulkMailDomain = getEnv("BULK_MAIL_DOMAIN", "bulk.userbird-mail.com")

	if c.Mail.Provider != "resend" && c.Mail.Provider != "mailgun" {
		return c, fmt.Errorf("MAIL_PROVIDER must be 'resend' or 'mailgun', got: %s", c.Mail.Provider)
	}

	c.Resend.APIKey = os.Getenv("RESEND_API_KEY")

	c.Mailgun.APIKey = os.Getenv("MAILGUN_API_KEY")
	c.Mailgun.Domain = os.Getenv("MAILGUN_DOMAIN")
	if c.Mail.Provider == "mailgun" && c.Mailgun.APIKey != "" && c.Mailgun.Domain == "" {
		return c, fmt.Errorf("MAILGUN_DOMAIN environment variable is required when MAILGUN_API_KEY is set")
	}

	c.Inbound.WebhookUser = os.Getenv("INBOUND_WEBHOOK_USER")
	c.Inbound.WebhookPasswordHash = os.Getenv("INBOUND_WEBHOOK_PASSWORD_HASH")
	c.Inbound.SMTPAddr = getEnv("INBOUND_SMTP_ADDR", ":2525")
	maxBytes, err := strconv.ParseInt(getEnv("INBOUND_MAX_MESSAGE_BYTES", "26214400"), 10, 64)
	if err != nil {
		return c, fmt.Errorf("invalid INBOUND_MAX_MESSAGE_BYTES: %w", err)
	}
	c.Inbound.MaxMessageBytes = maxBytes

	// Supabase Storage through its S3-compatible endpoint
	c.Storage.URL = os.Getenv("STORAGE_S3_URL")
	c.Storage.Region = getEnv("STORAGE_S3_REGION", "us-east-1")
	c.Storage.AccessKey = os.Getenv("STORAGE_S3_ACCESS_KEY")
	c.Storage.SecretKey = os.Getenv("STORAGE_S3_SECRET_KEY")
	c.Storage.Bucket = getEnv("STORAGE_BUCKET", "feedback-attachments")
	c.Storage.PublicURLBase = os.Getenv("STORAGE_PUBLIC_URL")

	c.Slack.SigningSecret = os.Getenv("SLACK_SIGNING_SECRET")
	c.Slack.TokenEncryptionKey = os.Getenv("SLACK_TOKEN_ENCRYPTION_KEY")
	c.Mail.DKIMEncryptionKey = getEnv("DKIM_KEY_ENCRYPTION_KEY", c.Slack.TokenEncryptionKey)

	c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenAI.Model = getEnv("OPENAI_MODEL", "gpt-4o-mini")

	c.Sentry.DSN = os.Getenv("SENTRY_DSN")

	c.DNSCheck.Enabled = os.Getenv("DNS_CHECK_DISABLED") != "true"
	c.DNSCheck.BatchSize, err = strconv.Atoi(getEnv("DNS_CHECK_BATCH_SIZE", "50"))
	if err != nil {
		return c, fmt.Errorf("invalid DNS_CHECK_BATCH_SIZE: %w", err)
	}
	c.DNSCheck.Interval, err = time.ParseDuration(getEnv("DNS_CHECK_INTERVAL", "6h"))
	if err != nil {
		return c, fmt.Errorf("invalid DNS_CHECK_INTERVAL: %w", err)
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
