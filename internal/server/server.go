package server

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"userbird-backend/internal/ai"
	"userbird-backend/internal/common"
	"userbird-backend/internal/config"
	"userbird-backend/internal/dnsverify"
	"userbird-backend/internal/email"
	"userbird-backend/internal/handlers"
	"userbird-backend/internal/inbound"
	"userbird-backend/internal/models"
	"userbird-backend/internal/notifications"
	"userbird-backend/internal/replies"
	"userbird-backend/internal/storage"

	"github.com/emersion/go-smtp"
	"github.com/go-playground/validator"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	resend "github.com/resend/resend-go/v2"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// CustomValidator Source: https://echo.labstack.com/docs/request#validate-data
type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

type SentryLogger struct {
	echo.Logger
}

func (l *SentryLogger) Error(i ...interface{}) {
	// Capture in Sentry
	if err, ok := i[0].(error); ok {
		handlers.CaptureError(err)
	} else {
		handlers.CaptureError(fmt.Errorf("%v", i...))
	}
	// Call original logger
	l.Logger.Error(i...)
}

type Server struct {
	common.ServerState
	scheduler *dnsverify.Scheduler
}

func New(cfg *config.Config) *Server {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}
	e.Logger = &SentryLogger{Logger: e.Logger}
	e.Logger.SetLevel(log.DEBUG)

	return &Server{
		ServerState: common.ServerState{
			Echo:   e,
			Config: cfg,
		},
	}
}

// Initialize wires storage, services and routes. It does not start any
// background work; see StartScheduler.
func (s *Server) Initialize() error {
	// Initialize database
	s.setupDatabase()

	// Run Migrations
	s.runMigrations()

	s.setupRedis()

	// Initialize JWT
	s.JwtIssuer = handlers.NewJwtAuth(s.Config.Auth.JWTSecret)

	s.setupEmailClient()

	s.setupStorage()

	s.setupServices()

	// Setup routes
	s.setupRoutes()

	s.setupMetrics()

	// Setup middleware -
	// Keep last to avoid Recover middleware and panic if something goes wrong on init
	s.setupMiddleware()

	return nil
}

func (s *Server) setupDatabase() {
	dsn := s.Config.Database.DSN
	if dsn == "" {
		s.Echo.Logger.Fatal("DATABASE_DSN environment variable is required")
	}

	var db *gorm.DB
	var err error

	// Detect database driver from DSN
	// SQLite DSNs typically start with "file:"
	if strings.HasPrefix(dsn, "file:") {
		// Use SQLite driver for testing
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true, Logger: logger.Default.LogMode(logger.Silent)})
	} else {
		// Use PostgreSQL driver for production
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true, Logger: logger.Default.LogMode(logger.Silent)})
	}

	if err != nil {
		s.Echo.Logger.Fatal(err)
	}
	s.DB = db
}

func (s *Server) setupRedis() {
	url := s.Config.Database.RedisURI

	// Make Redis optional - if URI is empty, skip Redis setup
	if url == "" {
		s.Echo.Logger.Warn("REDIS_URI not configured, idempotency, locks and live updates will be disabled")
		s.Redis = nil
		return
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		s.Echo.Logger.Warnf("Failed to parse Redis URL: %v, Redis features will be disabled", err)
		s.Redis = nil
		return
	}

	s.Redis = redis.NewClient(opts)

	// Validate proper connection, but don't panic on failure
	ctx := context.Background()
	result := s.Redis.Ping(ctx)
	if result.Err() != nil {
		s.Echo.Logger.Warnf("Redis connection failed: %v, Redis features will be disabled", result.Err())
		s.Redis = nil
		return
	}
}

func (s *Server) runMigrations() {
	if err := models.AutoMigrate(s.DB); err != nil {
		s.Echo.Logger.Fatal(err)
	}
}

func (s *Server) setupEmailClient() {
	switch s.Config.Mail.Provider {
	case "mailgun":
		if s.Config.Mailgun.APIKey != "" {
			s.EmailClient = email.NewMailgunEmailClient(s.Config.Mailgun.Domain, s.Config.Mailgun.APIKey,
				s.Config.Mail.DefaultSender,
				s.Echo.Logger)
			return
		}
		s.Echo.Logger.Warn("MAILGUN_API_KEY not configured, email notifications will be disabled")
	default:
		if s.Config.Resend.APIKey != "" {
			resendClient := resend.NewClient(s.Config.Resend.APIKey)
			s.EmailClient = email.NewResendEmailClient(resendClient,
				s.Config.Mail.DefaultSender,
				s.Echo.Logger)
			return
		}
		s.Echo.Logger.Warn("RESEND_API_KEY not configured, email notifications will be disabled")
	}
	s.EmailClient = email.NewNoopEmailClient(s.Echo.Logger)
}

func (s *Server) setupStorage() {
	if s.Config.Storage.URL == "" {
		s.Echo.Logger.Warn("STORAGE_S3_URL not configured, inbound attachments will not be rehosted")
		return
	}

	st, err := storage.NewS3Storage(context.Background(), s.Config, s.Echo.Logger)
	if err != nil {
		s.Echo.Logger.Warnf("Failed to configure storage: %v, inbound attachments will not be rehosted", err)
		return
	}
	s.Storage = st
}

func (s *Server) setupServices() {
	cfg := s.Config
	lg := s.Echo.Logger

	s.Replies = replies.NewStore(s.DB, cfg.Mail.MessageIDDomain, lg)
	s.Dispatcher = notifications.NewDispatcher(lg)
	s.Notifications = notifications.NewService(s.DB, cfg, s.EmailClient, s.Replies, s.Redis, s.Dispatcher, lg)

	resolver := inbound.NewResolver(s.DB, cfg.Mail.InboundDomain, lg)
	rehoster := inbound.NewRehoster(s.Storage, lg)
	s.Inbound = inbound.NewProcessor(s.DB, resolver, rehoster, s.Replies, s.Notifications, s.Redis, lg)

	s.DNS = dnsverify.NewService(s.DB, dnsverify.ServiceOptions{
		Generator: &dnsverify.Generator{
			DKIMTarget: cfg.Mail.DKIMTarget,
			MailDomain: cfg.Mail.BulkMailDomain,
		},
		Redis:         s.Redis,
		EncryptionKey: cfg.Mail.DKIMEncryptionKey,
		BatchSize:     cfg.DNSCheck.BatchSize,
	}, lg)

	s.Drafter = ai.NewDrafter(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
}

func (s *Server) setupMiddleware() {
	s.Echo.Use(middleware.CORS())
	s.Echo.Use(middleware.Recover())
	// Try to add prometheus middleware, but don't panic if already registered (e.g., in tests)
	// This allows multiple test runs without panicking
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && err.Error() == "duplicate metrics collector registration attempted" {
				s.Echo.Logger.Warn("Prometheus middleware already registered, skipping")
			} else {
				panic(r)
			}
		}
	}()
	s.Echo.Use(echoprometheus.NewMiddleware("userbird_backend"))
}

func (s *Server) setupMetrics() {
	// Only register Redis metrics if Redis is available
	if s.Redis == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.Echo.Logger.Warnf("Redis metrics not registered: %v", r)
		}
	}()

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Subsystem: "redis",
			Name:      "connected_clients",
			Help:      "The number of clients currently connected to Redis",
		},
		func() float64 {
			ctx := context.Background()
			connectedClientsRaw := s.Redis.InfoMap(ctx).Item("Clients", "connected_clients")

			connectedClients, err := strconv.ParseFloat(connectedClientsRaw, 64)
			if err != nil {
				return math.NaN()
			}

			return connectedClients
		},
	))
}

func (s *Server) setupRoutes() {
	handlers.SetupSentry(s.Echo, s.Config)

	// Initialize handlers
	inboundHandler := handlers.NewInboundHandler(s.ServerState)
	replyHandler := handlers.NewReplyHandler(s.ServerState)
	dnsHandler := handlers.NewDNSHandler(s.ServerState)
	feedbackHandler := handlers.NewFeedbackHandler(s.ServerState)
	slackHandler := handlers.NewSlackHandler(s.ServerState)

	// API routes group
	api := s.Echo.Group("/api")

	// Public API endpoints
	api.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	api.GET("/metrics", echoprometheus.NewHandler())

	api.POST("/inbound/email", inboundHandler.ReceiveEmail, inboundHandler.BasicAuth())
	api.POST("/slack/events", slackHandler.HandleEvents)
	api.POST("/feedback", feedbackHandler.SubmitFeedback,
		middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(5))))

	// Service-to-service
	api.POST("/send-reply-notification", replyHandler.SendReplyNotification, replyHandler.InternalAuth())

	// Protected API routes group
	protectedAPI := api.Group("/auth", s.JwtIssuer.Middleware())

	protectedAPI.GET("/dns/verify", dnsHandler.VerifyDNS)
	protectedAPI.POST("/dns/verify", dnsHandler.VerifyDNS)
	protectedAPI.GET("/forms/:formId/custom-email", dnsHandler.GetCustomEmail)
	protectedAPI.POST("/forms/:formId/custom-email", dnsHandler.SetCustomEmail)
	protectedAPI.DELETE("/forms/:formId/custom-email", dnsHandler.DeleteCustomEmail)

	protectedAPI.GET("/feedback/:id/replies", replyHandler.GetConversation)
	protectedAPI.POST("/feedback/:id/replies", replyHandler.CreateDashboardReply)
	protectedAPI.POST("/feedback/:id/draft-reply", replyHandler.DraftReply)

	protectedAPI.PUT("/forms/:formId/slack", slackHandler.SetIntegration)
	protectedAPI.DELETE("/forms/:formId/slack", slackHandler.DeleteIntegration)

	protectedAPI.GET("/forms/:formId/live", handlers.CreateLiveHandler(&s.ServerState))

	// Debug endpoints - only enabled when ENABLE_DEBUG_ENDPOINTS=true
	if s.Config.Server.Debug {
		api.GET("/jwt-debug", func(c echo.Context) error {
			userID := c.QueryParam("user_id")
			token, err := s.JwtIssuer.GenerateToken(userID)
			if err != nil {
				return c.String(http.StatusInternalServerError, "Failed to generate token")
			}
			return c.JSON(http.StatusOK, map[string]string{
				"user_id": userID,
				"token":   token,
			})
		})
	}
}

// StartScheduler starts the periodic DNS verification unless disabled.
func (s *Server) StartScheduler() {
	if !s.Config.DNSCheck.Enabled {
		s.Echo.Logger.Info("Scheduled DNS checks disabled")
		return
	}
	s.scheduler = dnsverify.NewScheduler(s.DNS, s.Config.DNSCheck.Interval, s.Echo.Logger)
	s.scheduler.Start()
}

// NewSMTPServer builds the SMTP ingress that feeds the same inbound pipeline
// as the webhook.
func (s *Server) NewSMTPServer() *smtp.Server {
	backend := inbound.NewSMTPBackend(s.Inbound, s.Echo.Logger)
	return inbound.NewSMTPServer(backend, s.Config.Inbound.SMTPAddr, s.Config.Mail.InboundDomain, s.Config.Inbound.MaxMessageBytes)
}

// Shutdown stops the HTTP server and background work, letting in-flight
// notifications finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	err := s.Echo.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.Dispatcher.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Echo.Logger.Warn("Timed out waiting for background notifications")
	}
	return err
}

func (s *Server) Start() error {
	serverURL := s.Config.Server.Host + ":" + s.Config.Server.Port

	if s.Config.Server.TLS.Enabled {
		if _, err := os.Stat(s.Config.Server.TLS.CertFile); os.IsNotExist(err) {
			s.Echo.Logger.Warn("TLS certificate file not found, falling back to HTTP")
			return s.Echo.Start(serverURL)
		}
		if _, err := os.Stat(s.Config.Server.TLS.KeyFile); os.IsNotExist(err) {
			s.Echo.Logger.Warn("TLS key file not found, falling back to HTTP")
			return s.Echo.Start(serverURL)
		}
		return s.Echo.StartTLS(serverURL, s.Config.Server.TLS.CertFile, s.Config.Server.TLS.KeyFile)
	}

	return s.Echo.Start(serverURL)
}

// ShutdownTimeout bounds a graceful shutdown.
const ShutdownTimeout = 15 * time.Second
