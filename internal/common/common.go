package common

import (
	"userbird-backend/internal/ai"
	"userbird-backend/internal/config"
	"userbird-backend/internal/dnsverify"
	"userbird-backend/internal/email"
	"userbird-backend/internal/inbound"
	"userbird-backend/internal/notifications"
	"userbird-backend/internal/replies"
	"userbird-backend/internal/storage"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// JwtCustomClaims are issued by the dashboard's auth provider. The subject
// is the dashboard user id that owns forms.
type JwtCustomClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type JWTIssuer interface {
	GenerateToken(userID string) (string, error)
	Middleware() echo.MiddlewareFunc
	GetUserID(c echo.Context) (string, error)
	// ParseToken validates a raw token outside of the middleware.
	ParseToken(raw string) (*JwtCustomClaims, error)
}

type ServerState struct {
	Echo          *echo.Echo
	Config        *config.Config
	DB            *gorm.DB
	JwtIssuer     JWTIssuer
	Redis         *redis.Client
	EmailClient   email.EmailClient
	Storage       storage.Storage
	Replies       *replies.Store
	Inbound       *inbound.Processor
	DNS           *dnsverify.Service
	Dispatcher    *notifications.Dispatcher
	Notifications *notifications.Service
	Drafter       *ai.Drafter
}
