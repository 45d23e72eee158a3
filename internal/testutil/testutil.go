// Package testutil holds shared fixtures for package tests.
package testutil

import (
	"fmt"
	"testing"

	"userbird-backend/internal/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a private in-memory SQLite database with every table migrated.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// Logger returns a quiet echo logger.
func Logger() echo.Logger {
	e := echo.New()
	e.Logger.SetLevel(log.OFF)
	return e.Logger
}

// CreateForm inserts a form owned by ownerID.
func CreateForm(t *testing.T, db *gorm.DB, id, ownerID string) *models.Form {
	t.Helper()
	form := &models.Form{ID: id, OwnerID: ownerID, Name: "Test form", NotificationEmail: "owner@example.com"}
	require.NoError(t, db.Create(form).Error)
	return form
}

// CreateFeedback inserts an open feedback on formID.
func CreateFeedback(t *testing.T, db *gorm.DB, formID, userEmail string) *models.Feedback {
	t.Helper()
	fb := &models.Feedback{FormID: formID, Message: "The export button is broken", UserEmail: userEmail, UserName: "Jane"}
	require.NoError(t, db.Create(fb).Error)
	return fb
}
