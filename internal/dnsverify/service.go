package dnsverify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"userbird-backend/internal/metrics"
	"userbird-backend/internal/models"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var ErrSettingNotFound = errors.New("custom email setting not found")

const (
	scheduledCheckLockKey = "lock:dns-scheduled-check"
	scheduledCheckLockTTL = 30 * time.Minute
)

// Service persists generated records and verification outcomes.
type Service struct {
	db            *gorm.DB
	redis         *redis.Client
	verifier      *Verifier
	generator     *Generator
	encryptionKey string
	batchSize     int
	logger        echo.Logger
	now           func() time.Time
}

type ServiceOptions struct {
	Verifier      *Verifier
	Generator     *Generator
	Redis         *redis.Client
	EncryptionKey string
	BatchSize     int
}

func NewService(db *gorm.DB, opts ServiceOptions, logger echo.Logger) *Service {
	if opts.Verifier == nil {
		opts.Verifier = NewVerifier(nil)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Service{
		db:            db,
		redis:         opts.Redis,
		verifier:      opts.Verifier,
		generator:     opts.Generator,
		encryptionKey: opts.EncryptionKey,
		batchSize:     opts.BatchSize,
		logger:        logger,
		now:           time.Now,
	}
}

// Report is the aggregate outcome of verifying one setting.
type Report struct {
	Verified bool                           `json:"verified"`
	Status   models.VerificationStatus      `json:"status"`
	Setting  *models.CustomEmailSetting     `json:"settings"`
	Records  []models.DNSVerificationRecord `json:"dnsRecords"`
}

// RegenerateRecords replaces the record set of a setting with a fresh
// triple and a new DKIM key. Old rows are deleted first.
func (s *Service) RegenerateRecords(ctx context.Context, settingID uint) (*models.CustomEmailSetting, []models.DNSVerificationRecord, error) {
	db := s.db.WithContext(ctx)

	setting, err := models.GetCustomEmailSettingByID(db, settingID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading setting %d: %w", settingID, err)
	}
	if setting == nil {
		return nil, nil, ErrSettingNotFound
	}

	now := s.now()
	// A second regeneration within the same second would reuse the selector
	if Selector(now) == setting.DKIMSelector {
		now = now.Add(time.Second)
	}

	generated, err := s.generator.Generate(setting.ID, setting.Domain, now)
	if err != nil {
		return nil, nil, err
	}

	encryptedKey, err := models.EncryptSecret(generated.PrivateKeyPEM, s.encryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypting DKIM key: %w", err)
	}

	if err := db.Where("custom_email_setting_id = ?", setting.ID).Delete(&models.DNSVerificationRecord{}).Error; err != nil {
		return nil, nil, fmt.Errorf("deleting old records: %w", err)
	}

	records := generated.Records
	if err := db.Create(&records).Error; err != nil {
		return nil, nil, fmt.Errorf("inserting records: %w", err)
	}

	setting.DKIMSelector = generated.Selector
	setting.DKIMPrivateKey = encryptedKey
	setting.Verified = false
	setting.SPFVerified = false
	setting.DKIMVerified = false
	setting.DMARCVerified = false
	setting.VerificationStatus = models.VerificationPending
	setting.VerificationMessages = []string{"DNS records generated, waiting for them to be published"}
	if err := db.Save(setting).Error; err != nil {
		return nil, nil, fmt.Errorf("updating setting: %w", err)
	}

	return setting, records, nil
}

// VerifySetting checks every record of a setting concurrently and persists
// the per-record results and the aggregate status.
func (s *Service) VerifySetting(ctx context.Context, settingID uint) (*Report, error) {
	db := s.db.WithContext(ctx)

	setting, err := models.GetCustomEmailSettingByID(db, settingID)
	if err != nil {
		return nil, fmt.Errorf("loading setting %d: %w", settingID, err)
	}
	if setting == nil {
		return nil, ErrSettingNotFound
	}

	records, err := models.GetDNSRecordsForSetting(db, setting.ID)
	if err != nil {
		return nil, fmt.Errorf("loading records: %w", err)
	}

	results := make([]Result, len(records))
	g, gctx := errgroup.WithContext(ctx)
	for i := range records {
		i := i
		g.Go(func() error {
			results[i] = s.check(gctx, setting.Domain, records[i])
			return nil
		})
	}
	// checks never return errors
	_ = g.Wait()

	now := s.now()
	allVerified := len(records) > 0
	var messages []string
	if len(records) == 0 {
		messages = append(messages, "No DNS records have been generated for this domain")
	}

	for i := range records {
		rec := &records[i]
		res := results[i]

		rec.Verified = res.Verified
		rec.LastCheckTime = &now
		rec.FailureReason = res.Error
		if err := db.Model(rec).Select("verified", "last_check_time", "failure_reason").Updates(rec).Error; err != nil {
			s.logger.Errorf("failed to persist DNS check for record %d: %v", rec.ID, err)
		}

		label := fmt.Sprintf("%s %s.%s", rec.RecordType, rec.RecordName, setting.Domain)
		if res.Verified {
			messages = append(messages, label+": verified")
		} else {
			allVerified = false
			messages = append(messages, label+": "+res.Error)
		}

		switch {
		case rec.RecordType == models.DNSRecordTXT:
			setting.DKIMVerified = res.Verified
		case rec.RecordName == "mail":
			setting.SPFVerified = res.Verified
		}
	}

	setting.Verified = allVerified
	setting.VerificationMessages = messages
	setting.LastVerificationAttempt = &now
	if allVerified {
		setting.VerificationStatus = models.VerificationVerified
		metrics.DNSChecks.WithLabelValues("verified").Inc()
	} else {
		setting.VerificationStatus = models.VerificationFailed
		metrics.DNSChecks.WithLabelValues("failed").Inc()
	}

	if err := db.Model(setting).Select(
		"verified", "spf_verified", "dkim_verified", "verification_status",
		"verification_messages", "last_verification_attempt",
	).Updates(setting).Error; err != nil {
		return nil, fmt.Errorf("updating setting %d: %w", setting.ID, err)
	}

	return &Report{
		Verified: allVerified,
		Status:   setting.VerificationStatus,
		Setting:  setting,
		Records:  records,
	}, nil
}

func (s *Service) check(ctx context.Context, domain string, rec models.DNSVerificationRecord) Result {
	switch rec.RecordType {
	case models.DNSRecordTXT:
		return s.verifier.VerifyTXT(ctx, domain, rec.RecordName, rec.RecordValue)
	case models.DNSRecordCNAME:
		return s.verifier.VerifyCNAME(ctx, domain, rec.RecordName, rec.RecordValue)
	default:
		return Result{Error: fmt.Sprintf("unsupported record type %s", rec.RecordType)}
	}
}

// CheckSummary counts the outcome of one scheduled batch.
type CheckSummary struct {
	Checked  int
	Verified int
	Failed   int
	Skipped  bool
}

func (c CheckSummary) String() string {
	return fmt.Sprintf("checked=%d verified=%d failed=%d skipped=%t", c.Checked, c.Verified, c.Failed, c.Skipped)
}

// RunScheduledCheck re-verifies the settings that are not yet verified,
// least recently attempted first. Per-setting errors are logged only.
// When Redis is available a lock keeps replicas from running concurrently.
func (s *Service) RunScheduledCheck(ctx context.Context) (CheckSummary, error) {
	var summary CheckSummary

	if s.redis != nil {
		acquired, err := s.redis.SetNX(ctx, scheduledCheckLockKey, s.now().Unix(), scheduledCheckLockTTL).Result()
		if err != nil {
			s.logger.Warnf("DNS check lock unavailable, running unlocked: %v", err)
		} else if !acquired {
			s.logger.Info("DNS check already running elsewhere, skipping")
			summary.Skipped = true
			return summary, nil
		} else {
			defer s.redis.Del(context.Background(), scheduledCheckLockKey)
		}
	}

	settings, err := models.GetSettingsDueForCheck(s.db.WithContext(ctx), s.batchSize)
	if err != nil {
		return summary, fmt.Errorf("loading settings due for check: %w", err)
	}

	for _, setting := range settings {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++
		report, err := s.VerifySetting(ctx, setting.ID)
		if err != nil {
			s.logger.Errorf("Scheduled DNS check failed for setting %d (%s): %v", setting.ID, setting.Domain, err)
			summary.Failed++
			continue
		}
		if report.Verified {
			summary.Verified++
		} else {
			summary.Failed++
		}
	}

	s.logger.Infof("Scheduled DNS check done: %d checked, %d verified, %d failed", summary.Checked, summary.Verified, summary.Failed)
	return summary, nil
}
