package models

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationPending    VerificationStatus = "pending"
	VerificationVerified   VerificationStatus = "verified"
	VerificationFailed     VerificationStatus = "failed"
)

type DNSRecordType string

const (
	DNSRecordTXT   DNSRecordType = "TXT"
	DNSRecordCNAME DNSRecordType = "CNAME"
)

// CustomEmailSetting is a form's custom outbound sending address.
// Verified gates whether the domain may be used as a sender.
type CustomEmailSetting struct {
	ID                      uint                   `json:"id" gorm:"primaryKey"`
	FormID                  string                 `json:"form_id" gorm:"not null;uniqueIndex"`
	CustomEmail             string                 `json:"custom_email" gorm:"not null;index"`
	Domain                  string                 `json:"domain" gorm:"not null;index"`
	LocalPart               string                 `json:"local_part" gorm:"not null"`
	ForwardingAddress       string                 `json:"forwarding_address"`
	Verified                bool                   `json:"verified" gorm:"default:false"`
	SPFVerified             bool                   `json:"spf_verified" gorm:"default:false"`
	DKIMVerified            bool                   `json:"dkim_verified" gorm:"default:false"`
	DMARCVerified           bool                   `json:"dmarc_verified" gorm:"default:false"`
	VerificationStatus      VerificationStatus     `json:"verification_status" gorm:"type:varchar(20);default:unverified;index"`
	VerificationMessages    []string               `json:"verification_messages" gorm:"serializer:json"`
	DKIMSelector            string                 `json:"dkim_selector"`
	DKIMPrivateKey          string                 `json:"-"` // Encrypted at rest
	LastVerificationAttempt *time.Time             `json:"last_verification_attempt"`
	Meta                    map[string]interface{} `json:"meta,omitempty" gorm:"serializer:json"`
	CreatedAt               time.Time              `json:"created_at"`
	UpdatedAt               time.Time              `json:"updated_at"`
}

// DNSVerificationRecord is one DNS record a CustomEmailSetting's domain must publish.
// RecordName is relative to the setting's domain.
type DNSVerificationRecord struct {
	ID                   uint          `json:"id" gorm:"primaryKey"`
	CustomEmailSettingID uint          `json:"custom_email_setting_id" gorm:"not null;index"`
	RecordType           DNSRecordType `json:"record_type" gorm:"type:varchar(10);not null"`
	RecordName           string        `json:"record_name" gorm:"not null"`
	RecordValue          string        `json:"record_value" gorm:"type:text;not null"`
	Verified             bool          `json:"verified" gorm:"default:false"`
	LastCheckTime        *time.Time    `json:"last_check_time"`
	FailureReason        string        `json:"failure_reason"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

func GetCustomEmailSettingByID(db *gorm.DB, id uint) (*CustomEmailSetting, error) {
	var setting CustomEmailSetting
	result := db.Where("id = ?", id).First(&setting)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &setting, nil
}

func GetCustomEmailSettingByFormID(db *gorm.DB, formID string) (*CustomEmailSetting, error) {
	var setting CustomEmailSetting
	result := db.Where("form_id = ?", formID).First(&setting)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &setting, nil
}

// GetVerifiedSettingByAddress finds a verified setting whose custom address matches.
func GetVerifiedSettingByAddress(db *gorm.DB, address string) (*CustomEmailSetting, error) {
	var setting CustomEmailSetting
	result := db.Where("LOWER(custom_email) = ? AND verified = ?", strings.ToLower(address), true).First(&setting)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &setting, nil
}

// GetSettingByForwardingParts resolves {localPart}@{domain}.<inbound domain> addresses.
func GetSettingByForwardingParts(db *gorm.DB, localPart, domain string) (*CustomEmailSetting, error) {
	var setting CustomEmailSetting
	result := db.Where("LOWER(local_part) = ? AND LOWER(domain) = ?", strings.ToLower(localPart), strings.ToLower(domain)).First(&setting)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return &setting, nil
}

// CustomDomainExists reports whether any setting uses the domain.
func CustomDomainExists(db *gorm.DB, domain string) (bool, error) {
	var count int64
	err := db.Model(&CustomEmailSetting{}).Where("LOWER(domain) = ?", strings.ToLower(domain)).Count(&count).Error
	return count > 0, err
}

func GetDNSRecordsForSetting(db *gorm.DB, settingID uint) ([]DNSVerificationRecord, error) {
	var records []DNSVerificationRecord
	err := db.Where("custom_email_setting_id = ?", settingID).Order("id ASC").Find(&records).Error
	return records, err
}

// GetSettingsDueForCheck returns settings that still need verification,
// least recently attempted first.
func GetSettingsDueForCheck(db *gorm.DB, limit int) ([]CustomEmailSetting, error) {
	var settings []CustomEmailSetting
	err := db.Where("verification_status IN ?", []VerificationStatus{
		VerificationUnverified, VerificationPending, VerificationFailed,
	}).
		Order("last_verification_attempt IS NOT NULL, last_verification_attempt ASC").
		Limit(limit).
		Find(&settings).Error
	return settings, err
}
