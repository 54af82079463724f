package gormstore

import (
	"time"

	"github.com/screenstranslate/license-server/internal/entitlements/store"
)

type licenseModel struct {
	ID               string     `gorm:"column:id;primaryKey;size:26"`
	LicenseKey       string     `gorm:"column:license_key;not null;uniqueIndex"`
	Email            *string    `gorm:"column:email;index"`
	Plan             string     `gorm:"column:plan;not null"`
	Status           string     `gorm:"column:status;not null;index"`
	DailyLimit       *int       `gorm:"column:daily_limit"`
	MaxDevices       int        `gorm:"column:max_devices;not null"`
	PaymentProvider  *string    `gorm:"column:payment_provider;index:idx_licenses_payment,priority:1"`
	PaymentReference *string    `gorm:"column:payment_reference;index:idx_licenses_payment,priority:2"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null"`
	ExpiresAt        *time.Time `gorm:"column:expires_at"`

	Activations []activationModel `gorm:"foreignKey:LicenseID;constraint:OnDelete:RESTRICT"`
}

func (licenseModel) TableName() string { return "licenses" }

type activationModel struct {
	ID          string    `gorm:"column:id;primaryKey;size:36"`
	LicenseID   string    `gorm:"column:license_id;not null;uniqueIndex:idx_activations_license_device,priority:1;index:idx_activations_license_seen,priority:1"`
	DeviceID    string    `gorm:"column:device_id;not null;uniqueIndex:idx_activations_license_device,priority:2"`
	DeviceLabel *string   `gorm:"column:device_label"`
	AppVersion  string    `gorm:"column:app_version;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null;index:idx_activations_license_seen,priority:2,sort:desc"`
}

func (activationModel) TableName() string { return "license_activations" }

func toLicenseModel(l *store.License) licenseModel {
	return licenseModel{
		ID:               l.ID,
		LicenseKey:       l.LicenseKey,
		Email:            l.Email,
		Plan:             l.Plan,
		Status:           string(l.Status),
		DailyLimit:       l.DailyLimit,
		MaxDevices:       l.MaxDevices,
		PaymentProvider:  l.PaymentProvider,
		PaymentReference: l.PaymentReference,
		CreatedAt:        l.CreatedAt.UTC(),
		ExpiresAt:        utcPtr(l.ExpiresAt),
	}
}

func (m licenseModel) toDomain() *store.License {
	return &store.License{
		ID:               m.ID,
		LicenseKey:       m.LicenseKey,
		Email:            m.Email,
		Plan:             m.Plan,
		Status:           store.LicenseStatus(m.Status),
		DailyLimit:       m.DailyLimit,
		MaxDevices:       m.MaxDevices,
		PaymentProvider:  m.PaymentProvider,
		PaymentReference: m.PaymentReference,
		CreatedAt:        m.CreatedAt.UTC(),
		ExpiresAt:        utcPtr(m.ExpiresAt),
	}
}

func (m activationModel) toDomain() *store.Activation {
	return &store.Activation{
		ID:          m.ID,
		LicenseID:   m.LicenseID,
		DeviceID:    m.DeviceID,
		DeviceLabel: m.DeviceLabel,
		AppVersion:  m.AppVersion,
		CreatedAt:   m.CreatedAt.UTC(),
		LastSeenAt:  m.LastSeenAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
