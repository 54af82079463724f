// Package gormstore implements the entitlement store on gorm, for deployments
// that share a Postgres database across several server instances.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/screenstranslate/license-server/internal/entitlements/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DatabaseURL string
	MaxConns    int
	Retry       store.RetryPolicy
}

// Store implements store.Store on a gorm connection.
type Store struct {
	db    *gorm.DB
	retry store.RetryPolicy
}

var _ store.Store = (*Store)(nil)

// Open connects to Postgres, validates the pool and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if cfg.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConns)
		sqlDB.SetMaxIdleConns(max(cfg.MaxConns/2, 1))
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s, err := New(ctx, db, cfg.Retry)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.Info().Int("max_conns", cfg.MaxConns).Msg("Postgres license store ready")
	return s, nil
}

// New wraps an open gorm connection and migrates the schema. The dialector
// must be opened with TranslateError enabled.
func New(ctx context.Context, db *gorm.DB, retry store.RetryPolicy) (*Store, error) {
	if err := db.WithContext(ctx).AutoMigrate(&licenseModel{}, &activationModel{}); err != nil {
		return nil, fmt.Errorf("migrate license schema: %w", err)
	}
	if retry.Attempts == 0 {
		retry = store.DefaultRetryPolicy
	}
	return &Store{db: db, retry: retry}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateLicense(ctx context.Context, l *store.License) error {
	if l == nil {
		return fmt.Errorf("%w: license is nil", store.ErrInvalidInput)
	}
	store.NormalizeLicense(l)
	if l.LicenseKey == "" {
		return fmt.Errorf("%w: license_key is required", store.ErrInvalidInput)
	}
	if l.ID == "" {
		l.ID = ulid.Make().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	rec := toLicenseModel(l)
	return s.withRetry(ctx, "create_license", func() error {
		err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&rec).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: license key %s", store.ErrConflict, l.LicenseKey)
		}
		return err
	})
}

func (s *Store) FindLicenseByKey(ctx context.Context, licenseKey string) (*store.License, error) {
	key := store.CanonicalLicenseKey(licenseKey)
	if key == "" {
		return nil, store.ErrNotFound
	}
	return s.takeLicense(ctx, s.db.WithContext(ctx).Where("license_key = ?", key))
}

func (s *Store) GetLicense(ctx context.Context, id string) (*store.License, error) {
	return s.takeLicense(ctx, s.db.WithContext(ctx).Where("id = ?", id))
}

func (s *Store) FindLicenseByPaymentReference(ctx context.Context, provider, reference string) (*store.License, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, store.ErrNotFound
	}
	return s.takeLicense(ctx, s.db.WithContext(ctx).
		Where("payment_provider = ? AND payment_reference = ?", provider, reference).
		Order("created_at DESC"))
}

func (s *Store) takeLicense(_ context.Context, q *gorm.DB) (*store.License, error) {
	var rec licenseModel
	if err := q.Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("load license: %w", err)
	}
	return rec.toDomain(), nil
}

func (s *Store) FindLicenses(ctx context.Context, filter store.Filter) ([]*store.License, error) {
	if filter.IsEmpty() {
		return nil, store.ErrEmptyFilter
	}
	f := filter.Normalize()

	q := s.db.WithContext(ctx).Model(&licenseModel{})
	if f.Email != "" {
		q = q.Where("email = ?", f.Email)
	}
	if f.LicenseKey != "" {
		q = q.Where("license_key = ?", f.LicenseKey)
	}
	if f.PaymentReference != "" {
		q = q.Where("payment_reference = ?", f.PaymentReference)
	}
	if f.IncludeActivations {
		q = q.Preload("Activations", func(db *gorm.DB) *gorm.DB {
			return db.Order("last_seen_at DESC").Order("id")
		})
	}

	var recs []licenseModel
	if err := q.Order("created_at DESC").Order("id DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("find licenses: %w", err)
	}

	out := make([]*store.License, 0, len(recs))
	for _, rec := range recs {
		l := rec.toDomain()
		if f.IncludeActivations {
			l.Activations = make([]*store.Activation, 0, len(rec.Activations))
			for _, a := range rec.Activations {
				l.Activations = append(l.Activations, a.toDomain())
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *Store) SetLicenseStatus(ctx context.Context, id string, status store.LicenseStatus) error {
	return s.withRetry(ctx, "set_license_status", func() error {
		res := s.db.WithContext(ctx).Model(&licenseModel{}).Where("id = ?", id).Update("status", string(status))
		return affectedOrNotFound(res)
	})
}

func (s *Store) CountActiveDevices(ctx context.Context, licenseID string) (int, error) {
	n, err := countDevices(s.db.WithContext(ctx), licenseID)
	if err != nil {
		return 0, fmt.Errorf("count active devices: %w", err)
	}
	return int(n), nil
}

// UpsertActivation refreshes an existing activation without locking. A new
// device takes the license row lock, so slot checks for the same license
// serialize across every instance sharing the database.
func (s *Store) UpsertActivation(ctx context.Context, in store.ActivationInput) (*store.Activation, bool, error) {
	in, err := store.NormalizeActivationInput(in)
	if err != nil {
		return nil, false, err
	}

	var (
		act     *store.Activation
		created bool
	)
	err = s.withRetry(ctx, "upsert_activation", func() error {
		var opErr error
		act, created, opErr = s.upsertActivation(ctx, in)
		return opErr
	})
	if err != nil {
		return nil, false, err
	}
	return act, created, nil
}

func (s *Store) upsertActivation(ctx context.Context, in store.ActivationInput) (*store.Activation, bool, error) {
	db := s.db.WithContext(ctx)

	var lic licenseModel
	if err := db.Select("id", "status", "max_devices").Where("id = ?", in.LicenseID).Take(&lic).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, store.ErrNotFound
		}
		return nil, false, fmt.Errorf("load license: %w", err)
	}
	if store.LicenseStatus(lic.Status) != store.LicenseStatusActive {
		return nil, false, store.ErrLicenseInactive
	}

	if act, ok, err := refreshActivation(db, in); err != nil || ok {
		return act, false, err
	}

	var out *store.Activation
	err := db.Transaction(func(tx *gorm.DB) error {
		var locked licenseModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "status", "max_devices").
			Where("id = ?", in.LicenseID).
			Take(&locked).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		if store.LicenseStatus(locked.Status) != store.LicenseStatusActive {
			return store.ErrLicenseInactive
		}

		count, err := countDevices(tx, in.LicenseID)
		if err != nil {
			return err
		}
		limit := locked.MaxDevices
		if limit <= 0 {
			limit = store.DefaultMaxDevices
		}
		if int(count) >= limit {
			return store.ErrSlotLimitExceeded
		}

		rec := activationModel{
			ID:          uuid.NewString(),
			LicenseID:   in.LicenseID,
			DeviceID:    in.DeviceID,
			DeviceLabel: in.DeviceLabel,
			AppVersion:  in.AppVersion,
			CreatedAt:   in.SeenAt,
			LastSeenAt:  in.SeenAt,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		out = rec.toDomain()
		return nil
	})
	switch {
	case err == nil:
		return out, true, nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		// The same device was inserted concurrently; this call is a re-activation.
		act, ok, rerr := refreshActivation(db, in)
		if rerr != nil {
			return nil, false, rerr
		}
		if !ok {
			return nil, false, fmt.Errorf("activation vanished after duplicate insert: %w", err)
		}
		return act, false, nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrSlotLimitExceeded), errors.Is(err, store.ErrLicenseInactive):
		return nil, false, err
	default:
		return nil, false, fmt.Errorf("insert activation: %w", err)
	}
}

// refreshActivation updates an existing (license, device) row and reports
// whether one existed.
func refreshActivation(db *gorm.DB, in store.ActivationInput) (*store.Activation, bool, error) {
	res := db.Model(&activationModel{}).
		Where("license_id = ? AND device_id = ?", in.LicenseID, in.DeviceID).
		Updates(map[string]any{
			"app_version":  in.AppVersion,
			"device_label": in.DeviceLabel,
			"last_seen_at": in.SeenAt,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("update activation: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	var rec activationModel
	if err := db.Where("license_id = ? AND device_id = ?", in.LicenseID, in.DeviceID).Take(&rec).Error; err != nil {
		return nil, false, fmt.Errorf("reload activation: %w", err)
	}
	return rec.toDomain(), true, nil
}

func countDevices(db *gorm.DB, licenseID string) (int64, error) {
	var n int64
	err := db.Model(&activationModel{}).
		Where("license_id = ?", licenseID).
		Distinct("device_id").
		Count(&n).Error
	return n, err
}

func (s *Store) ListActivations(ctx context.Context, licenseID string) ([]*store.Activation, error) {
	var recs []activationModel
	err := s.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("last_seen_at DESC").Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	out := make([]*store.Activation, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDomain())
	}
	return out, nil
}

func (s *Store) DeleteActivation(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete_activation", func() error {
		return affectedOrNotFound(s.db.WithContext(ctx).Where("id = ?", id).Delete(&activationModel{}))
	})
}

func (s *Store) DeleteActivationByDevice(ctx context.Context, licenseID, deviceID string) error {
	return s.withRetry(ctx, "delete_activation", func() error {
		return affectedOrNotFound(s.db.WithContext(ctx).
			Where("license_id = ? AND device_id = ?", licenseID, deviceID).
			Delete(&activationModel{}))
	})
}

func (s *Store) DeleteActivationsForLicense(ctx context.Context, licenseID string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "delete_activations", func() error {
		res := s.db.WithContext(ctx).Where("license_id = ?", licenseID).Delete(&activationModel{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

func (s *Store) DeleteLicense(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete_license", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var n int64
			if err := tx.Model(&activationModel{}).Where("license_id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return store.ErrHasDependents
			}
			err := affectedOrNotFound(tx.Where("id = ?", id).Delete(&licenseModel{}))
			if errors.Is(err, gorm.ErrForeignKeyViolated) {
				return store.ErrHasDependents
			}
			return err
		})
	})
}

func (s *Store) DeleteLicenseCascade(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete_license_cascade", func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("license_id = ?", id).Delete(&activationModel{}).Error; err != nil {
				return fmt.Errorf("delete activations: %w", err)
			}
			return affectedOrNotFound(tx.Where("id = ?", id).Delete(&licenseModel{}))
		})
	})
}

func (s *Store) StatusCounts(ctx context.Context) (map[store.LicenseStatus]int, error) {
	var rows []struct {
		Status string
		Count  int
	}
	err := s.db.WithContext(ctx).Model(&licenseModel{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count licenses by status: %w", err)
	}
	counts := make(map[store.LicenseStatus]int, len(rows))
	for _, r := range rows {
		counts[store.LicenseStatus(r.Status)] = r.Count
	}
	return counts, nil
}

func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	return store.WithConflictRetry(ctx, "gorm", op, s.retry, isTransient, fn)
}

func affectedOrNotFound(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// isTransient reports serialization failures and deadlocks on Postgres, and
// lock contention on SQLite.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
