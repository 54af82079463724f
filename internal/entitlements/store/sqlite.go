package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store on an embedded SQLite database.
//
// Every write transaction is opened with BEGIN IMMEDIATE, so the database
// write lock is held before the slot count is read. Combined with the single
// connection pool this serializes slot allocation within one process, and
// busy_timeout plus conflict retry covers other processes sharing the file.
type SQLiteStore struct {
	db    *sql.DB
	retry RetryPolicy
}

// SQLiteOption customizes a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteRetryPolicy overrides the transient conflict retry policy.
func WithSQLiteRetryPolicy(p RetryPolicy) SQLiteOption {
	return func(s *SQLiteStore) { s.retry = p }
}

// NewSQLiteStore opens (or creates) the license database in dir.
func NewSQLiteStore(dir string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenSQLite(filepath.Join(dir, "licenses.db"), opts...)
}

// OpenSQLite opens (or creates) the license database at path.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
		"_txlock": []string{"immediate"},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open license db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, retry: DefaultRetryPolicy}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		id                TEXT PRIMARY KEY,
		license_key       TEXT NOT NULL UNIQUE,
		email             TEXT,
		plan              TEXT NOT NULL DEFAULT 'pro',
		status            TEXT NOT NULL DEFAULT 'active',
		daily_limit       INTEGER,
		max_devices       INTEGER NOT NULL DEFAULT 3,
		payment_provider  TEXT,
		payment_reference TEXT,
		created_at        INTEGER NOT NULL,
		expires_at        INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_email ON licenses(email);
	CREATE INDEX IF NOT EXISTS idx_licenses_payment ON licenses(payment_provider, payment_reference);

	CREATE TABLE IF NOT EXISTS license_activations (
		id           TEXT PRIMARY KEY,
		license_id   TEXT NOT NULL REFERENCES licenses(id) ON DELETE RESTRICT,
		device_id    TEXT NOT NULL,
		device_label TEXT,
		app_version  TEXT NOT NULL DEFAULT 'unknown',
		created_at   INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		UNIQUE (license_id, device_id)
	);
	CREATE INDEX IF NOT EXISTS idx_activations_license_seen ON license_activations(license_id, last_seen_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init license schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const licenseColumns = `id, license_key, email, plan, status, daily_limit, max_devices,
	payment_provider, payment_reference, created_at, expires_at`

const activationColumns = `id, license_id, device_id, device_label, app_version, created_at, last_seen_at`

// CreateLicense inserts a new license, assigning its ID and creation time.
func (s *SQLiteStore) CreateLicense(ctx context.Context, l *License) error {
	if l == nil {
		return fmt.Errorf("%w: license is nil", ErrInvalidInput)
	}
	NormalizeLicense(l)
	if l.LicenseKey == "" {
		return fmt.Errorf("%w: license_key is required", ErrInvalidInput)
	}
	if l.ID == "" {
		l.ID = ulid.Make().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	return s.withRetry(ctx, "create_license", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO licenses (`+licenseColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.LicenseKey, l.Email, l.Plan, string(l.Status), l.DailyLimit, l.MaxDevices,
			l.PaymentProvider, l.PaymentReference, l.CreatedAt.UnixMilli(), nullableTimeMilli(l.ExpiresAt),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: license key %s", ErrConflict, l.LicenseKey)
		}
		if err != nil {
			return fmt.Errorf("create license: %w", err)
		}
		return nil
	})
}

// FindLicenseByKey retrieves a license by its canonical key.
func (s *SQLiteStore) FindLicenseByKey(ctx context.Context, licenseKey string) (*License, error) {
	key := CanonicalLicenseKey(licenseKey)
	if key == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	return requireLicense(scanLicense(row))
}

// GetLicense retrieves a license by ID.
func (s *SQLiteStore) GetLicense(ctx context.Context, id string) (*License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
	return requireLicense(scanLicense(row))
}

// FindLicenseByPaymentReference retrieves the license billed under reference.
func (s *SQLiteStore) FindLicenseByPaymentReference(ctx context.Context, provider, reference string) (*License, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses
		WHERE payment_provider = ? AND payment_reference = ?
		ORDER BY created_at DESC LIMIT 1`, provider, reference)
	return requireLicense(scanLicense(row))
}

// FindLicenses returns licenses matching every set filter, newest first.
func (s *SQLiteStore) FindLicenses(ctx context.Context, filter Filter) ([]*License, error) {
	if filter.IsEmpty() {
		return nil, ErrEmptyFilter
	}
	f := filter.Normalize()

	var where []string
	var args []any
	if f.Email != "" {
		where = append(where, "email = ?")
		args = append(args, f.Email)
	}
	if f.LicenseKey != "" {
		where = append(where, "license_key = ?")
		args = append(args, f.LicenseKey)
	}
	if f.PaymentReference != "" {
		where = append(where, "payment_reference = ?")
		args = append(args, f.PaymentReference)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseColumns+` FROM licenses
		WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("find licenses: %w", err)
	}
	licenses, err := scanLicenses(rows)
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	if f.IncludeActivations {
		for _, l := range licenses {
			acts, err := s.ListActivations(ctx, l.ID)
			if err != nil {
				return nil, err
			}
			l.Activations = acts
		}
	}
	return licenses, nil
}

// SetLicenseStatus updates the status of a license.
func (s *SQLiteStore) SetLicenseStatus(ctx context.Context, id string, status LicenseStatus) error {
	return s.withRetry(ctx, "set_license_status", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE licenses SET status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return fmt.Errorf("set license status: %w", err)
		}
		return requireAffected(res)
	})
}

// CountActiveDevices returns the number of distinct devices holding a slot.
func (s *SQLiteStore) CountActiveDevices(ctx context.Context, licenseID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT device_id) FROM license_activations WHERE license_id = ?`, licenseID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active devices: %w", err)
	}
	return n, nil
}

// UpsertActivation records a device activation. The slot check and the
// insert run in the same immediate transaction.
func (s *SQLiteStore) UpsertActivation(ctx context.Context, in ActivationInput) (*Activation, bool, error) {
	in, err := NormalizeActivationInput(in)
	if err != nil {
		return nil, false, err
	}

	var (
		act     *Activation
		created bool
	)
	err = s.withRetry(ctx, "upsert_activation", func() error {
		var txErr error
		act, created, txErr = s.upsertActivationTx(ctx, in)
		return txErr
	})
	if err != nil {
		return nil, false, err
	}
	return act, created, nil
}

func (s *SQLiteStore) upsertActivationTx(ctx context.Context, in ActivationInput) (*Activation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin activation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxDevices int
	var status string
	err = tx.QueryRowContext(ctx, `SELECT max_devices, status FROM licenses WHERE id = ?`, in.LicenseID).
		Scan(&maxDevices, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("load license: %w", err)
	}
	if LicenseStatus(status) != LicenseStatusActive {
		return nil, false, ErrLicenseInactive
	}

	seen := in.SeenAt.UnixMilli()
	res, err := tx.ExecContext(ctx, `UPDATE license_activations
		SET app_version = ?, device_label = ?, last_seen_at = ?
		WHERE license_id = ? AND device_id = ?`,
		in.AppVersion, in.DeviceLabel, seen, in.LicenseID, in.DeviceID)
	if err != nil {
		return nil, false, fmt.Errorf("update activation: %w", err)
	}
	created := false
	if affected, _ := res.RowsAffected(); affected == 0 {
		var count int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(DISTINCT device_id) FROM license_activations WHERE license_id = ?`, in.LicenseID).Scan(&count)
		if err != nil {
			return nil, false, fmt.Errorf("count activations: %w", err)
		}
		if maxDevices <= 0 {
			maxDevices = DefaultMaxDevices
		}
		if count >= maxDevices {
			return nil, false, ErrSlotLimitExceeded
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO license_activations (`+activationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), in.LicenseID, in.DeviceID, in.DeviceLabel, in.AppVersion, seen, seen)
		if err != nil {
			return nil, false, fmt.Errorf("insert activation: %w", err)
		}
		created = true
	}

	row := tx.QueryRowContext(ctx, `SELECT `+activationColumns+` FROM license_activations
		WHERE license_id = ? AND device_id = ?`, in.LicenseID, in.DeviceID)
	act, err := scanActivation(row)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit activation: %w", err)
	}
	return act, created, nil
}

// ListActivations returns the activations of a license, most recently seen first.
func (s *SQLiteStore) ListActivations(ctx context.Context, licenseID string) ([]*Activation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+activationColumns+` FROM license_activations
		WHERE license_id = ? ORDER BY last_seen_at DESC, id`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	activations := []*Activation{}
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		activations = append(activations, a)
	}
	return activations, rows.Err()
}

// DeleteActivation removes one activation by ID.
func (s *SQLiteStore) DeleteActivation(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete_activation", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM license_activations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete activation: %w", err)
		}
		return requireAffected(res)
	})
}

// DeleteActivationByDevice removes the activation of deviceID on a license.
func (s *SQLiteStore) DeleteActivationByDevice(ctx context.Context, licenseID, deviceID string) error {
	return s.withRetry(ctx, "delete_activation", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM license_activations WHERE license_id = ? AND device_id = ?`, licenseID, deviceID)
		if err != nil {
			return fmt.Errorf("delete activation by device: %w", err)
		}
		return requireAffected(res)
	})
}

// DeleteActivationsForLicense removes every activation of a license.
func (s *SQLiteStore) DeleteActivationsForLicense(ctx context.Context, licenseID string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "delete_activations", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM license_activations WHERE license_id = ?`, licenseID)
		if err != nil {
			return fmt.Errorf("delete activations: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// DeleteLicense removes a license that has no activations left.
func (s *SQLiteStore) DeleteLicense(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete_license", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM license_activations WHERE license_id = ?`, id,
		).Scan(&n); err != nil {
			return fmt.Errorf("count activations: %w", err)
		}
		if n > 0 {
			return ErrHasDependents
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM licenses WHERE id = ?`, id)
		if isForeignKeyViolation(err) {
			return ErrHasDependents
		}
		if err != nil {
			return fmt.Errorf("delete license: %w", err)
		}
		if err := requireAffected(res); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit delete: %w", err)
		}
		return nil
	})
}

// DeleteLicenseCascade removes a license and its activations atomically.
func (s *SQLiteStore) DeleteLicenseCascade(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete_license_cascade", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM license_activations WHERE license_id = ?`, id); err != nil {
			return fmt.Errorf("delete activations: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM licenses WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete license: %w", err)
		}
		if err := requireAffected(res); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit delete: %w", err)
		}
		return nil
	})
}

// StatusCounts returns a map of status -> license count.
func (s *SQLiteStore) StatusCounts(ctx context.Context) (map[LicenseStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM licenses GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count licenses by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[LicenseStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[LicenseStatus(status)] = count
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	return WithConflictRetry(ctx, "sqlite", op, s.retry, isTransientSQLite, fn)
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLicense(s scanner) (*License, error) {
	var l License
	var status string
	var email, provider, reference sql.NullString
	var dailyLimit, expiresAt sql.NullInt64
	var createdAt int64

	err := s.Scan(
		&l.ID, &l.LicenseKey, &email, &l.Plan, &status, &dailyLimit, &l.MaxDevices,
		&provider, &reference, &createdAt, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}

	l.Status = LicenseStatus(status)
	l.Email = nullString(email)
	l.PaymentProvider = nullString(provider)
	l.PaymentReference = nullString(reference)
	if dailyLimit.Valid {
		v := int(dailyLimit.Int64)
		l.DailyLimit = &v
	}
	l.CreatedAt = time.UnixMilli(createdAt).UTC()
	if expiresAt.Valid {
		ts := time.UnixMilli(expiresAt.Int64).UTC()
		l.ExpiresAt = &ts
	}
	return &l, nil
}

func scanLicenses(rows *sql.Rows) ([]*License, error) {
	licenses := []*License{}
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, l)
	}
	return licenses, rows.Err()
}

func scanActivation(s scanner) (*Activation, error) {
	var a Activation
	var label sql.NullString
	var createdAt, lastSeenAt int64

	err := s.Scan(&a.ID, &a.LicenseID, &a.DeviceID, &label, &a.AppVersion, &createdAt, &lastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan activation: %w", err)
	}
	a.DeviceLabel = nullString(label)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.LastSeenAt = time.UnixMilli(lastSeenAt).UTC()
	return &a, nil
}

func requireLicense(l *License, err error) (*License, error) {
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrNotFound
	}
	return l, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// NormalizeActivationInput trims the input and applies the app_version,
// label and timestamp defaults.
func NormalizeActivationInput(in ActivationInput) (ActivationInput, error) {
	in.LicenseID = strings.TrimSpace(in.LicenseID)
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	if in.LicenseID == "" || in.DeviceID == "" {
		return in, fmt.Errorf("%w: license_id and device_id are required", ErrInvalidInput)
	}
	in.AppVersion = strings.TrimSpace(in.AppVersion)
	if in.AppVersion == "" {
		in.AppVersion = DefaultAppVersion
	}
	if in.DeviceLabel != nil {
		label := strings.TrimSpace(*in.DeviceLabel)
		if label == "" {
			in.DeviceLabel = nil
		} else {
			in.DeviceLabel = &label
		}
	}
	if in.SeenAt.IsZero() {
		in.SeenAt = time.Now()
	}
	in.SeenAt = in.SeenAt.UTC()
	return in, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableTimeMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func isTransientSQLite(err error) bool {
	switch sqliteCode(err) & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// RESTRICT actions surface as SQLITE_CONSTRAINT_TRIGGER rather than
// SQLITE_CONSTRAINT_FOREIGNKEY.
func isForeignKeyViolation(err error) bool {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, sqlite3.SQLITE_CONSTRAINT_TRIGGER:
		return true
	}
	return false
}
