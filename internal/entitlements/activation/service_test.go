package activation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenstranslate/license-server/internal/entitlements/store"
	apperrors "github.com/screenstranslate/license-server/internal/errors"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedLicense(t *testing.T, st store.Store, l *store.License) *store.License {
	t.Helper()
	require.NoError(t, st.CreateLicense(context.Background(), l))
	return l
}

func strPtr(s string) *string { return &s }

func TestRequestValidate(t *testing.T) {
	req, err := Request{LicenseKey: " abc-def ", DeviceID: " dev ", DeviceLabel: strPtr("  ")}.Validate()
	require.NoError(t, err)
	assert.Equal(t, "ABC-DEF", req.LicenseKey)
	assert.Equal(t, "dev", req.DeviceID)
	assert.Equal(t, store.DefaultAppVersion, req.AppVersion)
	assert.Nil(t, req.DeviceLabel)

	_, err = Request{LicenseKey: "   ", DeviceID: ""}.Validate()
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidRequest, apperrors.KindOf(err))
	assert.Equal(t, "license_key and device_id are required", apperrors.MessageOf(err))

	_, err = Request{LicenseKey: "K"}.Validate()
	assert.Equal(t, "device_id is required", apperrors.MessageOf(err))
}

func TestActivateSlotScenarioWithAdminRevoke(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	lic := seedLicense(t, st, &store.License{LicenseKey: "SCEN-1", MaxDevices: 3})
	svc := NewService(st)

	for _, dev := range []string{"A", "B", "C"} {
		res, err := svc.Activate(ctx, Request{LicenseKey: "scen-1", DeviceID: dev})
		require.NoError(t, err, "device %s", dev)
		assert.True(t, res.Success)
	}

	_, err := svc.Activate(ctx, Request{LicenseKey: "SCEN-1", DeviceID: "D"})
	assert.ErrorIs(t, err, apperrors.ErrSlotLimitExceeded)

	_, err = svc.Activate(ctx, Request{LicenseKey: "SCEN-1", DeviceID: "A"})
	require.NoError(t, err, "re-activation must not hit the slot limit")

	require.NoError(t, st.DeleteActivationByDevice(ctx, lic.ID, "B"))

	_, err = svc.Activate(ctx, Request{LicenseKey: "SCEN-1", DeviceID: "D"})
	require.NoError(t, err)

	n, err := st.CountActiveDevices(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestActivateIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	limit := 100
	expires := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Millisecond)
	lic := seedLicense(t, st, &store.License{
		LicenseKey: "IDEM",
		Email:      strPtr("a@example.com"),
		Plan:       "team",
		DailyLimit: &limit,
		ExpiresAt:  &expires,
	})

	clock := time.Now()
	svc := NewService(st, WithClock(func() time.Time { return clock }))

	first, err := svc.Activate(ctx, Request{LicenseKey: "IDEM", DeviceID: "dev", AppVersion: "2.0.1"})
	require.NoError(t, err)
	before, err := st.ListActivations(ctx, lic.ID)
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	second, err := svc.Activate(ctx, Request{LicenseKey: "IDEM", DeviceID: "dev", AppVersion: "2.0.1"})
	require.NoError(t, err)
	after, err := st.ListActivations(ctx, lic.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "team", second.Plan)
	require.NotNil(t, second.DailyLimit)
	assert.Equal(t, 100, *second.DailyLimit)
	assert.Equal(t, store.DefaultMaxDevices, second.MaxDevices)
	assert.Equal(t, "a@example.com", *second.Email)

	require.Len(t, before, 1)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].ID, after[0].ID)
	assert.True(t, after[0].LastSeenAt.After(before[0].LastSeenAt))
}

func TestActivateRejections(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	revoked := seedLicense(t, st, &store.License{LicenseKey: "REVOKED"})
	require.NoError(t, st.SetLicenseStatus(ctx, revoked.ID, store.LicenseStatusRevoked))
	past := time.Now().Add(-time.Hour)
	expired := seedLicense(t, st, &store.License{LicenseKey: "EXPIRED", ExpiresAt: &past})

	svc := NewService(st)
	tests := []struct {
		name string
		req  Request
		want apperrors.Kind
	}{
		{"missing fields", Request{}, apperrors.KindInvalidRequest},
		{"unknown key", Request{LicenseKey: "NOPE", DeviceID: "d"}, apperrors.KindNotFound},
		{"revoked", Request{LicenseKey: "revoked", DeviceID: "d"}, apperrors.KindNotActive},
		{"expired", Request{LicenseKey: "EXPIRED", DeviceID: "d"}, apperrors.KindExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Activate(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.KindOf(err))
		})
	}

	for _, id := range []string{revoked.ID, expired.ID} {
		acts, err := st.ListActivations(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, acts, "rejected activation must not write")
	}

	got, err := st.GetLicense(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, store.LicenseStatusActive, got.Status, "expiry does not change status")
}
