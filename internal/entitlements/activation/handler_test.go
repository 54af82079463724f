package activation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/screenstranslate/license-server/internal/entitlements/store"
)

func postActivate(t *testing.T, h http.Handler, body, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/activate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleActivateStatusCodes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, st, &store.License{LicenseKey: "HTTP-1", MaxDevices: 1})
	revoked := seedLicense(t, st, &store.License{LicenseKey: "HTTP-REVOKED"})
	if err := st.SetLicenseStatus(ctx, revoked.ID, store.LicenseStatusRevoked); err != nil {
		t.Fatal(err)
	}

	h := HandleActivate(NewService(st), "")

	tests := []struct {
		name string
		body string
		want int
		kind string
	}{
		{"ok", `{"license_key":"http-1","device_id":"one"}`, http.StatusOK, ""},
		{"reactivate", `{"license_key":"HTTP-1","device_id":"one","app_version":"3.1"}`, http.StatusOK, ""},
		{"slot limit", `{"license_key":"HTTP-1","device_id":"two"}`, http.StatusForbidden, "SLOT_LIMIT_EXCEEDED"},
		{"not active", `{"license_key":"HTTP-REVOKED","device_id":"one"}`, http.StatusForbidden, "NOT_ACTIVE"},
		{"not found", `{"license_key":"MISSING","device_id":"one"}`, http.StatusNotFound, "NOT_FOUND"},
		{"invalid json", `{"license_key":`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing fields", `{}`, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postActivate(t, h, tt.body, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			var resp map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tt.kind == "" {
				if resp["success"] != true {
					t.Fatalf("expected success, got %v", resp)
				}
				return
			}
			if resp["success"] != false || resp["error"] != tt.kind {
				t.Fatalf("unexpected error body: %v", resp)
			}
		})
	}
}

func TestHandleActivateSuccessBody(t *testing.T) {
	st := newTestStore(t)
	seedLicense(t, st, &store.License{LicenseKey: "BODY", Email: strPtr("x@example.com")})
	h := HandleActivate(NewService(st), "")

	rec := postActivate(t, h, `{"license_key":"BODY","device_id":"d"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Plan != "pro" || res.MaxDevices != 3 || res.AppVersion != "unknown" || res.Status != store.LicenseStatusActive {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.DailyLimit != nil || res.ExpiresAt != nil {
		t.Fatalf("expected null daily_limit and expires_at: %+v", res)
	}
	if !strings.Contains(rec.Body.String(), `"daily_limit":null`) {
		t.Fatalf("daily_limit must be serialized as null: %s", rec.Body.String())
	}
}

func TestHandleActivateSharedSecret(t *testing.T) {
	st := newTestStore(t)
	seedLicense(t, st, &store.License{LicenseKey: "SECRET"})
	h := HandleActivate(NewService(st), "s3cret")
	body := `{"license_key":"SECRET","device_id":"d"}`

	if rec := postActivate(t, h, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret: status = %d", rec.Code)
	}
	if rec := postActivate(t, h, body, "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d", rec.Code)
	}
	if rec := postActivate(t, h, body, "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("valid secret: status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleActivateRejectsOtherMethods(t *testing.T) {
	h := HandleActivate(NewService(newTestStore(t)), "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/activate", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleActivateBodyLimit(t *testing.T) {
	h := HandleActivate(NewService(newTestStore(t)), "")
	big := `{"license_key":"` + strings.Repeat("A", 70*1024) + `","device_id":"d"}`
	if rec := postActivate(t, h, big, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
