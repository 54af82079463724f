package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	err := E(KindNotFound, "find_license", fmt.Errorf("sql: no rows"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("expected errors.Is(err, ErrNotFound)")
	}
	if errors.Is(err, ErrStorage) {
		t.Fatal("did not expect errors.Is(err, ErrStorage)")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatal("expected kind to survive fmt.Errorf wrapping")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), KindInternal},
		{"typed", E(KindExpired, "activate", nil), KindExpired},
		{"wrapped", fmt.Errorf("x: %w", E(KindUpstream, "portal", nil)), KindUpstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindInvalidRequest:     http.StatusBadRequest,
		KindUnauthorized:       http.StatusUnauthorized,
		KindNotActive:          http.StatusForbidden,
		KindExpired:            http.StatusForbidden,
		KindSlotLimitExceeded:  http.StatusForbidden,
		KindNotFound:           http.StatusNotFound,
		KindSubscriptionActive: http.StatusConflict,
		KindUpstream:           http.StatusBadGateway,
		KindStorage:            http.StatusInternalServerError,
		KindServerConfig:       http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestWriteJSONDoesNotLeakCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, E(KindStorage, "upsert_activation", errors.New("database is locked (5) SQLITE_BUSY")))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rec.Body.String(), "SQLITE_BUSY") {
		t.Fatalf("response leaked storage error: %s", rec.Body.String())
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Error != KindStorage {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Message != DefaultMessage(KindStorage) {
		t.Fatalf("message = %q", resp.Message)
	}
}

func TestMessageOfPrefersExplicitMessage(t *testing.T) {
	err := Msg(KindInvalidRequest, "activate", "license_key and device_id are required")
	if got := MessageOf(err); got != "license_key and device_id are required" {
		t.Fatalf("MessageOf = %q", got)
	}
}

func TestIsExpected(t *testing.T) {
	if !IsExpected(ErrSlotLimitExceeded) {
		t.Error("slot limit should be an expected outcome")
	}
	if !IsExpected(ErrSubscriptionActive) {
		t.Error("subscription active should be an expected outcome")
	}
	if IsExpected(E(KindStorage, "x", nil)) {
		t.Error("storage errors are failures")
	}
}

func TestRetryable(t *testing.T) {
	for _, err := range []error{ErrUpstream, E(KindStorage, "x", errors.New("locked")), ErrRateLimited} {
		if !Retryable(err) {
			t.Errorf("%v should be retryable", err)
		}
	}
	for _, err := range []error{ErrSlotLimitExceeded, ErrSubscriptionActive, errors.New("plain")} {
		if Retryable(err) {
			t.Errorf("%v should not be retryable", err)
		}
	}
}
