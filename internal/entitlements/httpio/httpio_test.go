package httpio

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/screenstranslate/license-server/internal/errors"
)

type sample struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required"`
	Note  string `json:"note" validate:"max=3"`
}

func TestValidateNamesFields(t *testing.T) {
	err := Validate("op", sample{})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvalidRequest, apperrors.KindOf(err))
	assert.Equal(t, "name and email are required", apperrors.MessageOf(err))

	err = Validate("op", sample{Name: "a", Email: "b", Note: "toolong"})
	assert.Equal(t, "note is invalid", apperrors.MessageOf(err))

	assert.NoError(t, Validate("op", sample{Name: "a", Email: "b"}))
}

func TestDecodeJSON(t *testing.T) {
	decode := func(body string) (sample, error) {
		var s sample
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := DecodeJSON(httptest.NewRecorder(), req, "op", &s)
		return s, err
	}

	s, err := decode(`{"name":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, "x", s.Name)

	_, err = decode("")
	assert.NoError(t, err)

	_, err = decode(`{"name":`)
	assert.Equal(t, "Invalid JSON", apperrors.MessageOf(err))

	_, err = decode(`{"name":"` + strings.Repeat("a", DefaultBodyLimit) + `"}`)
	assert.Equal(t, "Request body too large", apperrors.MessageOf(err))
}

func TestMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	MethodNotAllowed(rec, http.MethodGet, http.MethodDelete)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, DELETE", rec.Header().Get("Allow"))
}
