// Package httpio holds the JSON request and response helpers shared by the
// entitlement HTTP handlers.
package httpio

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/screenstranslate/license-server/internal/errors"
)

// DefaultBodyLimit caps JSON request bodies.
const DefaultBodyLimit = 64 * 1024

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Use JSON tag names in error messages
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks v's validate tags and returns an INVALID_REQUEST error
// naming the offending fields.
func Validate(op string, v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.E(apperrors.KindInvalidRequest, op, err)
	}
	var required, other []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			required = append(required, fe.Field())
		} else {
			other = append(other, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	var parts []string
	if len(required) > 0 {
		verb := "is"
		if len(required) > 1 {
			verb = "are"
		}
		parts = append(parts, fmt.Sprintf("%s %s required", strings.Join(required, " and "), verb))
	}
	parts = append(parts, other...)
	return apperrors.Msg(apperrors.KindInvalidRequest, op, strings.Join(parts, "; "))
}

// DecodeJSON reads a size-limited JSON body into dst. An empty body leaves
// dst untouched.
func DecodeJSON(w http.ResponseWriter, r *http.Request, op string, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, DefaultBodyLimit)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return apperrors.Msg(apperrors.KindInvalidRequest, op, "Request body too large")
		}
		return apperrors.E(apperrors.KindInvalidRequest, op, err).WithMessage("Invalid JSON")
	}
	return nil
}

// WriteJSON writes v with the given status.
func WriteJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// MethodNotAllowed writes a 405 with the Allow header set.
func MethodNotAllowed(w http.ResponseWriter, allow ...string) {
	w.Header().Set("Allow", strings.Join(allow, ", "))
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
