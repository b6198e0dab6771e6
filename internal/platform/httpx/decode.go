package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// DefaultBodyLimit bounds request bodies when callers pass no explicit limit.
const DefaultBodyLimit = 1 << 20

var (
	// ErrEmptyBody is returned for a missing or whitespace-only body.
	ErrEmptyBody = errors.New("request body is required")
	// ErrBodyTooLarge is returned when the body exceeds the limit.
	ErrBodyTooLarge = errors.New("request body too large")
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator. Field names in errors use the json tag.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// DecodeJSON reads at most limit bytes into dst, rejects unknown fields and runs struct
// validation. Failures come back as a ready-to-write Error.
func DecodeJSON(r *http.Request, limit int64, dst any) *Error {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	data, err := readBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, ErrEmptyBody):
			e := NewError("invalid_request", err.Error(), http.StatusBadRequest)
			return &e
		case errors.Is(err, ErrBodyTooLarge):
			e := NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge)
			return &e
		default:
			e := NewError("invalid_request", "failed to read request body", http.StatusBadRequest)
			return &e
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		e := NewError("invalid_request", fmt.Sprintf("invalid JSON payload: %v", err), http.StatusBadRequest)
		return &e
	}
	return ValidateStruct(dst)
}

// ValidateStruct runs the shared validator and converts failures to a 400 Error listing fields.
func ValidateStruct(v any) *Error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		e := NewError("invalid_request", err.Error(), http.StatusBadRequest)
		return &e
	}
	fields := make(map[string]string, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := strings.TrimPrefix(fe.Namespace(), rootNamespace(fe))
		fields[name] = fe.Tag()
		names = append(names, name)
	}
	e := NewError("invalid_request", "invalid fields: "+strings.Join(names, ", "), http.StatusBadRequest).
		WithDetails(map[string]any{"fields": fields})
	return &e
}

func rootNamespace(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[:idx+1]
	}
	return ""
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, ErrEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyBody
	}
	return data, nil
}
