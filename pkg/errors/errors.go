// Package errors provides coded errors shared by the store, the HTTP layer and
// the CLI. Codes follow "area.entity.reason"; the last segment is the reason
// callers branch on.
package errors

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeStoreIdentityNotFound     Code = "store.identity.not_found"
	CodeStoreIdentityConflict     Code = "store.identity.conflict"
	CodeStoreDimensionMismatch    Code = "store.embedding.dimension_mismatch"
	CodeStoreIOFailure            Code = "store.io.failure"
	CodeStoreCatalogCorrupt       Code = "store.catalog.corrupt"
	CodeStoreCatalogModelMismatch Code = "store.catalog.model_mismatch"
	CodeStoreInputInvalid         Code = "store.input.invalid"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeVisionUnavailable  Code = "vision.extractor.unavailable"
	CodeVisionImageInvalid Code = "vision.image.invalid"
	CodeVisionInferFailure Code = "vision.infer.failure"
	CodeVisionNoFace       Code = "vision.face.missing"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerInternalFailure Code = "server.internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldID(value string) Attr {
	return Field("id", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).Wrapf(err, format, args...)
}

// CodeOf returns the code carried by err, or "" for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}
	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}
	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

// FieldsOf returns the structured context attached to err.
func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

// IsDuplicate reports a DuplicateId precondition failure.
func IsDuplicate(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsDimensionMismatch(err error) bool {
	return HasCode(err, CodeStoreDimensionMismatch)
}

func IsStorageIO(err error) bool {
	return HasCode(err, CodeStoreIOFailure)
}

func IsCorruptCatalog(err error) bool {
	return HasCode(err, CodeStoreCatalogCorrupt)
}

func IsModelMismatch(err error) bool {
	return HasCode(err, CodeStoreCatalogModelMismatch)
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

// HTTPStatus maps an error to the status the API answers with.
func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsDuplicate(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsDimensionMismatch(err), IsModelMismatch(err):
		return http.StatusUnprocessableEntity
	case HasCode(err, CodeVisionNoFace):
		return http.StatusUnprocessableEntity
	case HasCode(err, CodeVisionUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
