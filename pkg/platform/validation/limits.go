package validation

import (
	"fmt"

	dErrors "certify/pkg/domain-errors"
)

const (
	// MaxBodySize is the request body limit for the JSON APIs. Presentation
	// proofs are a few hundred bytes; the bulk is field values.
	MaxBodySize = 256 * 1024

	// MaxBatchSize bounds one batch issuance request.
	MaxBatchSize = 100

	// MaxFieldValueLength bounds a single credential field value.
	MaxFieldValueLength = 4096

	// MaxReasonLength bounds revocation and rejection reasons.
	MaxReasonLength = 500

	// MaxIdentifierLength bounds caller-supplied ids such as subject_id and verifier.
	MaxIdentifierLength = 128
)

// CheckSliceCount validates that a slice does not exceed the maximum count.
func CheckSliceCount(fieldName string, count, max int) error {
	if count > max {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("too many %s: max %d allowed", fieldName, max))
	}
	return nil
}

// CheckStringLength validates that a string does not exceed the maximum length.
func CheckStringLength(fieldName, value string, max int) error {
	if len(value) > max {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s exceeds max length of %d", fieldName, max))
	}
	return nil
}

// CheckFieldValues validates every string value in a credential field map.
func CheckFieldValues(fields map[string]any) error {
	for name, v := range fields {
		if s, ok := v.(string); ok && len(s) > MaxFieldValueLength {
			return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("field %s exceeds max length of %d", name, MaxFieldValueLength))
		}
	}
	return nil
}
