package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	dErrors "certify/pkg/domain-errors"
)

type presentRequest struct {
	CredentialID string   `validate:"required,uuid"`
	Fields       []string `validate:"max=3,dive,fieldname"`
	Verifier     string   `validate:"omitempty,notblank"`
	Type         string   `validate:"omitempty,oneof=BIRTH DEATH"`
}

func TestValidate(t *testing.T) {
	const id = "8f14e45f-ceea-467f-a3f5-0b6f1c3a9a11"
	tests := []struct {
		name string
		req  presentRequest
		msg  string
	}{
		{"valid", presentRequest{CredentialID: id, Fields: []string{"childName", "dob"}}, ""},
		{"missing id", presentRequest{}, "credential_id is required"},
		{"bad uuid", presentRequest{CredentialID: "abc"}, "credential_id must be a valid uuid"},
		{"bad field name", presentRequest{CredentialID: id, Fields: []string{"child name"}}, "fields[0] must be a field identifier"},
		{"too many fields", presentRequest{CredentialID: id, Fields: []string{"a", "b", "c", "d"}}, "fields must be at most 3"},
		{"blank verifier", presentRequest{CredentialID: id, Verifier: "   "}, "verifier must not be blank"},
		{"unknown type", presentRequest{CredentialID: id, Type: "NOC"}, "type must be one of [BIRTH DEATH]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req)
			if tt.msg == "" {
				assert.NoError(t, err)
				return
			}
			assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
			assert.EqualError(t, err, tt.msg)
		})
	}
}

func TestToSnakeCase(t *testing.T) {
	for in, want := range map[string]string{
		"CredentialID":  "credential_id",
		"ApplicationID": "application_id",
		"Fields[0]":     "fields[0]",
		"dob":           "dob",
	} {
		assert.Equal(t, want, toSnakeCase(in))
	}
}
