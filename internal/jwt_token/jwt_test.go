package jwttoken

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "certify/pkg/domain-errors"
	"certify/pkg/requestcontext"
)

func newService() *JWTService {
	return NewJWTService("test-signing-key", "certify-test", "certify-api", time.Hour)
}

var officer = Official{
	Subject:   "officer-7",
	IssuerID:  "dept-health",
	Authority: "auth-health-1",
	Roles:     []string{"official"},
}

func TestOfficialTokenRoundTrip(t *testing.T) {
	svc := newService()
	token, err := svc.GenerateOfficialToken(context.Background(), officer)
	require.NoError(t, err)

	p, err := NewOfficialValidator(svc).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, requestcontext.Principal{
		Subject:   "officer-7",
		Authority: "auth-health-1",
		IssuerID:  "dept-health",
		Roles:     []string{"official"},
	}, p)
}

func TestServiceTokenRoundTrip(t *testing.T) {
	svc := newService()
	token, err := svc.GenerateServiceToken(context.Background(), "certify-server", []string{"custody:sign", "custody:vault"})
	require.NoError(t, err)

	p, err := NewServiceValidator(svc).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "certify-server", p.Subject)
	assert.True(t, p.HasRole("custody:vault"))
}

func TestTokenKindsAreNotInterchangeable(t *testing.T) {
	svc := newService()
	official, err := svc.GenerateOfficialToken(context.Background(), officer)
	require.NoError(t, err)
	service, err := svc.GenerateServiceToken(context.Background(), "certify-server", []string{"custody:sign"})
	require.NoError(t, err)

	_, err = svc.ValidateServiceToken(official)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	_, err = svc.ValidateOfficialToken(service)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestValidateRejects(t *testing.T) {
	svc := newService()
	past := requestcontext.WithTime(context.Background(), time.Now().Add(-2*time.Hour))
	expired, err := svc.GenerateOfficialToken(past, officer)
	require.NoError(t, err)

	otherKey, err := NewJWTService("other-key", "certify-test", "certify-api", time.Hour).GenerateOfficialToken(context.Background(), officer)
	require.NoError(t, err)
	otherAudience, err := NewJWTService("test-signing-key", "certify-test", "certify-custody", time.Hour).GenerateOfficialToken(context.Background(), officer)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, OfficialClaims{Use: useOfficial})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]struct {
		token string
		msg   string
	}{
		"empty":          {"", "empty token"},
		"garbage":        {"not-a-jwt", "invalid token"},
		"expired":        {expired, "token expired"},
		"wrong key":      {otherKey, "invalid token"},
		"wrong audience": {otherAudience, "invalid token"},
		"alg none":       {unsigned, "invalid token"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.ValidateOfficialToken(tt.token)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
			assert.EqualError(t, err, tt.msg)
		})
	}
}

func TestGenerateRequiresIdentity(t *testing.T) {
	svc := newService()
	_, err := svc.GenerateOfficialToken(context.Background(), Official{})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	_, err = svc.GenerateServiceToken(context.Background(), "certify-server", nil)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}
