package jwttoken

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "certify/pkg/domain-errors"
	"certify/pkg/requestcontext"
)

const (
	useOfficial = "official"
	useService  = "service"
)

// OfficialClaims identify a department officer. Authority is the signing
// identity registered with the anchor for IssuerID.
type OfficialClaims struct {
	Use       string   `json:"use"`
	IssuerID  string   `json:"issuer_id,omitempty"`
	Authority string   `json:"authority,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// ServiceClaims identify a backend calling the custody service.
type ServiceClaims struct {
	Use   string   `json:"use"`
	Scope []string `json:"scope"`
	jwt.RegisteredClaims
}

// Official is the input to GenerateOfficialToken.
type Official struct {
	Subject   string
	IssuerID  string
	Authority string
	Roles     []string
}

// JWTService mints and validates HS256 tokens for one issuer/audience pair.
type JWTService struct {
	signingKey []byte
	issuer     string
	audience   string
	tokenTTL   time.Duration
}

func NewJWTService(signingKey, issuer, audience string, tokenTTL time.Duration) *JWTService {
	return &JWTService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
		tokenTTL:   tokenTTL,
	}
}

func (s *JWTService) registered(ctx context.Context, subject string) jwt.RegisteredClaims {
	now := requestcontext.Now(ctx)
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		ID:        uuid.NewString(),
	}
}

func (s *JWTService) GenerateOfficialToken(ctx context.Context, o Official) (string, error) {
	if o.Subject == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "subject is required")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, OfficialClaims{
		Use:              useOfficial,
		IssuerID:         o.IssuerID,
		Authority:        o.Authority,
		Roles:            slices.Clone(o.Roles),
		RegisteredClaims: s.registered(ctx, o.Subject),
	})
	return token.SignedString(s.signingKey)
}

func (s *JWTService) GenerateServiceToken(ctx context.Context, service string, scope []string) (string, error) {
	if service == "" || len(scope) == 0 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "service and scope are required")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ServiceClaims{
		Use:              useService,
		Scope:            slices.Clone(scope),
		RegisteredClaims: s.registered(ctx, service),
	})
	return token.SignedString(s.signingKey)
}

func (s *JWTService) ValidateOfficialToken(tokenString string) (*OfficialClaims, error) {
	claims := new(OfficialClaims)
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Use != useOfficial {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "not an official token")
	}
	return claims, nil
}

func (s *JWTService) ValidateServiceToken(tokenString string) (*ServiceClaims, error) {
	claims := new(ServiceClaims)
	if err := s.parse(tokenString, claims); err != nil {
		return nil, err
	}
	if claims.Use != useService {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "not a service token")
	}
	return claims, nil
}

func (s *JWTService) parse(tokenString string, claims jwt.Claims) error {
	if tokenString == "" {
		return dErrors.New(dErrors.CodeUnauthorized, "empty token")
	}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return dErrors.New(dErrors.CodeUnauthorized, "token expired")
		}
		return dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	if !parsed.Valid {
		return dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	return nil
}
