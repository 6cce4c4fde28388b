package jwttoken

import "certify/pkg/requestcontext"

// OfficialValidator adapts JWTService to the auth middleware.
type OfficialValidator struct {
	service *JWTService
}

func NewOfficialValidator(service *JWTService) *OfficialValidator {
	return &OfficialValidator{service: service}
}

func (v *OfficialValidator) ValidateToken(token string) (requestcontext.Principal, error) {
	claims, err := v.service.ValidateOfficialToken(token)
	if err != nil {
		return requestcontext.Principal{}, err
	}
	return requestcontext.Principal{
		Subject:   claims.Subject,
		Authority: claims.Authority,
		IssuerID:  claims.IssuerID,
		Roles:     claims.Roles,
	}, nil
}

// ServiceValidator maps service tokens to principals whose roles are the
// granted scopes.
type ServiceValidator struct {
	service *JWTService
}

func NewServiceValidator(service *JWTService) *ServiceValidator {
	return &ServiceValidator{service: service}
}

func (v *ServiceValidator) ValidateToken(token string) (requestcontext.Principal, error) {
	claims, err := v.service.ValidateServiceToken(token)
	if err != nil {
		return requestcontext.Principal{}, err
	}
	return requestcontext.Principal{Subject: claims.Subject, Roles: claims.Scope}, nil
}
