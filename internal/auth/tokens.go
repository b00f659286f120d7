// Perimetra - Tenant-Scoped Visitor Event Ingestion and Fan-Out
// Copyright 2026 Perimetra Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/perimetra/perimetra

package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claim names on access tokens.
const (
	ClaimIssuer        = "iss"
	ClaimType          = "type"
	ClaimUserID        = "user_id"
	ClaimApplicationID = "application_id"
	ClaimTenantID      = "tenant_id"
)

// Principal types carried in the "type" claim.
const (
	PrincipalUser        = "user"
	PrincipalApplication = "application"
)

// claimSecret holds a sealed secret value.
const claimSecret = "secret"

// Encode signs claims with HS256 under the given secret.
func Encode(claims jwt.MapClaims, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies an HS256 token against the secret and returns its claims.
// Tokens carry no expiry; validity is membership in the tenant's token set.
func Decode(tokenString, secret string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	).ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return claims, nil
}

// ConsumerKey extracts the issuer claim without verifying the signature.
// The issuer names the consumer whose secret verifies the token, so it has
// to be read before any verification secret is known.
func ConsumerKey(tokenString string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	issuer, _ := claims[ClaimIssuer].(string)
	if issuer == "" {
		return "", ErrConsumerMissing
	}
	return issuer, nil
}

// Seal wraps a secret value in a JWT signed by the master secret. Tenant
// secrets and consumer secrets are stored sealed, never in the clear.
func Seal(value, masterSecret string) (string, error) {
	return Encode(jwt.MapClaims{claimSecret: value}, masterSecret)
}

// Unseal recovers a sealed secret value.
func Unseal(sealed, masterSecret string) (string, error) {
	claims, err := Decode(sealed, masterSecret)
	if err != nil {
		return "", fmt.Errorf("unseal secret: %w", err)
	}
	value, _ := claims[claimSecret].(string)
	if value == "" {
		return "", fmt.Errorf("sealed value has no secret claim")
	}
	return value, nil
}
