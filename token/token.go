/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package token issues and verifies the HS256 JWTs used by the relay and
// extracts expiry times from any JWT handed to the call session.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Kinds of credential a token can grant.
const (
	KindRTM = "rtm"
	KindRTC = "rtc"
)

// MinSecretLen is the minimum HS256 key size in bytes.
const MinSecretLen = 32

var (
	// ErrInvalidToken is returned when a token fails signature or claim checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoExpiry is returned by Expiry when the token carries no exp claim.
	ErrNoExpiry = errors.New("token has no expiry")
)

// parseAlgorithms are the signature algorithms accepted when reading a token's
// claims without verification.
var parseAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.EdDSA,
}

// Claims are the custom claims carried next to the registered ones.
type Claims struct {
	Kind string `json:"kind"`
}

// Grant is the verified content of a token.
type Grant struct {
	UserID  string
	Kind    string
	Expires time.Time
}

// Issuer signs and verifies tokens with a shared secret.
type Issuer struct {
	secret []byte
	name   string
	now    func() time.Time
}

// NewIssuer creates an Issuer. The secret must be at least MinSecretLen bytes.
func NewIssuer(secret []byte, name string) (*Issuer, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	if name == "" {
		name = "onetoone"
	}
	return &Issuer{secret: secret, name: name, now: time.Now}, nil
}

// Issue signs a token granting kind to userID for ttl.
func (i *Issuer) Issue(userID, kind string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: i.secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("error creating signer: %w", err)
	}

	now := i.now()
	registered := jwt.Claims{
		Issuer:    i.name,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(ttl)),
	}
	raw, err := jwt.Signed(sig).Claims(registered).Claims(Claims{Kind: kind}).Serialize()
	if err != nil {
		return "", fmt.Errorf("error signing token: %w", err)
	}
	return raw, nil
}

// Verify checks the signature, issuer, time window and kind of raw.
// An empty kind accepts any kind.
func (i *Issuer) Verify(raw, kind string) (*Grant, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var registered jwt.Claims
	var custom Claims
	if err := tok.Claims(i.secret, &registered, &custom); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := registered.ValidateWithLeeway(jwt.Expected{Issuer: i.name, Time: i.now()}, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if kind != "" && custom.Kind != kind {
		return nil, fmt.Errorf("%w: kind %q, expected %q", ErrInvalidToken, custom.Kind, kind)
	}
	if registered.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	g := &Grant{UserID: registered.Subject, Kind: custom.Kind}
	if registered.Expiry != nil {
		g.Expires = registered.Expiry.Time()
	}
	return g, nil
}

// Expiry returns the exp claim of a JWT without verifying its signature.
// Opaque (non-JWT) tokens return an error.
func Expiry(raw string) (time.Time, error) {
	tok, err := jwt.ParseSigned(raw, parseAlgorithms)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a JWT: %w", err)
	}
	var registered jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&registered); err != nil {
		return time.Time{}, fmt.Errorf("error reading claims: %w", err)
	}
	if registered.Expiry == nil {
		return time.Time{}, ErrNoExpiry
	}
	return registered.Expiry.Time(), nil
}
