// ABOUTME: JWT token issuance and verification for authenticating API requests
// ABOUTME: Uses HS256 signing with configurable secret, plus jti-based revocation

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrRevokedToken = errors.New("token revoked")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims is the validated content of a token. The subject is an opaque user
// identifier used only to namespace persisted history.
type Claims struct {
	Subject   string
	TokenID   string
	ExpiresAt time.Time
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(ctx context.Context, tokenString string) (*Claims, error)
}

// RevocationStore is the slice of the store used for token revocation.
type RevocationStore interface {
	RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs. Every
// issued token carries a unique jti so it can be revoked individually.
type JWTVerifier struct {
	secret      []byte
	revocations RevocationStore
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
// revocations may be nil, in which case revocation checks are skipped.
func NewJWTVerifier(secret []byte, revocations RevocationStore) *JWTVerifier {
	return &JWTVerifier{secret: secret, revocations: revocations}
}

// Verify validates the token, checks revocation, and extracts the claims.
func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := v.parse(tokenString)
	if err != nil {
		return nil, err
	}

	if v.revocations != nil && claims.TokenID != "" {
		revoked, err := v.revocations.IsTokenRevoked(ctx, claims.TokenID)
		if err != nil {
			return nil, fmt.Errorf("checking revocation: %w", err)
		}
		if revoked {
			return nil, ErrRevokedToken
		}
	}

	return claims, nil
}

// Generate creates a new JWT token for the given subject with expiration.
// Returns the signed token and its jti for later revocation.
func (v *JWTVerifier) Generate(subject string, expiresIn time.Duration) (tokenString, tokenID string, err error) {
	now := time.Now()
	tokenID = uuid.NewString()
	claims := jwt.MapClaims{
		"sub": subject,
		"jti": tokenID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err = token.SignedString(v.secret)
	return tokenString, tokenID, err
}

// Revoke marks the token's jti as revoked until the token's own expiry.
func (v *JWTVerifier) Revoke(ctx context.Context, tokenString string) error {
	if v.revocations == nil {
		return errors.New("no revocation store configured")
	}
	claims, err := v.parse(tokenString)
	if err != nil {
		return err
	}
	return v.revocations.RevokeToken(ctx, claims.TokenID, claims.ExpiresAt)
}

func (v *JWTVerifier) parse(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := mapClaims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	jti, ok := mapClaims["jti"].(string)
	if !ok || jti == "" {
		return nil, fmt.Errorf("%w: jti", ErrMissingClaim)
	}

	claims := &Claims{Subject: sub, TokenID: jti}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}
