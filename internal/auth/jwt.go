// Package auth resolves session tokens to the user they were issued for.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/invoicecat/invoicecat/internal/apperr"
)

// Claims is the token payload. The user name lives under data.username;
// sub is accepted as a fallback.
type Claims struct {
	Data struct {
		Username string `json:"username"`
	} `json:"data"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC-signed tokens.
type Verifier struct {
	key    []byte
	method jwt.SigningMethod
	issuer string
	now    func() time.Time
}

// NewVerifier creates a Verifier for one HMAC algorithm (HS256, HS384 or
// HS512). A non-empty issuer must match the iss claim.
func NewVerifier(key []byte, alg, issuer string) (*Verifier, error) {
	if len(key) == 0 {
		return nil, errors.New("empty signing key")
	}
	m := jwt.GetSigningMethod(strings.ToUpper(alg))
	if _, ok := m.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	return &Verifier{key: key, method: m, issuer: issuer, now: time.Now}, nil
}

// Verify returns the user a token was issued for. Expired tokens yield an
// AuthError with reason "expired"; every other failure has reason "invalid".
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", apperr.InvalidToken(errors.New("missing token"))
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, opts...)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return "", apperr.Expired()
	}
	if err != nil {
		return "", apperr.InvalidToken(err)
	}

	owner := claims.Data.Username
	if owner == "" {
		owner = claims.Subject
	}
	if owner == "" {
		return "", apperr.InvalidToken(errors.New("token names no user"))
	}
	return owner, nil
}

// Issue signs a token for owner valid for ttl.
func (v *Verifier) Issue(owner string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner,
			Issuer:    v.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	claims.Data.Username = owner

	signed, err := jwt.NewWithClaims(v.method, claims).SignedString(v.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
