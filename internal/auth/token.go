// Package auth issues and verifies the bearer tokens presented on the signal
// handshake.
package auth

import (
	"errors"
	"time"

	"github.com/dkeye/roomlink/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "roomlink"

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
	ErrGuestIdentity     = errors.New("guest ids cannot hold a token")
)

type Claims struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a token for user that expires after ttl.
func Issue(user domain.User, ttl time.Duration, secret []byte) (string, time.Time, error) {
	if err := user.Validate(); err != nil {
		return "", time.Time{}, err
	}
	if user.ID.IsGuest() {
		return "", time.Time{}, ErrGuestIdentity
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := &Claims{
		Username: user.Username,
		Avatar:   user.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user.ID),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", exp, err
	}
	return signed, exp, nil
}

// Verify checks token and returns the user it identifies.
func Verify(token string, secret []byte) (domain.User, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithIssuer(issuer))

	switch {
	case err == nil && parsed.Valid:
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.User{}, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return domain.User{}, ErrTokenInvalid
	default:
		return domain.User{}, ErrUnrecognizedToken
	}
	if claims.Subject == "" {
		return domain.User{}, ErrTokenInvalid
	}
	return domain.User{ID: domain.UserID(claims.Subject), Username: claims.Username, Avatar: claims.Avatar}, nil
}
