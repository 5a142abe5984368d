package api

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"taskboard/domain"
)

// SignTestToken returns an HS256 token accepted by an Auth in test mode.
func SignTestToken(secret []byte, ident domain.Identity, projectID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("TEST_JWT_SECRET must be set")
	}
	if ident.UserID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": ident.UserID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if ident.Email != "" {
		claims["email"] = ident.Email
	}
	if projectID != "" {
		claims["aud"] = projectID
		claims["iss"] = firebaseIssuer + projectID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
