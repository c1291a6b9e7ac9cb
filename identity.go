/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	playerCookieName = "fretquiz_id"
	playerCookieTTL  = 30 * 24 * time.Hour
)

var errInvalidPlayerToken = errors.New("invalid player token")

// identity issues and checks the signed cookie that names a player across
// reconnects.
type identity struct {
	secret []byte
	secure bool
	now    func() time.Time
}

func newIdentity(cfg *Config) (*identity, error) {
	secret := []byte(cfg.secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating cookie secret: %w", err)
		}
	}

	return &identity{
		secret: secret,
		secure: cfg.scheme() == "https",
		now:    time.Now,
	}, nil
}

func (id *identity) sign(playerID string) (string, error) {
	now := id.now()

	claims := jwt.RegisteredClaims{
		Subject:   playerID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(playerCookieTTL)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(id.secret)
}

func (id *identity) verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}

	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) {
			return id.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(id.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errInvalidPlayerToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", errInvalidPlayerToken)
	}

	return claims.Subject, nil
}

// playerID returns the caller's player ID, issuing a fresh one when the
// request carries no valid cookie.
func (id *identity) playerID(w http.ResponseWriter, r *http.Request) (string, error) {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		if playerID, err := id.verify(c.Value); err == nil {
			return playerID, nil
		}
	}

	playerID := uuid.NewString()

	token, err := id.sign(playerID)
	if err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(playerCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   id.secure,
		SameSite: http.SameSiteLaxMode,
	})

	return playerID, nil
}
