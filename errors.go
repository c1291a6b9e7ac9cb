/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Seednode/fretquiz/games"
	"github.com/Seednode/fretquiz/store"
)

func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.verbose {
		level = zerolog.DebugLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: logDate}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// errorCode maps game errors onto the codes sent to clients.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, games.ErrInvalidOpts):
		return "invalid_opts", http.StatusBadRequest
	case errors.Is(err, games.ErrInvalidState):
		return "invalid_state", http.StatusConflict
	case errors.Is(err, games.ErrUnauthorized):
		return "unauthorized", http.StatusForbidden
	case errors.Is(err, games.ErrNotAMember):
		return "not_a_member", http.StatusForbidden
	case errors.Is(err, games.ErrDuplicateGuess):
		return "duplicate_guess", http.StatusConflict
	case errors.Is(err, games.ErrCoordOutOfRange):
		return "coord_out_of_range", http.StatusBadRequest
	case errors.Is(err, games.ErrGameNotFound):
		return "game_not_found", http.StatusNotFound
	case errors.Is(err, games.ErrGameAlreadyStarted):
		return "game_already_started", http.StatusConflict
	case errors.Is(err, store.ErrPersistenceDegraded):
		return "persistence_degraded", http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest):
		return "bad_request", http.StatusBadRequest
	default:
		return "internal", http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(getFavicon())
	htmlBody.WriteString(`<link rel="stylesheet" href="/assets/fretquiz/app.css">`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><main class=\"page\"><a href=\"/\">%s</a></main></body></html>", body))

	return htmlBody.String()
}
