/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"github.com/Seednode/fretquiz/games"
	"github.com/Seednode/fretquiz/theory"
)

// Messages coming from clients
type ClientMessage struct {
	Type   string `json:"type"`             // "join", "guess", "start_game", "advance_round"
	String *int   `json:"string,omitempty"` // guess
	Fret   *int   `json:"fret,omitempty"`   // guess
}

// Messages sent to clients
type WelcomeMessage struct {
	Type     string `json:"type"` // "welcome"
	GameID   string `json:"game_id"`
	PlayerID string `json:"player_id"`
}

type StateMessage struct {
	Type        string       `json:"type"` // "state"
	GameID      string       `json:"game_id"`
	Status      games.Status `json:"status"`
	HostID      string       `json:"host_id"`
	Players     []string     `json:"players"`
	Opts        games.Opts   `json:"opts"`
	RoundNumber int          `json:"round_number"`
	Round       *games.Round `json:"round,omitempty"`
}

type GuessResultMessage struct {
	Type     string           `json:"type"` // "guess_result"
	PlayerID string           `json:"player_id"`
	Coord    theory.FretCoord `json:"coord"`
	Correct  bool             `json:"correct"`
}

type RoundClosedMessage struct {
	Type   string      `json:"type"` // "round_closed"
	Winner string      `json:"winner,omitempty"`
	Note   theory.Note `json:"note"`
}

type GameOverMessage struct {
	Type  string     `json:"type"` // "game_over"
	State games.Game `json:"state"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

type NoticeMessage struct {
	Type    string `json:"type"` // "notice"
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func newStateMessage(g games.Game) StateMessage {
	return StateMessage{
		Type:        "state",
		GameID:      g.ID,
		Status:      g.Status,
		HostID:      g.HostID,
		Players:     g.PlayerIDs,
		Opts:        g.Opts,
		RoundNumber: len(g.Rounds),
		Round:       g.CurrentRound(),
	}
}

func newErrorMessage(err error) ErrorMessage {
	code, _ := errorCode(err)

	return ErrorMessage{
		Type:    "error",
		Code:    code,
		Message: err.Error(),
	}
}

// deltaMessages returns what the room should hear about d, in delivery order.
// g is the game as it stands after d was applied.
func deltaMessages(d games.Delta, g games.Game) []any {
	var msgs []any

	if d.Guess != nil {
		msgs = append(msgs, GuessResultMessage{
			Type:     "guess_result",
			PlayerID: d.Guess.PlayerID,
			Coord:    d.Guess.Coord,
			Correct:  d.Guess.Correct,
		})
	}

	if d.RoundClosed && d.Round != nil {
		msgs = append(msgs, RoundClosedMessage{
			Type:   "round_closed",
			Winner: d.WinnerID,
			Note:   d.Round.Note,
		})
	}

	msgs = append(msgs, newStateMessage(g))

	if d.GameOver() {
		msgs = append(msgs, GameOverMessage{
			Type:  "game_over",
			State: g,
		})
	}

	return msgs
}
