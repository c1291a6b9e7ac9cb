/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/Seednode/fretquiz/games"
	"github.com/Seednode/fretquiz/theory"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL,
		status TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS settings (
		game_id TEXT PRIMARY KEY,
		num_rounds INTEGER NOT NULL,
		start_fret INTEGER NOT NULL,
		end_fret INTEGER NOT NULL,
		FOREIGN KEY(game_id) REFERENCES games(id)
	);`,
	`CREATE TABLE IF NOT EXISTS players (
		game_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		UNIQUE(game_id, user_id),
		FOREIGN KEY(game_id) REFERENCES games(id)
	);`,
	`CREATE TABLE IF NOT EXISTS rounds (
		id TEXT PRIMARY KEY,
		game_id TEXT NOT NULL,
		note_white_key TEXT NOT NULL,
		note_accidental TEXT NOT NULL,
		note_octave INTEGER NOT NULL,
		FOREIGN KEY(game_id) REFERENCES games(id)
	);`,
	`CREATE TABLE IF NOT EXISTS guesses (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		round_id TEXT NOT NULL,
		clicked_string INTEGER NOT NULL,
		clicked_fret INTEGER NOT NULL,
		is_correct INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY(round_id) REFERENCES rounds(id)
	);`,
}

// SQLite is a Gateway backed by a SQLite database file.
type SQLite struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSQLite opens (and creates if missing) the database at path and makes
// sure the schema exists.
func OpenSQLite(path string, log zerolog.Logger) (*SQLite, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("opened game database")

	return &SQLite{db: db, log: log}, nil
}

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}

	for _, stmt := range schema {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("create schema: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateGame(ctx context.Context, g games.Game) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO games (id, host_id, status) VALUES (?, ?, ?)`,
		g.ID, g.HostID, g.Status.String(),
	); err != nil {
		return "", fmt.Errorf("insert game %s: %w", g.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settings (game_id, num_rounds, start_fret, end_fret) VALUES (?, ?, ?, ?)`,
		g.ID, g.Opts.NumRounds, g.Opts.StartFret, g.Opts.EndFret,
	); err != nil {
		return "", fmt.Errorf("insert settings for %s: %w", g.ID, err)
	}

	for _, p := range g.PlayerIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO players (game_id, user_id) VALUES (?, ?)`,
			g.ID, p,
		); err != nil {
			return "", fmt.Errorf("insert player %s: %w", p, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return g.ID, nil
}

func (s *SQLite) AddPlayer(ctx context.Context, gameID, playerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO players (game_id, user_id) VALUES (?, ?)`,
		gameID, playerID,
	)
	return err
}

func (s *SQLite) AppendRound(ctx context.Context, gameID string, r games.Round) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rounds (id, game_id, note_white_key, note_accidental, note_octave) VALUES (?, ?, ?, ?, ?)`,
		r.ID, gameID, r.Note.Key.String(), r.Note.Accidental.String(), r.Note.Octave,
	)
	if err != nil {
		return "", fmt.Errorf("insert round %s: %w", r.ID, err)
	}
	return r.ID, nil
}

func (s *SQLite) AppendGuess(ctx context.Context, roundID string, g games.Guess) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guesses (id, user_id, round_id, clicked_string, clicked_fret, is_correct, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.PlayerID, roundID, g.Coord.String, g.Coord.Fret, g.Correct, g.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert guess %s: %w", g.ID, err)
	}
	return g.ID, nil
}

func (s *SQLite) FinishGame(ctx context.Context, gameID string, status games.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE games SET status = ? WHERE id = ? AND status NOT IN (?, ?)`,
		status.String(), gameID, games.StatusGameOver.String(), games.StatusNoPlayers.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// The first terminal status wins; only a missing game is an error.
	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM games WHERE id = ?)`, gameID).Scan(&exists)
	switch {
	case err != nil:
		return err
	case !exists:
		return fmt.Errorf("%w: %s", games.ErrGameNotFound, gameID)
	}
	return nil
}

func (s *SQLite) LoadGame(ctx context.Context, gameID string) (games.Game, error) {
	g := games.Game{ID: gameID}

	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT g.host_id, g.status, s.num_rounds, s.start_fret, s.end_fret
		 FROM games g JOIN settings s ON s.game_id = g.id
		 WHERE g.id = ?`, gameID,
	).Scan(&g.HostID, &status, &g.Opts.NumRounds, &g.Opts.StartFret, &g.Opts.EndFret)
	if errors.Is(err, sql.ErrNoRows) {
		return games.Game{}, fmt.Errorf("%w: %s", games.ErrGameNotFound, gameID)
	}
	if err != nil {
		return games.Game{}, err
	}

	if g.Status, err = games.ParseStatus(status); err != nil {
		return games.Game{}, err
	}

	if g.PlayerIDs, err = s.loadPlayers(ctx, gameID); err != nil {
		return games.Game{}, err
	}

	if g.Rounds, err = s.loadRounds(ctx, gameID); err != nil {
		return games.Game{}, err
	}

	for i := range g.Rounds {
		if g.Rounds[i].Guesses, err = s.loadGuesses(ctx, g.Rounds[i].ID); err != nil {
			return games.Game{}, err
		}
	}

	markClosedRounds(&g)

	return g, nil
}

func (s *SQLite) loadPlayers(ctx context.Context, gameID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM players WHERE game_id = ? ORDER BY rowid`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) loadRounds(ctx context.Context, gameID string) ([]games.Round, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, note_white_key, note_accidental, note_octave
		 FROM rounds WHERE game_id = ? ORDER BY rowid`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []games.Round
	for rows.Next() {
		var (
			r        games.Round
			key, acc string
		)
		if err := rows.Scan(&r.ID, &key, &acc, &r.Note.Octave); err != nil {
			return nil, err
		}
		if r.Note.Key, err = theory.ParseWhiteKey(key); err != nil {
			return nil, err
		}
		if r.Note.Accidental, err = theory.ParseAccidental(acc); err != nil {
			return nil, err
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

func (s *SQLite) loadGuesses(ctx context.Context, roundID string) ([]games.Guess, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, clicked_string, clicked_fret, is_correct, created_at
		 FROM guesses WHERE round_id = ? ORDER BY rowid`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	guesses := []games.Guess{}
	for rows.Next() {
		var (
			g       games.Guess
			created string
		)
		if err := rows.Scan(&g.ID, &g.PlayerID, &g.Coord.String, &g.Coord.Fret, &g.Correct, &created); err != nil {
			return nil, err
		}
		g.RoundID = roundID
		if g.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("guess %s: %w", g.ID, err)
		}
		guesses = append(guesses, g)
	}
	return guesses, rows.Err()
}
