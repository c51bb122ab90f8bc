package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/park285/cheese-duel/internal/chess"
	"github.com/park285/cheese-duel/pkg/chessdto"
)

const archiveSchema = `CREATE TABLE IF NOT EXISTS chess_sessions_archive (
    game_id       TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL,
    game_mode     TEXT NOT NULL,
    decision_mode TEXT NOT NULL,
    player_color  TEXT NOT NULL,
    start_fen     TEXT NOT NULL DEFAULT '',
    final_fen     TEXT NOT NULL,
    result        TEXT NOT NULL,
    result_method TEXT NOT NULL,
    moves_uci     JSONB NOT NULL,
    moves_san     JSONB NOT NULL,
    pgn           TEXT NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL,
    ended_at      TIMESTAMPTZ NOT NULL,
    duration_ms   BIGINT NOT NULL
)`

const archiveUpsert = `INSERT INTO chess_sessions_archive (
        game_id, session_id, game_mode, decision_mode, player_color,
        start_fen, final_fen, result, result_method, moves_uci, moves_san, pgn,
        started_at, ended_at, duration_ms
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
      ) ON CONFLICT (game_id) DO UPDATE SET
        final_fen=EXCLUDED.final_fen,
        result=EXCLUDED.result,
        result_method=EXCLUDED.result_method,
        moves_uci=EXCLUDED.moves_uci,
        moves_san=EXCLUDED.moves_san,
        pgn=EXCLUDED.pgn,
        ended_at=EXCLUDED.ended_at,
        duration_ms=EXCLUDED.duration_ms`

// Archive stores finished games in Postgres.
type Archive struct {
	db *sql.DB
}

func NewArchive(db *sql.DB) *Archive { return &Archive{db: db} }

// OpenArchive connects to databaseURL with the usual pool limits.
func OpenArchive(ctx context.Context, databaseURL string) (*Archive, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewArchive(db), nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *Archive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, archiveSchema)
	return err
}

// Archive upserts a finished game keyed by its game id.
func (a *Archive) Archive(ctx context.Context, rec chessdto.SessionSnapshot) error {
	if a == nil || a.db == nil {
		return nil
	}
	movesUCIRaw, err := json.Marshal(nonNil(rec.MovesUCI))
	if err != nil {
		return err
	}
	movesSANRaw, err := json.Marshal(nonNil(rec.MovesSAN))
	if err != nil {
		return err
	}
	ended := rec.UpdatedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	duration := ended.Sub(rec.StartedAt).Milliseconds()
	if rec.StartedAt.IsZero() || duration < 0 {
		duration = 0
	}

	_, err = a.db.ExecContext(ctx, archiveUpsert,
		rec.GameID, rec.SessionID, rec.GameMode, rec.DecisionMode, rec.PlayerColor,
		rec.StartFEN, rec.FEN, rec.Result, rec.Method, string(movesUCIRaw), string(movesSANRaw), BuildPGN(rec),
		rec.StartedAt, ended, duration,
	)
	if err != nil {
		return fmt.Errorf("archive game %s: %w", rec.GameID, err)
	}
	return nil
}

// BuildPGN renders the archived PGN for a finished snapshot.
func BuildPGN(rec chessdto.SessionSnapshot) string {
	white, black := "Player", "Player"
	if rec.GameMode == "auto-play" {
		switch rec.PlayerColor {
		case "white":
			black = "Engine (" + rec.DecisionMode + ")"
		case "black":
			white = "Engine (" + rec.DecisionMode + ")"
		}
	}
	return chess.BuildPGN(chess.PGNHeaders{
		Event:       "Cheese Duel",
		Site:        "local",
		Date:        rec.UpdatedAt,
		White:       white,
		Black:       black,
		Result:      rec.Result,
		Termination: rec.Method,
		StartFEN:    rec.StartFEN,
	}, rec.MovesSAN)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
