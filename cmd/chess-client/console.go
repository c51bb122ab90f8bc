package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/park285/cheese-duel/internal/chess"
	"github.com/park285/cheese-duel/internal/config"
	"github.com/park285/cheese-duel/internal/decision"
	"github.com/park285/cheese-duel/internal/msgcat"
	"github.com/park285/cheese-duel/internal/session"
)

// sessionLister is the part of the snapshot store the sessions command needs.
type sessionLister interface {
	Recent(ctx context.Context, n int) ([]string, error)
}

type console struct {
	mu        sync.Mutex
	sess      *session.Session
	cat       *msgcat.Catalog
	out       io.Writer
	snapshots sessionLister

	errColor  *color.Color
	overColor *color.Color

	// inCommand is set while exec runs; errors raised by the command itself
	// are printed by reportError instead of onChange.
	inCommand bool

	shownPlies    int
	shownGame     string
	shownErr      error
	shownOver     bool
	shownThinking bool
}

func newConsole(sess *session.Session, cat *msgcat.Catalog, out io.Writer) *console {
	snap := sess.Snapshot()
	return &console{
		sess:       sess,
		cat:        cat,
		out:        out,
		shownPlies: len(snap.History),
		shownGame:  snap.GameID,
		shownErr:   snap.LastError,
		shownOver:  snap.GameOver,
		errColor:   color.New(color.FgRed),
		overColor:  color.New(color.FgYellow, color.Bold),
	}
}

func (c *console) say(key string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.cat.Text(key, data))
}

func (c *console) banner(cfg *config.AppConfig) {
	c.say("app.banner", map[string]any{
		"SessionID":   c.sess.ID(),
		"GameMode":    cfg.GameMode,
		"PlayerColor": cfg.PlayerColor,
	})
	c.say("app.help", nil)
}

func (c *console) prompt() string {
	snap := c.sess.Snapshot()
	return fmt.Sprintf("chess [%s %d] > ", snap.Turn, len(snap.History))
}

// onChange prints what changed since the previous notification: new plies,
// a fresh background error, a game start or the end of the game.
func (c *console) onChange(snap session.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap.GameID != c.shownGame {
		c.shownGame = snap.GameID
		c.shownPlies = 0
		c.shownOver = false
	}
	if len(snap.History) < c.shownPlies {
		c.shownPlies = len(snap.History)
	}
	for i := c.shownPlies; i < len(snap.History); i++ {
		fmt.Fprintln(c.out, c.cat.Text("move.committed", map[string]any{
			"Ply": i + 1,
			"SAN": snap.History[i],
			"UCI": snap.MovesUCI[i],
		}))
	}
	c.shownPlies = len(snap.History)

	if snap.Thinking && !c.shownThinking {
		fmt.Fprintln(c.out, c.cat.Text("status.thinking", nil))
	}
	c.shownThinking = snap.Thinking

	if snap.LastError != nil && snap.LastError != c.shownErr && !c.inCommand {
		key, data := errorMessage(snap.LastError)
		c.errColor.Fprintln(c.out, c.cat.Text(key, data))
	}
	c.shownErr = snap.LastError

	if snap.GameOver && !c.shownOver {
		c.overColor.Fprintln(c.out, c.cat.Text("status.over", map[string]any{"Result": snap.Result, "Method": snap.Method}))
	}
	c.shownOver = snap.GameOver
}

func (c *console) reportError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		return
	}
	key, data := errorMessage(err)
	c.errColor.Fprintln(c.out, c.cat.Text(key, data))
	c.shownErr = err
}

// exec runs one input line and reports whether the loop should continue.
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(line)))
	if len(fields) == 0 {
		return true
	}
	c.setInCommand(true)
	defer c.setInCommand(false)
	switch fields[0] {
	case "quit", "exit", "q":
		return false
	case "help", "?":
		c.say("app.help", nil)
	case "hint":
		if err := c.sess.RequestSuggestedMove(); err != nil {
			c.reportError(err)
		}
	case "undo":
		if err := c.sess.Undo(); err != nil {
			c.reportError(err)
		} else {
			c.say("status.undone", nil)
		}
	case "reset", "new":
		c.sess.Reset()
		c.say("status.reset", nil)
	case "status":
		c.status()
	case "history":
		c.history()
	case "eval":
		ectx, cancel := context.WithTimeout(ctx, 30*time.Second)
		score, err := c.sess.Evaluate(ectx)
		cancel()
		if err != nil {
			c.reportError(err)
		} else {
			c.say("status.eval", map[string]any{"Score": score})
		}
	case "sessions":
		c.sessions(ctx)
	case "move", "mv":
		c.move(fields[1:])
	default:
		if _, ok := parseMoveArgs(fields); ok {
			c.move(fields)
			return true
		}
		c.say("app.unknown_command", map[string]any{"Input": line})
	}
	return true
}

func (c *console) setInCommand(v bool) {
	c.mu.Lock()
	c.inCommand = v
	c.mu.Unlock()
}

func (c *console) move(args []string) {
	mv, ok := parseMoveArgs(args)
	if !ok {
		c.reportError(fmt.Errorf("%w: %s", chess.ErrIllegalMove, strings.Join(args, " ")))
		return
	}
	if _, err := c.sess.SubmitMove(mv); err != nil {
		c.reportError(err)
	}
}

// parseMoveArgs accepts "e2e4", "e7e8q" or "e2 e4" with an optional
// promotion word.
func parseMoveArgs(args []string) (chess.NormalizedMove, bool) {
	switch len(args) {
	case 1:
		mv, err := chess.ParseUCI(args[0])
		return mv, err == nil
	case 2, 3:
		mv, err := chess.NewMove(args[0], args[1])
		if err != nil {
			return chess.NormalizedMove{}, false
		}
		if len(args) == 3 {
			kind, ok := chess.ParsePieceKind(args[2])
			if !ok {
				return chess.NormalizedMove{}, false
			}
			mv.Promotion = kind
		}
		return mv, true
	default:
		return chess.NormalizedMove{}, false
	}
}

func (c *console) status() {
	snap := c.sess.Snapshot()
	c.say("status.line", map[string]any{
		"State":    snap.State.String(),
		"Turn":     string(snap.Turn),
		"Ply":      len(snap.History),
		"Thinking": snap.Thinking,
	})
	c.say("status.fen", map[string]any{"FEN": snap.Position})
	if snap.GameOver {
		c.say("status.over", map[string]any{"Result": snap.Result, "Method": snap.Method})
	}
}

func (c *console) history() {
	h := c.sess.History()
	if len(h) == 0 {
		c.say("status.history_empty", nil)
		return
	}
	for i := 0; i < len(h); i += 2 {
		black := ""
		if i+1 < len(h) {
			black = h[i+1]
		}
		c.say("status.history_line", map[string]any{"No": i/2 + 1, "White": h[i], "Black": black})
	}
}

func (c *console) sessions(ctx context.Context) {
	if c.snapshots == nil {
		c.say("app.no_sessions", nil)
		return
	}
	ids, err := c.snapshots.Recent(ctx, 10)
	if err != nil {
		c.reportError(err)
		return
	}
	if len(ids) == 0 {
		c.say("app.no_sessions", nil)
		return
	}
	for _, id := range ids {
		c.say("app.session_line", map[string]any{"SessionID": id})
	}
}

// errorMessage maps a session error to its catalog key.
func errorMessage(err error) (string, map[string]any) {
	data := map[string]any{"Detail": err.Error()}
	switch {
	case errors.Is(err, chess.ErrIllegalMove), errors.Is(err, chess.ErrInvalidSquare):
		return "error.illegal_move", data
	case errors.Is(err, chess.ErrNoHistory):
		return "error.no_history", data
	case errors.Is(err, decision.ErrUnrecognizedMoveFormat):
		return "error.unrecognized_format", data
	case errors.Is(err, decision.ErrServiceUnavailable):
		return "error.service_unavailable", data
	case errors.Is(err, session.ErrModeConflict):
		return "error.mode_conflict", data
	case errors.Is(err, session.ErrSuggestionPending):
		return "error.suggestion_pending", data
	case errors.Is(err, session.ErrGameOver):
		return "error.game_over", data
	case errors.Is(err, session.ErrStaleSuggestion):
		return "error.stale_suggestion", data
	case errors.Is(err, session.ErrNotYourTurn):
		return "error.not_your_turn", data
	case errors.Is(err, session.ErrNoDecisionService):
		return "error.no_decision", data
	default:
		return "error.generic", data
	}
}
