package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/park285/cheese-duel/internal/chess"
	"github.com/park285/cheese-duel/pkg/chessdto"
	"go.uber.org/zap"
)

type moveSource string

const (
	sourceLocal      moveSource = "local"
	sourceSuggestion moveSource = "suggestion"
	sourcePeer       moveSource = "peer"
)

// Start persists the opening snapshot. In auto-play it schedules the first
// suggestion when the decision service has the move.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.persistLocked()
	s.maybeScheduleAutoLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.logger.Info("session_start",
		zap.String("game_mode", string(s.gameMode)),
		zap.String("decision_mode", string(s.decisionMode)),
		zap.String("player_color", string(s.playerColor)),
		zap.String("fen", snap.Position),
	)
	s.emit(snap)
	return nil
}

// SubmitLocalMove applies a move entered by the local user. A nil error means
// the move was accepted, committed and broadcast.
func (s *Session) SubmitLocalMove(from, to string) (chess.MoveRecord, error) {
	mv, err := chess.NewMove(from, to)
	if err != nil {
		s.mu.Lock()
		err = s.fail(fmt.Errorf("%w: %v", chess.ErrIllegalMove, err))
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.emit(snap)
		return chess.MoveRecord{}, err
	}
	return s.SubmitMove(mv)
}

// SubmitMove is SubmitLocalMove for a move that may carry an explicit promotion.
func (s *Session) SubmitMove(mv chess.NormalizedMove) (chess.MoveRecord, error) {
	s.mu.Lock()
	rec, err := s.submitLocked(mv)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)
	return rec, err
}

func (s *Session) submitLocked(mv chess.NormalizedMove) (chess.MoveRecord, error) {
	if s.closed {
		return chess.MoveRecord{}, ErrClosed
	}
	if s.state.IsTerminal() {
		return chess.MoveRecord{}, s.fail(ErrGameOver)
	}
	if s.pending != nil {
		return chess.MoveRecord{}, s.fail(ErrSuggestionPending)
	}
	if s.playerColor != "" && s.state.Turn() != s.playerColor {
		return chess.MoveRecord{}, s.fail(ErrNotYourTurn)
	}
	rec, err := s.commitLocked(mv, sourceLocal)
	if err != nil {
		return chess.MoveRecord{}, s.fail(err)
	}
	s.maybeScheduleAutoLocked()
	return rec, nil
}

// ApplyRemoteMove applies a move received from the peer channel. It is never
// re-broadcast, and messages carrying this session's sender id are dropped.
func (s *Session) ApplyRemoteMove(msg chessdto.PeerMove) error {
	if msg.Sender != "" && msg.Sender == s.senderID {
		s.logger.Debug("peer_move_echo_drop", zap.String("from", msg.From), zap.String("to", msg.To))
		return nil
	}
	mv, perr := chess.NewMove(msg.From, msg.To)
	if perr == nil && msg.Promotion != "" {
		if kind, ok := chess.ParsePieceKind(msg.Promotion); ok {
			mv.Promotion = kind
		}
	}

	s.mu.Lock()
	err := s.applyRemoteLocked(mv, perr)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)
	return err
}

func (s *Session) applyRemoteLocked(mv chess.NormalizedMove, perr error) error {
	if s.closed {
		return ErrClosed
	}
	if perr != nil {
		return s.fail(fmt.Errorf("peer move: %w: %v", chess.ErrIllegalMove, perr))
	}
	if s.state.IsTerminal() {
		return s.fail(fmt.Errorf("peer move %s: %w", mv, ErrGameOver))
	}
	if s.playerColor != "" && s.state.Turn() == s.playerColor {
		return s.fail(fmt.Errorf("peer move %s: %w", mv, ErrNotYourTurn))
	}
	if _, err := s.commitLocked(mv, sourcePeer); err != nil {
		return s.fail(fmt.Errorf("peer move: %w", err))
	}
	if s.pending != nil {
		s.logger.Info("peer_move_during_suggestion", zap.String("origin_fen", s.pending.fen))
	}
	s.maybeScheduleAutoLocked()
	return nil
}

// Undo takes back one ply locally. It is refused while a suggestion is pending
// and once the game is over, and is not sent to the peer.
func (s *Session) Undo() error {
	s.mu.Lock()
	err := s.undoLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)
	return err
}

func (s *Session) undoLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.pending != nil {
		return s.fail(ErrSuggestionPending)
	}
	if s.state.IsTerminal() {
		return s.fail(ErrGameOver)
	}
	if err := s.state.Undo(); err != nil {
		return s.fail(err)
	}
	s.stopAutoLocked()
	s.version++
	s.lastErr = nil
	s.updatedAt = s.now()
	s.logger.Info("move_undo", zap.Int("ply", s.state.Plies()), zap.String("fen", s.state.Position()))
	s.persistLocked()
	return nil
}

// Reset starts a new game from the configured position. It is accepted in any
// state and abandons a pending suggestion, whose reply is then ignored.
func (s *Session) Reset() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopAutoLocked()
	if s.pending != nil {
		s.logger.Info("suggestion_abandon", zap.String("origin_fen", s.pending.fen))
	}
	s.pending = nil
	s.state.Reset()
	s.version++
	s.lastErr = nil
	s.archived = false
	s.gameID = uuid.NewString()
	s.startedAt = s.now()
	s.updatedAt = s.startedAt
	s.logger.Info("session_reset", zap.String("game_id", s.gameID))
	s.persistLocked()
	s.maybeScheduleAutoLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)
}

// Evaluate scores the current position. It does not take the suggestion slot.
func (s *Session) Evaluate(ctx context.Context) (float64, error) {
	s.mu.Lock()
	fen := s.state.Position()
	s.mu.Unlock()
	if s.evaluator == nil {
		return 0, ErrNoDecisionService
	}
	return s.evaluator.Evaluate(ctx, fen, s.decisionMode)
}

// commitLocked resolves promotion, applies the move and runs the post-commit
// side effects. On failure nothing is touched.
func (s *Session) commitLocked(mv chess.NormalizedMove, source moveSource) (chess.MoveRecord, error) {
	resolved := chess.ResolvePromotion(s.state, mv)
	rec, err := s.state.ApplyMove(resolved)
	if err != nil {
		s.logger.Info("move_reject", zap.String("source", string(source)), zap.String("uci", resolved.UCI()), zap.Error(err))
		return chess.MoveRecord{}, err
	}
	s.version++
	s.lastErr = nil
	s.updatedAt = s.now()
	s.logger.Info("move_commit",
		zap.String("source", string(source)),
		zap.String("uci", rec.UCI),
		zap.String("san", rec.SAN),
		zap.Int("ply", rec.Ply),
	)
	if source != sourcePeer {
		s.broadcastLocked(rec)
	}
	s.persistLocked()
	if s.state.IsTerminal() {
		s.stopAutoLocked()
		s.logger.Info("game_over", zap.String("result", s.state.Result()), zap.String("method", s.state.Method()))
		s.archiveLocked()
	}
	return rec, nil
}

func (s *Session) broadcastLocked(rec chess.MoveRecord) {
	if s.peer == nil {
		return
	}
	msg := chessdto.PeerMove{
		From:      string(rec.Move.From),
		To:        string(rec.Move.To),
		Promotion: rec.Move.Promotion.Letter(),
		Sender:    s.senderID,
	}
	if err := s.peer.Send(msg); err != nil {
		s.logger.Warn("peer_send_error", zap.String("uci", rec.UCI), zap.Error(err))
	}
}

// persistLocked queues the current record; the write happens off the lock.
func (s *Session) persistLocked() {
	if s.snapshots == nil {
		return
	}
	s.enqueueLocked(persistJob{kind: jobSave, rec: s.recordLocked()})
}

func (s *Session) archiveLocked() {
	if s.archive == nil || s.archived {
		return
	}
	s.archived = true
	s.enqueueLocked(persistJob{kind: jobArchive, rec: s.recordLocked()})
}

// fail records err as the session's last error and returns it.
func (s *Session) fail(err error) error {
	s.lastErr = err
	s.logger.Debug("session_error", zap.Error(err))
	return err
}

// maybeScheduleAutoLocked arms the auto-play timer when the decision service
// is to move. The timer holds a WaitGroup slot until it fires or is stopped.
func (s *Session) maybeScheduleAutoLocked() {
	if s.closed || s.gameMode != ModeAutoPlay || s.decision == nil || s.playerColor == "" {
		return
	}
	if s.pending != nil || s.outstanding != nil || s.autoTimer != nil || s.state.IsTerminal() {
		return
	}
	if s.state.Turn() == s.playerColor {
		return
	}
	s.autoToken++
	token := s.autoToken
	s.wg.Add(1)
	s.autoTimer = time.AfterFunc(s.autoPlayDelay, func() { s.fireAuto(token) })
}

func (s *Session) fireAuto(token uint64) {
	defer s.wg.Done()
	s.mu.Lock()
	if s.autoTimer == nil || s.autoToken != token {
		s.mu.Unlock()
		return
	}
	s.autoTimer = nil
	err := s.requestLocked("auto")
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if err != nil {
		s.logger.Debug("autoplay_request_refused", zap.Error(err))
	}
	s.emit(snap)
}

func (s *Session) stopAutoLocked() {
	if s.autoTimer == nil {
		return
	}
	if s.autoTimer.Stop() {
		s.wg.Done()
	}
	s.autoTimer = nil
	s.autoToken++
}
