package session

import (
	"context"
	"errors"

	"github.com/park285/cheese-duel/internal/decision"
	"go.uber.org/zap"
)

// RequestSuggestedMove asks the decision service for a move. Guard failures
// are returned synchronously and no request is made; otherwise the request
// runs in the background and its outcome shows up in LastError and History.
func (s *Session) RequestSuggestedMove() error {
	s.mu.Lock()
	err := s.requestLocked("manual")
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)
	return err
}

func (s *Session) requestLocked(trigger string) error {
	if s.closed {
		return ErrClosed
	}
	if s.gameMode == ModePeer {
		return s.fail(ErrModeConflict)
	}
	if s.pending != nil || s.outstanding != nil {
		return s.fail(ErrSuggestionPending)
	}
	if s.state.IsTerminal() {
		return s.fail(ErrGameOver)
	}
	if s.decision == nil {
		return s.fail(ErrNoDecisionService)
	}
	s.stopAutoLocked()
	p := &pendingSuggestion{fen: s.state.Position(), version: s.version, issuedAt: s.now()}
	s.pending = p
	s.outstanding = p
	s.lastErr = nil
	s.logger.Info("suggestion_request",
		zap.String("trigger", trigger),
		zap.String("mode", string(s.decisionMode)),
		zap.String("fen", p.fen),
	)
	s.wg.Add(1)
	go s.runSuggestion(p)
	return nil
}

func (s *Session) runSuggestion(p *pendingSuggestion) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.baseCtx, s.requestTimeout)
	body, err := s.decision.BestMove(ctx, p.fen, s.decisionMode)
	cancel()

	s.mu.Lock()
	s.outstanding = nil
	s.resolveSuggestionLocked(p, body, err)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)
}

// resolveSuggestionLocked applies a reply against the position as it is now.
// Replies for a superseded request are dropped; replies whose origin position
// has since changed are discarded as stale.
func (s *Session) resolveSuggestionLocked(p *pendingSuggestion, body []byte, err error) {
	if s.pending != p {
		s.logger.Info("suggestion_discard_superseded", zap.String("origin_fen", p.fen))
		s.maybeScheduleAutoLocked()
		return
	}
	s.pending = nil
	elapsed := s.now().Sub(p.issuedAt)
	if s.closed {
		return
	}

	if err != nil {
		s.logger.Warn("suggestion_error", zap.Duration("elapsed", elapsed), zap.Error(err))
		s.lastErr = err
		return
	}
	if s.version != p.version {
		s.logger.Info("suggestion_discard_stale",
			zap.String("origin_fen", p.fen),
			zap.String("fen", s.state.Position()),
		)
		s.lastErr = ErrStaleSuggestion
		s.maybeScheduleAutoLocked()
		return
	}
	mv, err := decision.ParseMove(body)
	if err != nil {
		var uerr *decision.UnrecognizedMoveFormatError
		if errors.As(err, &uerr) {
			s.logger.Warn("suggestion_parse_error", zap.ByteString("payload", uerr.Payload))
		}
		s.lastErr = err
		return
	}
	if _, err := s.commitLocked(mv, sourceSuggestion); err != nil {
		s.lastErr = err
		return
	}
	s.logger.Debug("suggestion_apply", zap.String("uci", mv.UCI()), zap.Duration("elapsed", elapsed))
}
