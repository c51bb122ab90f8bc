package session

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/park285/cheese-duel/internal/chess"
	"github.com/park285/cheese-duel/internal/decision"
	"github.com/park285/cheese-duel/pkg/chessdto"
	"go.uber.org/zap"
)

func newTestSession(t *testing.T, startFEN string, opts ...Option) *Session {
	t.Helper()
	base := []Option{WithLogger(zap.NewNop()), WithAutoPlayDelay(0)}
	s, err := New(startFEN, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustSubmit(t *testing.T, s *Session, moves ...string) {
	t.Helper()
	for _, m := range moves {
		if _, err := s.SubmitLocalMove(m[:2], m[2:4]); err != nil {
			t.Fatalf("SubmitLocalMove(%s): %v", m, err)
		}
	}
}

func TestSubmitLocalMove_BroadcastsAndTriggersAutoPlay(t *testing.T) {
	dec := replyWith(`{"best_move":"e7e5"}`)
	peer := &fakePeer{}
	s := newTestSession(t, "", WithDecisionService(dec), WithPeer(peer), WithPlayerColor(chess.White))

	rec, err := s.SubmitLocalMove("e2", "e4")
	if err != nil {
		t.Fatalf("SubmitLocalMove: %v", err)
	}
	if rec.SAN != "e4" {
		t.Fatalf("SAN = %q", rec.SAN)
	}
	s.Wait()

	if got := s.History(); len(got) != 2 || got[1] != "e5" {
		t.Fatalf("history = %v", got)
	}
	sent := peer.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(sent))
	}
	if sent[0].From != "e2" || sent[0].To != "e4" || sent[0].Sender != s.SenderID() {
		t.Fatalf("first broadcast = %+v", sent[0])
	}
	if sent[1].From != "e7" || sent[1].To != "e5" {
		t.Fatalf("second broadcast = %+v", sent[1])
	}
	if s.State() != Idle || s.LastError() != nil || s.IsThinking() {
		t.Fatalf("state=%v err=%v thinking=%v", s.State(), s.LastError(), s.IsThinking())
	}
	if dec.Calls() != 1 {
		t.Fatalf("decision calls = %d", dec.Calls())
	}
}

func TestSubmitLocalMove_IllegalLeavesStateUntouched(t *testing.T) {
	peer := &fakePeer{}
	s := newTestSession(t, "", WithPeer(peer), WithPlayerColor(""))
	before := s.Position()

	if _, err := s.SubmitLocalMove("e2", "e5"); !errors.Is(err, chess.ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	if _, err := s.SubmitLocalMove("z9", "e4"); !errors.Is(err, chess.ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove for bad square, got %v", err)
	}
	if s.Position() != before || len(s.History()) != 0 || len(peer.Sent()) != 0 {
		t.Fatalf("state mutated after illegal move")
	}
	if !errors.Is(s.LastError(), chess.ErrIllegalMove) {
		t.Fatalf("last error = %v", s.LastError())
	}
}

func TestSubmitLocalMove_NotYourTurn(t *testing.T) {
	s := newTestSession(t, "", WithPlayerColor(chess.White))
	mustSubmit(t, s, "e2e4")
	if _, err := s.SubmitLocalMove("e7", "e5"); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
}

func TestRequestSuggestedMove_AtMostOneInFlight(t *testing.T) {
	dec := replyWith(`"e2e4"`)
	dec.gate = make(chan struct{})
	dec.started = make(chan string, 4)
	s := newTestSession(t, "", WithDecisionService(dec), WithPlayerColor(""))

	if err := s.RequestSuggestedMove(); err != nil {
		t.Fatalf("first request: %v", err)
	}
	<-dec.started
	if !s.IsThinking() || s.State() != AwaitingSuggestion {
		t.Fatalf("expected AwaitingSuggestion, got %v", s.State())
	}
	if err := s.RequestSuggestedMove(); !errors.Is(err, ErrSuggestionPending) {
		t.Fatalf("second request: expected ErrSuggestionPending, got %v", err)
	}
	if dec.Calls() != 1 {
		t.Fatalf("expected exactly one network call, got %d", dec.Calls())
	}

	close(dec.gate)
	s.Wait()
	if dec.Calls() != 1 {
		t.Fatalf("second request reached the service: %d calls", dec.Calls())
	}
	if h := s.History(); len(h) != 1 || h[0] != "e4" {
		t.Fatalf("history = %v", h)
	}
	if s.IsThinking() || s.LastError() != nil {
		t.Fatalf("thinking=%v err=%v", s.IsThinking(), s.LastError())
	}
}

func TestRequestSuggestedMove_PeerModeConflict(t *testing.T) {
	dec := replyWith(`"e2e4"`)
	s := newTestSession(t, "", WithDecisionService(dec), WithGameMode(ModePeer))
	before := s.Position()

	for i := 0; i < 3; i++ {
		if err := s.RequestSuggestedMove(); !errors.Is(err, ErrModeConflict) {
			t.Fatalf("expected ErrModeConflict, got %v", err)
		}
	}
	s.Wait()
	if dec.Calls() != 0 {
		t.Fatalf("decision service called in peer mode")
	}
	if s.Position() != before || len(s.History()) != 0 || s.IsThinking() {
		t.Fatalf("game state touched in peer mode")
	}
	if !errors.Is(s.LastError(), ErrModeConflict) {
		t.Fatalf("last error = %v", s.LastError())
	}
}

func TestSuggestion_FailuresRecoverToIdle(t *testing.T) {
	cases := []struct {
		name  string
		reply func(string) ([]byte, error)
		want  error
	}{
		{"unknown shape", func(string) ([]byte, error) { return []byte(`{"score":0.5}`), nil }, decision.ErrUnrecognizedMoveFormat},
		{"illegal move", func(string) ([]byte, error) { return []byte(`"e2e5"`), nil }, chess.ErrIllegalMove},
		{"service down", func(string) ([]byte, error) {
			return nil, &decision.ServiceUnavailableError{StatusCode: 500, Status: "Internal Server Error"}
		}, decision.ErrServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			peer := &fakePeer{}
			s := newTestSession(t, "", WithDecisionService(&fakeDecision{reply: tc.reply}), WithPeer(peer), WithPlayerColor(""))
			before := s.Position()
			if err := s.RequestSuggestedMove(); err != nil {
				t.Fatalf("request: %v", err)
			}
			s.Wait()
			if !errors.Is(s.LastError(), tc.want) {
				t.Fatalf("last error = %v, want %v", s.LastError(), tc.want)
			}
			if s.Position() != before || len(s.History()) != 0 || len(peer.Sent()) != 0 {
				t.Fatalf("state mutated by failed suggestion")
			}
			if s.IsThinking() || s.State() != Idle {
				t.Fatalf("expected Idle, got %v", s.State())
			}
			// the user can retry
			if err := s.RequestSuggestedMove(); err != nil {
				t.Fatalf("retry refused: %v", err)
			}
			s.Wait()
		})
	}
}

func TestSuggestion_StaleReplyDiscarded(t *testing.T) {
	dec := replyWith(`"e2e4"`)
	dec.gate = make(chan struct{})
	dec.started = make(chan string, 1)
	peer := &fakePeer{}
	s := newTestSession(t, "", WithDecisionService(dec), WithPeer(peer), WithPlayerColor(""))

	if err := s.RequestSuggestedMove(); err != nil {
		t.Fatalf("request: %v", err)
	}
	<-dec.started
	if err := s.ApplyRemoteMove(chessdto.PeerMove{From: "d2", To: "d4"}); err != nil {
		t.Fatalf("ApplyRemoteMove: %v", err)
	}
	close(dec.gate)
	s.Wait()

	if h := s.History(); len(h) != 1 || h[0] != "d4" {
		t.Fatalf("history = %v", h)
	}
	if !errors.Is(s.LastError(), ErrStaleSuggestion) {
		t.Fatalf("last error = %v", s.LastError())
	}
	if len(peer.Sent()) != 0 {
		t.Fatalf("stale suggestion or peer move was broadcast")
	}
}

func TestReset_SupersedesPendingSuggestion(t *testing.T) {
	dec := replyWith(`"e2e4"`)
	dec.gate = make(chan struct{})
	dec.started = make(chan string, 1)
	s := newTestSession(t, "", WithDecisionService(dec), WithPlayerColor(""))

	if err := s.RequestSuggestedMove(); err != nil {
		t.Fatalf("request: %v", err)
	}
	<-dec.started
	s.Reset()
	if s.IsThinking() || s.State() != Idle {
		t.Fatalf("reset left state %v", s.State())
	}
	close(dec.gate)
	s.Wait()
	if len(s.History()) != 0 || s.LastError() != nil {
		t.Fatalf("superseded reply applied: history=%v err=%v", s.History(), s.LastError())
	}
}

func TestReset_AbandonedRequestBlocksNextUntilItReturns(t *testing.T) {
	dec := replyWith(`"d2d4"`)
	dec.gate = make(chan struct{})
	dec.started = make(chan string, 4)
	s := newTestSession(t, "", WithDecisionService(dec), WithPlayerColor(chess.Black))
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-dec.started
	s.Reset()
	if err := s.RequestSuggestedMove(); !errors.Is(err, ErrSuggestionPending) {
		t.Fatalf("request during abandoned call: expected ErrSuggestionPending, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if dec.Calls() != 1 {
		t.Fatalf("second request issued while the first is on the wire: %d calls", dec.Calls())
	}

	close(dec.gate)
	s.Wait()
	if dec.Calls() != 2 || dec.MaxActive() != 1 {
		t.Fatalf("calls=%d max concurrent=%d, want 2 and 1", dec.Calls(), dec.MaxActive())
	}
	if h := s.History(); len(h) != 1 || h[0] != "d4" {
		t.Fatalf("auto-play did not resume after reset: history=%v", h)
	}
	if s.IsThinking() {
		t.Fatalf("still thinking after both replies")
	}
}

func TestUndo_RefusedWhileAwaitingSuggestion(t *testing.T) {
	dec := replyWith(`"e7e5"`)
	dec.gate = make(chan struct{})
	dec.started = make(chan string, 1)
	s := newTestSession(t, "", WithDecisionService(dec), WithPlayerColor(""))
	mustSubmit(t, s, "e2e4")

	if err := s.RequestSuggestedMove(); err != nil {
		t.Fatalf("request: %v", err)
	}
	<-dec.started
	if err := s.Undo(); !errors.Is(err, ErrSuggestionPending) {
		t.Fatalf("expected ErrSuggestionPending, got %v", err)
	}
	if _, err := s.SubmitLocalMove("e7", "e5"); !errors.Is(err, ErrSuggestionPending) {
		t.Fatalf("expected local move refusal while pending, got %v", err)
	}
	close(dec.gate)
	s.Wait()
	if len(s.History()) != 2 {
		t.Fatalf("history = %v", s.History())
	}
}

func TestUndo_RoundTrip(t *testing.T) {
	peer := &fakePeer{}
	store := &fakeStore{}
	s := newTestSession(t, "", WithPeer(peer), WithSnapshotStore(store), WithPlayerColor(""))
	initial := s.Position()
	moves := []string{"e2e4", "e7e5", "g1f3", "b8c6", "f1c4", "g8f6", "e1g1"}
	mustSubmit(t, s, moves...)

	for range moves {
		if err := s.Undo(); err != nil {
			t.Fatalf("Undo: %v", err)
		}
	}
	if s.Position() != initial || len(s.History()) != 0 {
		t.Fatalf("undo did not restore the start: %s %v", s.Position(), s.History())
	}
	if err := s.Undo(); !errors.Is(err, chess.ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %v", err)
	}
	if len(peer.Sent()) != len(moves) {
		t.Fatalf("undo was broadcast: %d messages", len(peer.Sent()))
	}
	s.Wait()
	last, n := store.Last()
	if n != 2*len(moves) || len(last.MovesUCI) != 0 {
		t.Fatalf("snapshots: n=%d last=%+v", n, last)
	}
}

func TestApplyRemoteMove_NoEcho(t *testing.T) {
	peer := &fakePeer{}
	s := newTestSession(t, "", WithGameMode(ModePeer), WithPeer(peer), WithPlayerColor(chess.Black))

	if err := s.ApplyRemoteMove(chessdto.PeerMove{From: "e2", To: "e4", Sender: "other"}); err != nil {
		t.Fatalf("ApplyRemoteMove: %v", err)
	}
	if len(peer.Sent()) != 0 {
		t.Fatalf("inbound move was re-broadcast")
	}
	mustSubmit(t, s, "e7e5")
	if len(peer.Sent()) != 1 {
		t.Fatalf("local move not broadcast")
	}

	// our own message reflected by the relay is ignored
	if err := s.ApplyRemoteMove(peer.Sent()[0]); err != nil {
		t.Fatalf("echo: %v", err)
	}
	if h := s.History(); len(h) != 2 {
		t.Fatalf("history = %v", h)
	}
	if err := s.ApplyRemoteMove(chessdto.PeerMove{From: "g8", To: "f6"}); !errors.Is(err, chess.ErrIllegalMove) {
		t.Fatalf("expected illegal peer move, got %v", err)
	}
}

func TestApplyRemoteMove_RejectedOnLocalTurn(t *testing.T) {
	s := newTestSession(t, "", WithGameMode(ModePeer), WithPlayerColor(chess.White))
	if err := s.ApplyRemoteMove(chessdto.PeerMove{From: "e2", To: "e4"}); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
	if len(s.History()) != 0 {
		t.Fatalf("remote move applied on local turn")
	}
}

func TestPromotion_DefaultsToQueenForEverySource(t *testing.T) {
	peer := &fakePeer{}
	s := newTestSession(t, "8/4P3/8/8/8/8/8/k3K3 w - - 0 1", WithPeer(peer), WithPlayerColor(""))
	rec, err := s.SubmitLocalMove("e7", "e8")
	if err != nil {
		t.Fatalf("SubmitLocalMove: %v", err)
	}
	if !strings.Contains(rec.SAN, "=Q") {
		t.Fatalf("SAN = %q", rec.SAN)
	}
	if sent := peer.Sent(); len(sent) != 1 || sent[0].Promotion != "q" {
		t.Fatalf("broadcast = %+v", sent)
	}

	remote := newTestSession(t, "4k3/8/8/8/8/8/3p4/K7 b - - 0 1", WithGameMode(ModePeer), WithPlayerColor(chess.White))
	if err := remote.ApplyRemoteMove(chessdto.PeerMove{From: "d2", To: "d1"}); err != nil {
		t.Fatalf("ApplyRemoteMove: %v", err)
	}
	if h := remote.History(); len(h) != 1 || !strings.Contains(h[0], "=Q") {
		t.Fatalf("history = %v", h)
	}

	sug := newTestSession(t, "8/4P3/8/8/8/8/8/k3K3 w - - 0 1", WithDecisionService(replyWith(`{"from":"e7","to":"e8"}`)), WithPlayerColor(""))
	if err := sug.RequestSuggestedMove(); err != nil {
		t.Fatalf("request: %v", err)
	}
	sug.Wait()
	if h := sug.History(); len(h) != 1 || !strings.Contains(h[0], "=Q") {
		t.Fatalf("history = %v err=%v", h, sug.LastError())
	}
}

func TestTerminalLockout(t *testing.T) {
	dec := replyWith(`"e2e4"`)
	archive := &fakeArchive{}
	s := newTestSession(t, "", WithDecisionService(dec), WithArchiver(archive), WithPlayerColor(""))
	mustSubmit(t, s, "f2f3", "e7e5", "g2g4", "d8h4")

	if !s.IsGameOver() || s.State() != GameOver {
		t.Fatalf("expected GameOver, got %v", s.State())
	}
	if _, err := s.SubmitLocalMove("a2", "a3"); !errors.Is(err, ErrGameOver) {
		t.Fatalf("submit after mate: %v", err)
	}
	if err := s.RequestSuggestedMove(); !errors.Is(err, ErrGameOver) {
		t.Fatalf("request after mate: %v", err)
	}
	if err := s.Undo(); !errors.Is(err, ErrGameOver) {
		t.Fatalf("undo after mate: %v", err)
	}
	if len(s.History()) != 4 {
		t.Fatalf("undo changed a finished game: %v", s.History())
	}
	s.Wait()
	if dec.Calls() != 0 {
		t.Fatalf("decision service called after game over")
	}
	if len(archive.recs) != 1 || archive.recs[0].Result != "0-1" || archive.recs[0].Method != "checkmate" {
		t.Fatalf("archive = %+v", archive.recs)
	}

	s.Reset()
	if s.IsGameOver() || s.State() != Idle {
		t.Fatalf("reset did not leave GameOver")
	}
	mustSubmit(t, s, "e2e4")
}

func TestStart_AutoPlayOpensForBlackPlayer(t *testing.T) {
	dec := replyWith(`"d2d4"`)
	s := newTestSession(t, "", WithDecisionService(dec), WithPlayerColor(chess.Black))
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Wait()
	if h := s.History(); len(h) != 1 || h[0] != "d4" {
		t.Fatalf("history = %v", h)
	}
	if s.Snapshot().Turn != chess.Black {
		t.Fatalf("expected black to move")
	}
}

func TestAutoPlay_UndoCancelsScheduledRequest(t *testing.T) {
	dec := replyWith(`"e7e5"`)
	s := newTestSession(t, "", WithDecisionService(dec), WithPlayerColor(chess.White), WithAutoPlayDelay(time.Hour))
	mustSubmit(t, s, "e2e4")
	if err := s.Undo(); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	s.Wait()
	if dec.Calls() != 0 || len(s.History()) != 0 {
		t.Fatalf("scheduled request survived undo: calls=%d", dec.Calls())
	}
}

func TestOnChangeAndResume(t *testing.T) {
	store := &fakeStore{}
	var changes int32
	s := newTestSession(t, "", WithSnapshotStore(store), WithPlayerColor(""), WithGameMode(ModePeer))
	s.OnChange(func(snap Snapshot) {
		atomic.AddInt32(&changes, 1)
		_ = s.Position() // callbacks may re-enter the session
	})
	mustSubmit(t, s, "e2e4", "c7c5")
	if atomic.LoadInt32(&changes) != 2 {
		t.Fatalf("changes = %d", changes)
	}
	s.Wait()

	rec, _ := store.Last()
	if rec.SessionID != s.ID() || rec.GameMode != "peer" || rec.PlayerColor != "both" {
		t.Fatalf("record = %+v", rec)
	}
	resumed, err := Resume(rec, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	defer resumed.Close()
	if resumed.Position() != s.Position() || resumed.ID() != s.ID() {
		t.Fatalf("resumed position differs")
	}
	if got := resumed.History(); len(got) != 2 || got[1] != "c5" {
		t.Fatalf("resumed history = %v", got)
	}
	if err := resumed.RequestSuggestedMove(); !errors.Is(err, ErrModeConflict) {
		t.Fatalf("resumed game mode not restored: %v", err)
	}
}

func TestPersistence_SlowStoreDoesNotBlockMoves(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	s := newTestSession(t, "", WithSnapshotStore(store), WithPlayerColor(""), WithGameMode(ModePeer))

	done := make(chan error, 1)
	go func() {
		for _, m := range []string{"e2e4", "e7e5", "g1f3"} {
			if _, err := s.SubmitLocalMove(m[:2], m[2:]); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SubmitLocalMove: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("moves blocked behind a stalled store")
	}
	if _, n := store.Last(); n != 0 {
		t.Fatalf("store wrote past its gate: %d", n)
	}

	close(store.gate)
	s.Wait()
	rec, n := store.Last()
	if n != 3 || len(rec.MovesUCI) != 3 || rec.MovesUCI[2] != "g1f3" {
		t.Fatalf("saves = %d, last = %+v", n, rec)
	}
}

func TestEvaluate(t *testing.T) {
	s := newTestSession(t, "", WithEvaluator(fakeEvaluator{score: 0.3}))
	ev, err := s.Evaluate(context.Background())
	if err != nil || ev != 0.3 {
		t.Fatalf("Evaluate = %v, %v", ev, err)
	}
	bare := newTestSession(t, "")
	if _, err := bare.Evaluate(context.Background()); !errors.Is(err, ErrNoDecisionService) {
		t.Fatalf("expected ErrNoDecisionService, got %v", err)
	}
}
