package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/cheese-duel/internal/chess"
	"github.com/park285/cheese-duel/internal/decision"
	"github.com/park285/cheese-duel/internal/obslog"
	"github.com/park285/cheese-duel/pkg/chessdto"
	"go.uber.org/zap"
)

var (
	ErrModeConflict      = errors.New("suggestions are unavailable in peer mode")
	ErrSuggestionPending = errors.New("a suggestion request is already in flight")
	ErrGameOver          = errors.New("game is over")
	ErrStaleSuggestion   = errors.New("suggestion discarded: position changed while it was pending")
	ErrNotYourTurn       = errors.New("not your turn")
	ErrNoDecisionService = errors.New("no decision service configured")
	ErrClosed            = errors.New("session closed")
)

// State is the orchestrator phase.
type State int

const (
	Idle State = iota
	AwaitingSuggestion
	GameOver
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingSuggestion:
		return "awaiting_suggestion"
	case GameOver:
		return "game_over"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// GameMode selects who answers the local player.
type GameMode string

const (
	ModeAutoPlay GameMode = "auto-play"
	ModePeer     GameMode = "peer"
)

func ParseGameMode(raw string) (GameMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto-play", "autoplay", "auto":
		return ModeAutoPlay, nil
	case "peer", "pvp", "peer-vs-peer":
		return ModePeer, nil
	default:
		return "", fmt.Errorf("unknown game mode %q", raw)
	}
}

// DecisionService returns the raw reply body for a position.
type DecisionService interface {
	BestMove(ctx context.Context, fen string, mode decision.Mode) ([]byte, error)
}

// Evaluator scores a position. Optional.
type Evaluator interface {
	Evaluate(ctx context.Context, fen string, mode decision.Mode) (float64, error)
}

// PeerSender publishes committed moves. Send must not block on the network;
// it is called while the session lock is held.
type PeerSender interface {
	Send(mv chessdto.PeerMove) error
}

// SnapshotStore persists the session after every change.
type SnapshotStore interface {
	Save(ctx context.Context, rec chessdto.SessionSnapshot) error
}

// Archiver stores finished games.
type Archiver interface {
	Archive(ctx context.Context, rec chessdto.SessionSnapshot) error
}

// Snapshot is the read-only view handed to the UI.
type Snapshot struct {
	SessionID string
	GameID    string
	State     State
	Position  string
	History   []string
	MovesUCI  []string
	Turn      chess.Color
	Thinking  bool
	GameOver  bool
	Result    string
	Method    string
	LastError error
	Version   uint64
}

type pendingSuggestion struct {
	fen      string
	version  uint64
	issuedAt time.Time
}

// Session owns one GameState and serializes every event that touches it.
type Session struct {
	mu sync.Mutex

	id       string
	gameID   string
	senderID string

	gameMode       GameMode
	decisionMode   decision.Mode
	playerColor    chess.Color
	autoPlayDelay  time.Duration
	requestTimeout time.Duration
	persistTimeout time.Duration

	decision  DecisionService
	evaluator Evaluator
	peer      PeerSender
	snapshots SnapshotStore
	archive   Archiver
	logger    *zap.Logger
	now       func() time.Time

	state     *chess.GameState
	version   uint64
	pending   *pendingSuggestion
	lastErr   error
	archived  bool
	startedAt time.Time
	updatedAt time.Time

	// outstanding is the request still on the wire. It outlives pending when
	// a reset abandons the suggestion, and blocks new requests until it returns.
	outstanding *pendingSuggestion

	autoTimer *time.Timer
	autoToken uint64

	listeners []func(Snapshot)

	// store writes queued under mu, drained in order by writeLoop
	jobsM      sync.Mutex
	jobs       []persistJob
	jobsWake   chan struct{}
	jobsDone   chan struct{}
	jobsFlight sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

type Option func(*Session)

func WithID(id string) Option {
	return func(s *Session) {
		if strings.TrimSpace(id) != "" {
			s.id = strings.TrimSpace(id)
		}
	}
}

// WithSenderID sets the tag stamped on outbound peer moves. Defaults to the session id.
func WithSenderID(id string) Option {
	return func(s *Session) {
		if strings.TrimSpace(id) != "" {
			s.senderID = strings.TrimSpace(id)
		}
	}
}

func WithGameMode(m GameMode) Option { return func(s *Session) { s.gameMode = m } }

func WithDecisionMode(m decision.Mode) Option { return func(s *Session) { s.decisionMode = m } }

// WithPlayerColor fixes the side the local user plays. An empty color lets
// the user move either side and disables auto-play triggering.
func WithPlayerColor(c chess.Color) Option { return func(s *Session) { s.playerColor = c } }

func WithAutoPlayDelay(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.autoPlayDelay = d
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

func WithDecisionService(d DecisionService) Option { return func(s *Session) { s.decision = d } }
func WithEvaluator(e Evaluator) Option             { return func(s *Session) { s.evaluator = e } }
func WithPeer(p PeerSender) Option                 { return func(s *Session) { s.peer = p } }
func WithSnapshotStore(st SnapshotStore) Option    { return func(s *Session) { s.snapshots = st } }
func WithArchiver(a Archiver) Option               { return func(s *Session) { s.archive = a } }

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a session at startFEN (empty for the standard position).
func New(startFEN string, opts ...Option) (*Session, error) {
	state, err := chess.NewGameState(startFEN)
	if err != nil {
		return nil, err
	}
	return newSession(state, opts...), nil
}

// Resume rebuilds a session from a persisted snapshot by replaying its moves.
// Modes stored in the snapshot win over the options.
func Resume(rec chessdto.SessionSnapshot, opts ...Option) (*Session, error) {
	state, err := chess.RestoreGameState(rec.StartFEN, rec.MovesUCI)
	if err != nil {
		return nil, fmt.Errorf("resume session %s: %w", rec.SessionID, err)
	}
	s := newSession(state, append([]Option{WithID(rec.SessionID)}, opts...)...)
	if rec.GameID != "" {
		s.gameID = rec.GameID
	}
	if m, err := ParseGameMode(rec.GameMode); err == nil && rec.GameMode != "" {
		s.gameMode = m
	}
	if m, err := decision.ParseMode(rec.DecisionMode); err == nil && rec.DecisionMode != "" {
		s.decisionMode = m
	}
	switch rec.PlayerColor {
	case string(chess.White), string(chess.Black):
		s.playerColor = chess.Color(rec.PlayerColor)
	case "both":
		s.playerColor = ""
	}
	if !rec.StartedAt.IsZero() {
		s.startedAt = rec.StartedAt
	}
	s.archived = state.IsTerminal()
	return s, nil
}

func newSession(state *chess.GameState, opts ...Option) *Session {
	s := &Session{
		gameMode:       ModeAutoPlay,
		decisionMode:   decision.ModeEngine,
		playerColor:    chess.White,
		autoPlayDelay:  300 * time.Millisecond,
		requestTimeout: 20 * time.Second,
		persistTimeout: 3 * time.Second,
		logger:         obslog.L(),
		now:            time.Now,
		state:          state,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.senderID == "" {
		s.senderID = s.id
	}
	if s.gameID == "" {
		s.gameID = uuid.NewString()
	}
	s.logger = s.logger.With(zap.String("session_id", s.id))
	s.startedAt = s.now()
	s.updatedAt = s.startedAt
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	if s.snapshots != nil || s.archive != nil {
		s.jobsWake = make(chan struct{}, 1)
		s.jobsDone = make(chan struct{})
		go s.writeLoop()
	}
	return s
}

func (s *Session) ID() string       { return s.id }
func (s *Session) SenderID() string { return s.senderID }

// OnChange registers fn to receive a snapshot after every state change.
// Callbacks run outside the session lock and may call back into the session.
func (s *Session) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) Position() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Position()
}

func (s *Session) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.History()
}

func (s *Session) IsThinking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) IsGameOver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsTerminal()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phaseLocked()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Record returns the persisted form of the session.
func (s *Session) Record() chessdto.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

// A finished game reads as GameOver even if a superseded request is still out.
func (s *Session) phaseLocked() State {
	switch {
	case s.state.IsTerminal():
		return GameOver
	case s.pending != nil:
		return AwaitingSuggestion
	default:
		return Idle
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID: s.id,
		GameID:    s.gameID,
		State:     s.phaseLocked(),
		Position:  s.state.Position(),
		History:   s.state.History(),
		MovesUCI:  s.state.MovesUCI(),
		Turn:      s.state.Turn(),
		Thinking:  s.pending != nil,
		GameOver:  s.state.IsTerminal(),
		Result:    s.state.Result(),
		Method:    s.state.Method(),
		LastError: s.lastErr,
		Version:   s.version,
	}
}

func (s *Session) recordLocked() chessdto.SessionSnapshot {
	color := string(s.playerColor)
	if color == "" {
		color = "both"
	}
	rec := chessdto.SessionSnapshot{
		SessionID:    s.id,
		GameID:       s.gameID,
		StartFEN:     s.state.StartFEN(),
		FEN:          s.state.Position(),
		MovesUCI:     s.state.MovesUCI(),
		MovesSAN:     s.state.History(),
		GameMode:     string(s.gameMode),
		DecisionMode: string(s.decisionMode),
		PlayerColor:  color,
		StartedAt:    s.startedAt,
		UpdatedAt:    s.updatedAt,
	}
	if s.state.IsTerminal() {
		rec.Result = s.state.Result()
		rec.Method = s.state.Method()
	}
	return rec
}

func (s *Session) emit(snap Snapshot) {
	s.mu.Lock()
	listeners := append([]func(Snapshot){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

// Wait blocks until scheduled auto-play triggers, in-flight suggestion
// requests and queued store writes have finished.
func (s *Session) Wait() {
	s.wg.Wait()
	s.jobsFlight.Wait()
}

// Close stops auto-play, cancels outstanding requests and waits for them.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopAutoLocked()
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	if s.jobsDone != nil {
		<-s.jobsDone
	}
	return nil
}
