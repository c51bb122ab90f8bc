package session

import (
	"context"
	"sync"

	"github.com/park285/cheese-duel/internal/decision"
	"github.com/park285/cheese-duel/pkg/chessdto"
)

type fakeDecision struct {
	mu        sync.Mutex
	calls     int
	active    int
	maxActive int
	fens      []string
	reply     func(fen string) ([]byte, error)
	gate      chan struct{}
	started   chan string
}

func replyWith(body string) *fakeDecision {
	return &fakeDecision{reply: func(string) ([]byte, error) { return []byte(body), nil }}
}

func (f *fakeDecision) BestMove(ctx context.Context, fen string, _ decision.Mode) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.fens = append(f.fens, fen)
	gate, started := f.gate, f.started
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	if started != nil {
		started <- fen
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.reply(fen)
}

func (f *fakeDecision) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeDecision) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

type fakePeer struct {
	mu   sync.Mutex
	sent []chessdto.PeerMove
}

func (p *fakePeer) Send(mv chessdto.PeerMove) error {
	p.mu.Lock()
	p.sent = append(p.sent, mv)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Sent() []chessdto.PeerMove {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chessdto.PeerMove(nil), p.sent...)
}

type fakeStore struct {
	mu    sync.Mutex
	saved []chessdto.SessionSnapshot
	gate  chan struct{}
}

func (f *fakeStore) Save(_ context.Context, rec chessdto.SessionSnapshot) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.saved = append(f.saved, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) Last() (chessdto.SessionSnapshot, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saved) == 0 {
		return chessdto.SessionSnapshot{}, 0
	}
	return f.saved[len(f.saved)-1], len(f.saved)
}

type fakeArchive struct {
	mu   sync.Mutex
	recs []chessdto.SessionSnapshot
}

func (f *fakeArchive) Archive(_ context.Context, rec chessdto.SessionSnapshot) error {
	f.mu.Lock()
	f.recs = append(f.recs, rec)
	f.mu.Unlock()
	return nil
}

type fakeEvaluator struct{ score float64 }

func (f fakeEvaluator) Evaluate(context.Context, string, decision.Mode) (float64, error) {
	return f.score, nil
}
