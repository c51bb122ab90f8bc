package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-duel/internal/chess"
	"github.com/park285/cheese-duel/pkg/chessdto"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Mode selects the decision service's move generator.
type Mode string

const (
	ModeEngine     Mode = "engine"
	ModeMinimax    Mode = "minimax"
	ModeNeuralMCTS Mode = "neural-mcts"
)

// ParseMode accepts the service's mode names; empty means engine.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "engine":
		return ModeEngine, nil
	case "minimax":
		return ModeMinimax, nil
	case "neural-mcts", "mcts", "neural":
		return ModeNeuralMCTS, nil
	default:
		return "", fmt.Errorf("unknown decision mode %q", raw)
	}
}

var ErrServiceUnavailable = errors.New("decision service unavailable")

// ServiceUnavailableError reports a transport failure or a non-2xx reply.
// For HTTP failures the message is the status text.
type ServiceUnavailableError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *ServiceUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return e.Status
	}
	if e.Err != nil {
		return ErrServiceUnavailable.Error() + ": " + e.Err.Error()
	}
	return ErrServiceUnavailable.Error()
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

func (e *ServiceUnavailableError) Is(target error) bool { return target == ErrServiceUnavailable }

// HeaderProvider is consulted on every request; empty keys or values are skipped.
type HeaderProvider func() map[string]string

// BearerToken returns a provider that authorizes requests with token.
func BearerToken(token string) HeaderProvider {
	token = strings.TrimSpace(token)
	return func() map[string]string {
		if token == "" {
			return nil
		}
		return map[string]string{"Authorization": "Bearer " + token}
	}
}

type Client struct {
	baseURL      string
	bestMovePath string
	evalPath     string
	http         *fasthttp.Client
	headers      HeaderProvider
	logger       *zap.Logger

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPaths overrides the endpoint paths (defaults "/best-move/" and "/evalbar/").
func WithPaths(bestMove, eval string) Option {
	return func(c *Client) {
		if strings.TrimSpace(bestMove) != "" {
			c.bestMovePath = bestMove
		}
		if strings.TrimSpace(eval) != "" {
			c.evalPath = eval
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		bestMovePath:   "/best-move/",
		evalPath:       "/evalbar/",
		http:           &fasthttp.Client{ReadTimeout: 30 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		logger:         zap.NewNop(),
		defaultTimeout: 15 * time.Second,
		retryMax:       1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BestMove posts the position and returns the raw reply body for ParseMove.
func (c *Client) BestMove(ctx context.Context, fen string, mode Mode) ([]byte, error) {
	req := chessdto.BestMoveRequest{FEN: fen, Mode: string(mode), GameMode: string(mode)}
	start := time.Now()
	body, err := c.doJSON(ctx, fasthttp.MethodPost, c.bestMovePath, req, true)
	if err != nil {
		c.logger.Warn("decision_best_move_error", zap.String("mode", string(mode)), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return nil, err
	}
	c.logger.Debug("decision_best_move", zap.String("mode", string(mode)), zap.Duration("elapsed", time.Since(start)), zap.Int("bytes", len(body)))
	return body, nil
}

// Suggest is BestMove followed by ParseMove.
func (c *Client) Suggest(ctx context.Context, fen string, mode Mode) (chess.NormalizedMove, error) {
	body, err := c.BestMove(ctx, fen, mode)
	if err != nil {
		return chess.NormalizedMove{}, err
	}
	return ParseMove(body)
}

// Evaluate asks the service for a static evaluation of fen.
func (c *Client) Evaluate(ctx context.Context, fen string, mode Mode) (float64, error) {
	req := chessdto.BestMoveRequest{FEN: fen, Mode: string(mode), GameMode: string(mode)}
	body, err := c.doJSON(ctx, fasthttp.MethodPost, c.evalPath, req, true)
	if err != nil {
		return 0, err
	}
	var resp chessdto.EvalResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode evaluation: %w", err)
	}
	if resp.Evaluation == nil {
		if resp.Error != "" {
			return 0, fmt.Errorf("evaluation: %s", resp.Error)
		}
		return 0, fmt.Errorf("evaluation missing in reply")
	}
	return *resp.Evaluation, nil
}

// Ping calls the service root and returns its banner message.
func (c *Client) Ping(ctx context.Context) (string, error) {
	body, err := c.doJSON(ctx, fasthttp.MethodGet, "/", nil, false)
	if err != nil {
		return "", err
	}
	var resp chessdto.HealthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode health: %w", err)
	}
	return resp.Message, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, retry bool) ([]byte, error) {
	url := c.baseURL + path
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")

	if c.headers != nil {
		for k, v := range c.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := 1
	if retry && c.retryMax > 1 {
		attempts = c.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &ServiceUnavailableError{Err: err}
		}
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = &ServiceUnavailableError{Err: err}
			if attempt == attempts {
				return nil, lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return nil, lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			lastErr = &ServiceUnavailableError{StatusCode: status, Status: fasthttp.StatusMessage(status)}
			if attempt == attempts || !shouldRetryStatus(status) {
				return nil, lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return nil, lastErr
			}
			continue
		}
		return append([]byte(nil), resp.Body()...), nil
	}

	if lastErr == nil {
		lastErr = &ServiceUnavailableError{Err: errors.New("unknown error")}
	}
	return nil, lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 502, 503, 504:
		return true
	default:
		return false
	}
}
