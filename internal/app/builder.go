package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/park285/cheese-duel/internal/chess"
	"github.com/park285/cheese-duel/internal/config"
	"github.com/park285/cheese-duel/internal/decision"
	"github.com/park285/cheese-duel/internal/msgcat"
	"github.com/park285/cheese-duel/internal/peer"
	"github.com/park285/cheese-duel/internal/session"
	"github.com/park285/cheese-duel/internal/store"
	"github.com/park285/cheese-duel/pkg/chessdto"
	"go.uber.org/zap"
)

// Deps holds the collaborators of a client session. Optional parts are nil
// when their configuration is empty.
type Deps struct {
	Config    *config.AppConfig
	Catalog   *msgcat.Catalog
	Decision  *decision.Client
	Peer      *peer.Channel
	Snapshots *store.SnapshotStore
	Archive   *store.Archive
	Logger    *zap.Logger
}

func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deps{Config: cfg, Logger: logger}

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	d.Catalog = cat

	d.Decision = decision.NewClient(cfg.DecisionURL,
		decision.WithTimeout(cfg.DecisionTimeout()),
		decision.WithRetry(cfg.DecisionRetry),
		decision.WithPaths(cfg.DecisionBestMovePath, cfg.DecisionEvalPath),
		decision.WithHeaderProvider(decision.BearerToken(cfg.DecisionAuthToken)),
		decision.WithLogger(logger.Named("decision")),
	)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		snaps, err := store.OpenSnapshotStore(ctx, cfg.RedisURL, cfg.SessionTTL())
		if err != nil {
			return nil, fmt.Errorf("init snapshots: %w", err)
		}
		d.Snapshots = snaps
	}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		archive, err := store.OpenArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = d.Close(ctx)
			return nil, fmt.Errorf("init archive: %w", err)
		}
		if err := archive.EnsureSchema(ctx); err != nil {
			_ = archive.Close()
			_ = d.Close(ctx)
			return nil, fmt.Errorf("archive schema: %w", err)
		}
		d.Archive = archive
	}

	if strings.TrimSpace(cfg.PeerWSURL) != "" {
		url, err := peer.RoomURL(cfg.PeerWSURL, cfg.PeerRoom)
		if err != nil {
			_ = d.Close(ctx)
			return nil, err
		}
		opts := []peer.Option{
			peer.WithReconnectAttempts(cfg.PeerReconnectAttempts),
			peer.WithPingInterval(cfg.PeerPingInterval()),
			peer.WithLogger(logger.Named("peer")),
		}
		if token := strings.TrimSpace(cfg.PeerAuthToken); token != "" {
			opts = append(opts, peer.WithHeader("Authorization", "Bearer "+token))
		}
		d.Peer = peer.New(url, opts...)
	}
	return d, nil
}

// NewSession builds a session from the config, or resumes resumeID from the
// snapshot store when it is set.
func (d *Deps) NewSession(ctx context.Context, resumeID string) (*session.Session, error) {
	gameMode, err := session.ParseGameMode(d.Config.GameMode)
	if err != nil {
		return nil, err
	}
	decisionMode, err := decision.ParseMode(d.Config.DecisionMode)
	if err != nil {
		return nil, err
	}
	color := chess.ParseColor(d.Config.PlayerColor)
	if d.Config.PlayerColor == "both" {
		color = ""
	}

	opts := []session.Option{
		session.WithGameMode(gameMode),
		session.WithDecisionMode(decisionMode),
		session.WithPlayerColor(color),
		session.WithAutoPlayDelay(d.Config.AutoPlayDelay()),
		session.WithRequestTimeout(d.Config.DecisionTimeout() * 2),
		session.WithDecisionService(d.Decision),
		session.WithEvaluator(d.Decision),
		session.WithLogger(d.Logger.Named("session")),
	}
	if d.Peer != nil {
		opts = append(opts, session.WithPeer(d.Peer))
	}
	if d.Snapshots != nil {
		opts = append(opts, session.WithSnapshotStore(d.Snapshots))
	}
	if d.Archive != nil {
		opts = append(opts, session.WithArchiver(d.Archive))
	}

	var s *session.Session
	if id := strings.TrimSpace(resumeID); id != "" {
		if d.Snapshots == nil {
			return nil, fmt.Errorf("resume requires REDIS_URL")
		}
		rec, err := d.Snapshots.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
		s, err = session.Resume(*rec, opts...)
		if err != nil {
			return nil, err
		}
	} else {
		s, err = session.New(d.Config.StartFEN, opts...)
		if err != nil {
			return nil, err
		}
	}

	if d.Peer != nil {
		d.Peer.OnMove(func(mv chessdto.PeerMove) {
			if err := s.ApplyRemoteMove(mv); err != nil {
				d.Logger.Warn("peer_move_apply_error", zap.String("from", mv.From), zap.String("to", mv.To), zap.Error(err))
			}
		})
	}
	return s, nil
}

// Connect dials the peer channel when one is configured.
func (d *Deps) Connect(ctx context.Context) error {
	if d.Peer == nil {
		return nil
	}
	return d.Peer.Connect(ctx)
}

// Close releases every opened resource and reports all failures.
func (d *Deps) Close(ctx context.Context) error {
	var result error
	if d.Peer != nil {
		if err := d.Peer.Close(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("peer: %w", err))
		}
	}
	if d.Snapshots != nil {
		if err := d.Snapshots.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("snapshots: %w", err))
		}
	}
	if d.Archive != nil {
		if err := d.Archive.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("archive: %w", err))
		}
	}
	return result
}
