package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "chess:relay:"

type envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// Deliverer receives events published by other instances.
type Deliverer interface {
	Deliver(room string, payload []byte)
}

// RedisBridge shares rooms between relay instances over Redis Pub/Sub.
// Messages published by this instance are ignored on the way back.
type RedisBridge struct {
	rdb      *redis.Client
	instance string
	logger   *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisBridge(rdb *redis.Client, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{rdb: rdb, instance: uuid.NewString(), logger: logger}
}

func (b *RedisBridge) InstanceID() string { return b.instance }

func (b *RedisBridge) Publish(ctx context.Context, room string, payload []byte) error {
	raw, err := json.Marshal(envelope{Origin: b.instance, Room: room, Payload: payload})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelPrefix+room, raw).Err()
}

// Start subscribes to every room channel and forwards foreign events to d.
// It returns once the subscription is confirmed.
func (b *RedisBridge) Start(ctx context.Context, d Deliverer) error {
	ps := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("relay psubscribe: %w", err)
	}
	done := make(chan struct{})
	b.mu.Lock()
	b.pubsub = ps
	b.done = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("relay_bridge_decode_error", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if env.Origin == b.instance {
				continue
			}
			room := env.Room
			if room == "" {
				room = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			d.Deliver(room, env.Payload)
		}
	}()
	b.logger.Info("relay_bridge_start", zap.String("instance", b.instance))
	return nil
}

func (b *RedisBridge) Close() error {
	b.mu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
