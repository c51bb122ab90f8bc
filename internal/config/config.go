package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report env var names instead of Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// AppConfig drives the terminal client.
type AppConfig struct {
	DecisionURL       string `env:"DECISION_URL" validate:"required,url"`
	DecisionMode      string `env:"DECISION_MODE" validate:"oneof=engine minimax neural-mcts"`
	DecisionTimeoutMS int    `env:"DECISION_TIMEOUT_MS" validate:"min=100,max=600000"`
	DecisionRetry     int    `env:"DECISION_RETRY" validate:"min=1,max=10"`

	// DecisionAuthToken is sent as a bearer token on every decision request.
	DecisionAuthToken    string `env:"DECISION_AUTH_TOKEN"`
	DecisionBestMovePath string `env:"DECISION_BEST_MOVE_PATH" validate:"omitempty,startswith=/"`
	DecisionEvalPath     string `env:"DECISION_EVAL_PATH" validate:"omitempty,startswith=/"`

	PeerWSURL             string `env:"PEER_WS_URL" validate:"omitempty,url"`
	PeerRoom              string `env:"PEER_ROOM" validate:"required,max=128"`
	PeerReconnectAttempts int    `env:"PEER_RECONNECT_ATTEMPTS" validate:"min=0,max=100"`
	PeerPingIntervalMS    int    `env:"PEER_PING_INTERVAL_MS" validate:"min=1000,max=600000"`
	PeerAuthToken         string `env:"PEER_AUTH_TOKEN"`

	GameMode        string `env:"GAME_MODE" validate:"oneof=auto-play peer"`
	PlayerColor     string `env:"PLAYER_COLOR" validate:"oneof=white black both"`
	AutoPlayDelayMS int    `env:"AUTOPLAY_DELAY_MS" validate:"min=0,max=60000"`
	StartFEN        string `env:"START_FEN"`

	RedisURL      string `env:"REDIS_URL" validate:"omitempty,url"`
	SessionTTLSec int    `env:"SESSION_TTL_SEC" validate:"min=60"`
	DatabaseURL   string `env:"DATABASE_URL"`

	MessagesDir string `env:"MESSAGES_DIR"`
}

func (c *AppConfig) DecisionTimeout() time.Duration {
	return time.Duration(c.DecisionTimeoutMS) * time.Millisecond
}

func (c *AppConfig) PeerPingInterval() time.Duration {
	return time.Duration(c.PeerPingIntervalMS) * time.Millisecond
}

func (c *AppConfig) AutoPlayDelay() time.Duration {
	return time.Duration(c.AutoPlayDelayMS) * time.Millisecond
}

func (c *AppConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSec) * time.Second
}

// RelayConfig drives the relay server.
type RelayConfig struct {
	Addr           string   `env:"RELAY_ADDR" validate:"required"`
	RedisURL       string   `env:"RELAY_REDIS_URL" validate:"omitempty,url"`
	Echo           bool     `env:"RELAY_ECHO"`
	OriginPatterns []string `env:"RELAY_ORIGINS"`
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		DecisionMode:          "engine",
		DecisionTimeoutMS:     15000,
		DecisionRetry:         2,
		PeerRoom:              "default",
		PeerReconnectAttempts: 5,
		PeerPingIntervalMS:    30000,
		GameMode:              "auto-play",
		PlayerColor:           "white",
		AutoPlayDelayMS:       300,
		SessionTTLSec:         86400,
	}

	cfg.DecisionURL = strings.TrimSpace(os.Getenv("DECISION_URL"))
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("DECISION_MODE"))); v != "" {
		cfg.DecisionMode = v
	}
	intEnv("DECISION_TIMEOUT_MS", &cfg.DecisionTimeoutMS)
	intEnv("DECISION_RETRY", &cfg.DecisionRetry)
	cfg.DecisionAuthToken = strings.TrimSpace(os.Getenv("DECISION_AUTH_TOKEN"))
	cfg.DecisionBestMovePath = strings.TrimSpace(os.Getenv("DECISION_BEST_MOVE_PATH"))
	cfg.DecisionEvalPath = strings.TrimSpace(os.Getenv("DECISION_EVAL_PATH"))

	cfg.PeerWSURL = strings.TrimSpace(os.Getenv("PEER_WS_URL"))
	if v := strings.TrimSpace(os.Getenv("PEER_ROOM")); v != "" {
		cfg.PeerRoom = v
	}
	intEnv("PEER_RECONNECT_ATTEMPTS", &cfg.PeerReconnectAttempts)
	intEnv("PEER_PING_INTERVAL_MS", &cfg.PeerPingIntervalMS)
	cfg.PeerAuthToken = strings.TrimSpace(os.Getenv("PEER_AUTH_TOKEN"))

	if v := strings.ToLower(strings.TrimSpace(os.Getenv("GAME_MODE"))); v != "" {
		cfg.GameMode = v
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("PLAYER_COLOR"))); v != "" {
		cfg.PlayerColor = v
	}
	intEnv("AUTOPLAY_DELAY_MS", &cfg.AutoPlayDelayMS)
	cfg.StartFEN = strings.TrimSpace(os.Getenv("START_FEN"))

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	intEnv("SESSION_TTL_SEC", &cfg.SessionTTLSec)
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.MessagesDir = strings.TrimSpace(os.Getenv("MESSAGES_DIR"))

	if err := check(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadRelay() (*RelayConfig, error) {
	cfg := &RelayConfig{Addr: ":8080"}
	if v := strings.TrimSpace(os.Getenv("RELAY_ADDR")); v != "" {
		cfg.Addr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("RELAY_REDIS_URL"))
	if v := strings.TrimSpace(os.Getenv("RELAY_ECHO")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Echo = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_ORIGINS")); v != "" {
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.OriginPatterns = append(cfg.OriginPatterns, s)
			}
		}
	}
	if err := check(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// intEnv overwrites *dst when key holds an integer; malformed values keep the default.
func intEnv(key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func check(cfg any) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "url":
			msgs = append(msgs, fmt.Sprintf("%s must be a URL", fe.Field()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		case "startswith":
			msgs = append(msgs, fmt.Sprintf("%s must start with %q", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return errors.New("invalid config: " + strings.Join(msgs, "; "))
}
