package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DECISION_URL", "http://localhost:8000")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DecisionMode != "engine" || cfg.GameMode != "auto-play" || cfg.PlayerColor != "white" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.DecisionTimeout() != 15*time.Second || cfg.AutoPlayDelay() != 300*time.Millisecond || cfg.SessionTTL() != 24*time.Hour {
		t.Fatalf("durations = %v %v %v", cfg.DecisionTimeout(), cfg.AutoPlayDelay(), cfg.SessionTTL())
	}
	if cfg.PeerRoom != "default" || cfg.PeerReconnectAttempts != 5 || cfg.PeerPingInterval() != 30*time.Second {
		t.Fatalf("peer defaults = %+v", cfg)
	}
	if cfg.DecisionAuthToken != "" || cfg.DecisionBestMovePath != "" || cfg.DecisionEvalPath != "" || cfg.PeerAuthToken != "" {
		t.Fatalf("optional transport settings not empty: %+v", cfg)
	}
}

func TestLoad_TransportSettings(t *testing.T) {
	t.Setenv("DECISION_URL", "http://engine:8000")
	t.Setenv("DECISION_AUTH_TOKEN", " secret ")
	t.Setenv("DECISION_BEST_MOVE_PATH", "/v2/move")
	t.Setenv("DECISION_EVAL_PATH", "/v2/eval")
	t.Setenv("PEER_PING_INTERVAL_MS", "5000")
	t.Setenv("PEER_AUTH_TOKEN", "peer-secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DecisionAuthToken != "secret" || cfg.DecisionBestMovePath != "/v2/move" || cfg.DecisionEvalPath != "/v2/eval" {
		t.Fatalf("decision settings = %+v", cfg)
	}
	if cfg.PeerPingInterval() != 5*time.Second || cfg.PeerAuthToken != "peer-secret" {
		t.Fatalf("peer settings = %+v", cfg)
	}

	t.Setenv("DECISION_BEST_MOVE_PATH", "v2/move")
	t.Setenv("PEER_PING_INTERVAL_MS", "10")
	_, err = Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{`DECISION_BEST_MOVE_PATH must start with "/"`, "PEER_PING_INTERVAL_MS must be at least 1000"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DECISION_URL", "http://engine:8000")
	t.Setenv("DECISION_MODE", "Neural-MCTS")
	t.Setenv("GAME_MODE", "peer")
	t.Setenv("PLAYER_COLOR", "black")
	t.Setenv("AUTOPLAY_DELAY_MS", "0")
	t.Setenv("DECISION_RETRY", "not-a-number")
	t.Setenv("PEER_WS_URL", "ws://relay:8080/ws/chess")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DecisionMode != "neural-mcts" || cfg.GameMode != "peer" || cfg.PlayerColor != "black" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.AutoPlayDelayMS != 0 || cfg.DecisionRetry != 2 {
		t.Fatalf("ints = %d %d", cfg.AutoPlayDelayMS, cfg.DecisionRetry)
	}
}

func TestLoad_ValidationNamesEnvKeys(t *testing.T) {
	t.Setenv("DECISION_URL", "")
	t.Setenv("GAME_MODE", "tournament")
	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"DECISION_URL is required", "GAME_MODE must be one of"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestLoadRelay(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":9090")
	t.Setenv("RELAY_ECHO", "true")
	t.Setenv("RELAY_ORIGINS", "localhost:*, example.com")
	cfg, err := LoadRelay()
	if err != nil {
		t.Fatalf("LoadRelay: %v", err)
	}
	if cfg.Addr != ":9090" || !cfg.Echo || len(cfg.OriginPatterns) != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
}
