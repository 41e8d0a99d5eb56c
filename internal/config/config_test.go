package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Server.WsBaseURL != "ws://localhost:8000" {
		t.Errorf("WsBaseURL = %q, want ws://localhost:8000", cfg.Server.WsBaseURL)
	}
	if cfg.Reconnect.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Reconnect.MaxAttempts)
	}
	if cfg.App.Debug {
		t.Error("Debug should default to false")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STUDIO_DEBUG", "true")
	t.Setenv("STUDIO_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("STUDIO_RECONNECT_MAX_ATTEMPTS", "7")

	cfg := Load()

	if !cfg.App.Debug {
		t.Error("STUDIO_DEBUG=true not applied")
	}
	if cfg.Heartbeat.Interval != 5*time.Second {
		t.Errorf("Heartbeat.Interval = %v, want 5s", cfg.Heartbeat.Interval)
	}
	if cfg.Reconnect.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", cfg.Reconnect.MaxAttempts)
	}
}

func TestGetEnvAsBoolRejectsGarbage(t *testing.T) {
	t.Setenv("STUDIO_DEBUG", "yes please")
	if got := getEnvAsBool("STUDIO_DEBUG", false); got {
		t.Error("unparsable value must fall back to the default")
	}
}
