package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App       AppConfig
	Server    ServerConfig
	Reconnect ReconnectConfig
	Heartbeat HeartbeatConfig
	Storage   StorageConfig
}

type AppConfig struct {
	Environment string
	LogFilePath string
	// Debug mirrors logs to the console instead of keeping them file-only.
	Debug bool
}

type ServerConfig struct {
	// WsBaseURL is the websocket origin, e.g. "ws://localhost:8000".
	// The client id suffix is appended by the connection manager.
	WsBaseURL  string
	APIBaseURL string
	// HTTPTimeout bounds the fallback request; workflow generation is slow.
	HTTPTimeout time.Duration
}

type ReconnectConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type HeartbeatConfig struct {
	Interval time.Duration
}

type StorageConfig struct {
	// SnapshotPath is the single local record holding all sessions.
	SnapshotPath string
	// TemplateCacheTTL bounds how long /api/templates results are reused.
	TemplateCacheTTL time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Environment: getEnv("GO_ENV", "development"),
			LogFilePath: getEnv("LOG_FILE_PATH", "studio-client.log"),
			Debug:       getEnvAsBool("STUDIO_DEBUG", false),
		},
		Server: ServerConfig{
			WsBaseURL:   getEnv("STUDIO_WS_BASE_URL", "ws://localhost:8000"),
			APIBaseURL:  getEnv("STUDIO_API_BASE_URL", "http://localhost:8000"),
			HTTPTimeout: getEnvAsDuration("STUDIO_HTTP_TIMEOUT", 120*time.Second),
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: getEnvAsInt("STUDIO_RECONNECT_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvAsDuration("STUDIO_RECONNECT_BASE_DELAY", time.Second),
			MaxDelay:    getEnvAsDuration("STUDIO_RECONNECT_MAX_DELAY", 30*time.Second),
		},
		Heartbeat: HeartbeatConfig{
			Interval: getEnvAsDuration("STUDIO_HEARTBEAT_INTERVAL", 30*time.Second),
		},
		Storage: StorageConfig{
			SnapshotPath:     getEnv("STUDIO_SNAPSHOT_PATH", defaultSnapshotPath()),
			TemplateCacheTTL: getEnvAsDuration("STUDIO_TEMPLATE_CACHE_TTL", 10*time.Minute),
		},
	}
}

func defaultSnapshotPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "n8n-studio-sessions.json"
	}
	return filepath.Join(dir, "n8n-studio", "sessions.json")
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
