package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	// Listener
	ListenHost string `yaml:"listen_host"`
	ListenPort string `yaml:"listen_port"`

	// Admin HTTP surface (health + metrics). Empty port disables it.
	AdminPort string `yaml:"admin_port"`
	GinMode   string `yaml:"gin_mode"`

	// Database
	DatabaseURL       string `yaml:"database_url"`
	DBMaxOpenConns    int    `yaml:"db_max_open_conns"`
	DBMaxIdleConns    int    `yaml:"db_max_idle_conns"`
	DBConnMaxIdleTime int    `yaml:"db_conn_max_idle_time_minutes"`
	DBConnMaxLifetime int    `yaml:"db_conn_max_lifetime_minutes"`

	// Frame encryption. The 32-byte AES key is derived from this secret;
	// it must match the value configured in the client.
	SharedSecret string `yaml:"shared_secret"`

	// Media
	MediaBaseDir string `yaml:"media_base_dir"`

	// Tools used for video probing. Blank values fall back to $PATH lookup.
	FFprobePath string `yaml:"ffprobe_path"`
	FFmpegPath  string `yaml:"ffmpeg_path"`

	// TTLs and sweeps
	CaptchaTTL      time.Duration `yaml:"captcha_ttl"`
	UploadOrphanAge time.Duration `yaml:"upload_orphan_age"`

	// Server
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		ListenHost: getEnvOrDefault("CHAT_LISTEN_HOST", "0.0.0.0"),
		ListenPort: getEnvOrDefault("CHAT_LISTEN_PORT", "9000"),

		AdminPort: getEnvOrDefault("ADMIN_PORT", "8080"),
		GinMode:   getEnvOrDefault("GIN_MODE", "release"),

		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/whisper?sslmode=disable"),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		SharedSecret: getEnvOrDefault("CHAT_SHARED_SECRET", "whisper-dev-secret"),

		MediaBaseDir: getEnvOrDefault("MEDIA_BASE_DIR", "media"),

		FFprobePath: getEnvOrDefault("FFPROBE_PATH", ""),
		FFmpegPath:  getEnvOrDefault("FFMPEG_PATH", ""),

		CaptchaTTL:      getEnvAsDuration("CAPTCHA_TTL", 300*time.Second),
		UploadOrphanAge: getEnvAsDuration("UPLOAD_ORPHAN_AGE", time.Hour),

		ShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 10),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", ""),
	}

	// Optional YAML overlay, useful for deployments that prefer a config
	// file over a wall of environment variables.
	if path := os.Getenv("CHAT_CONFIG_FILE"); path != "" {
		if err := applyOverlay(AppConfig, path); err != nil {
			log.Printf("Failed to load config overlay %s: %v", path, err)
		}
	}
}

// applyOverlay merges a YAML config file over the env-derived config.
// Zero values in the file leave the env value in place.
func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	overlay := &Config{}
	if err := yaml.Unmarshal(data, overlay); err != nil {
		return err
	}
	mergeConfig(cfg, overlay)
	return nil
}

func mergeConfig(dst, src *Config) {
	if src.ListenHost != "" {
		dst.ListenHost = src.ListenHost
	}
	if src.ListenPort != "" {
		dst.ListenPort = src.ListenPort
	}
	if src.AdminPort != "" {
		dst.AdminPort = src.AdminPort
	}
	if src.GinMode != "" {
		dst.GinMode = src.GinMode
	}
	if src.DatabaseURL != "" {
		dst.DatabaseURL = src.DatabaseURL
	}
	if src.DBMaxOpenConns != 0 {
		dst.DBMaxOpenConns = src.DBMaxOpenConns
	}
	if src.DBMaxIdleConns != 0 {
		dst.DBMaxIdleConns = src.DBMaxIdleConns
	}
	if src.DBConnMaxIdleTime != 0 {
		dst.DBConnMaxIdleTime = src.DBConnMaxIdleTime
	}
	if src.DBConnMaxLifetime != 0 {
		dst.DBConnMaxLifetime = src.DBConnMaxLifetime
	}
	if src.SharedSecret != "" {
		dst.SharedSecret = src.SharedSecret
	}
	if src.MediaBaseDir != "" {
		dst.MediaBaseDir = src.MediaBaseDir
	}
	if src.FFprobePath != "" {
		dst.FFprobePath = src.FFprobePath
	}
	if src.FFmpegPath != "" {
		dst.FFmpegPath = src.FFmpegPath
	}
	if src.CaptchaTTL != 0 {
		dst.CaptchaTTL = src.CaptchaTTL
	}
	if src.UploadOrphanAge != 0 {
		dst.UploadOrphanAge = src.UploadOrphanAge
	}
	if src.ShutdownTimeoutSeconds != 0 {
		dst.ShutdownTimeoutSeconds = src.ShutdownTimeoutSeconds
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.LogFormat != "" {
		dst.LogFormat = src.LogFormat
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid value for %s: %s, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid value for %s: %s, using default %s", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
