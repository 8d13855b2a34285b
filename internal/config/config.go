package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Server configures the chat server daemon.
type Server struct {
	AppName string
	Env     string
	Host    string
	Port    int

	SQLitePath string

	JWTSecret          string
	AccessTokenMinutes int
	EncryptKey         string // empty disables encryption at rest
	BcryptCost         int    // 0 uses the bcrypt default

	UploadDir    string
	CORSOrigins  []string
	Debug        bool
	HistoryLimit int
}

// LoadServer reads server settings from the environment, with an optional
// .env file for development.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	cfg := &Server{
		AppName: getEnv("APP_NAME", "portalchat server"),
		Env:     getEnv("APP_ENV", "development"),
		Host:    getEnv("HTTP_HOST", "0.0.0.0"),
		Port:    getEnvAsInt("HTTP_PORT", 8000),

		SQLitePath: getEnv("SQLITE_PATH", "portalchat.db"),

		JWTSecret:          os.Getenv("JWT_SECRET"),
		AccessTokenMinutes: getEnvAsInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60*24),
		EncryptKey:         os.Getenv("ENCRYPTION_KEY"),
		BcryptCost:         getEnvAsInt("BCRYPT_COST", 0),

		UploadDir:    getEnv("UPLOAD_DIR", "uploads"),
		Debug:        getEnvAsBool("DEBUG", true),
		HistoryLimit: getEnvAsInt("HISTORY_LIMIT", 500),
	}

	cors := getEnv("CORS_ORIGINS", "")
	if cors != "" {
		parts := strings.Split(cors, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return cfg, nil
}

func (c *Server) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client configures the terminal client.
type Client struct {
	ServerURL  string // http(s) base of the REST surface
	ChannelURL string // ws(s) endpoint of the live channel

	Email    string
	Password string

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Debug            bool
}

// LoadClient reads client settings from the environment, with an optional
// .env file.
func LoadClient() (*Client, error) {
	_ = godotenv.Load()

	cfg := &Client{
		ServerURL:  getEnv("CHAT_SERVER_URL", "http://localhost:8000"),
		ChannelURL: getEnv("CHAT_CHANNEL_URL", "ws://localhost:8000/ws/chat"),

		Email:    os.Getenv("CHAT_EMAIL"),
		Password: os.Getenv("CHAT_PASSWORD"),

		ReconnectInitial: getEnvAsDuration("CHAT_RECONNECT_INITIAL", time.Second),
		ReconnectMax:     getEnvAsDuration("CHAT_RECONNECT_MAX", 30*time.Second),
		Debug:            getEnvAsBool("DEBUG", false),
	}
	if cfg.Email == "" || cfg.Password == "" {
		return nil, fmt.Errorf("CHAT_EMAIL and CHAT_PASSWORD are required")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
