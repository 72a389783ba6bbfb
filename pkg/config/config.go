package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading engine.
type Config struct {
	Port string `validate:"required,numeric"`

	// Logging
	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogPretty bool

	// Database
	DBPath string `validate:"required"`

	// Auth
	JWTSecret string `validate:"required"`

	// Localization
	Language string // "en" or "zh"

	// Broker venue: "paper" simulates locally, "deriv" talks to the real API.
	Broker                 string `validate:"oneof=paper deriv"`
	DerivWSURL             string `validate:"required_if=Broker deriv"`
	DerivAppID             string `validate:"required_if=Broker deriv"`
	DerivRequestsPerSecond float64
	Currency               string

	// Paper venue
	PaperInitialBalance float64 `validate:"gte=0"`
	PaperLatency        time.Duration
	PaperTickInterval   time.Duration `validate:"gt=0"`
	PaperSeed           int64

	// Market data
	Symbols     []string `validate:"min=1,dive,required"`
	UseMockFeed bool
	TickArchive bool

	// Policy and signals
	RiskPolicyFile string
	StrategyFile   string
	ModelAddr      string

	// Session timing
	PlacementTimeout       time.Duration `validate:"gt=0"`
	BrokerCallTimeout      time.Duration `validate:"gt=0"`
	DeadFeedThreshold      time.Duration `validate:"gt=0"`
	SettlementPollInterval time.Duration `validate:"gt=0"`
	ReconcileMaxAttempts   int           `validate:"gte=1"`
	SessionIdleTTL         time.Duration
	ShutdownTimeout        time.Duration

	// Broker connection pool
	GatewayMaxSize     int `validate:"gte=1"`
	GatewayIdleTimeout time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/trader.db")
	}
	venue := strings.ToLower(getEnv("BROKER", "paper"))

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		LogLevel:               strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogPretty:              getEnvBool("LOG_PRETTY", false),
		DBPath:                 dbPath,
		JWTSecret:              getEnv("JWT_SECRET", "dev-secret"),
		Language:               getEnv("LANGUAGE", "en"),
		Broker:                 venue,
		DerivWSURL:             getEnv("DERIV_WS_URL", "wss://ws.derivws.com/websockets/v3"),
		DerivAppID:             getEnv("DERIV_APP_ID", "1089"),
		DerivRequestsPerSecond: getEnvFloat("DERIV_REQUESTS_PER_SECOND", 5),
		Currency:               getEnv("CURRENCY", "USD"),
		PaperInitialBalance:    getEnvFloat("PAPER_INITIAL_BALANCE", 1000),
		PaperLatency:           time.Duration(getEnvInt("PAPER_LATENCY_MS", 50)) * time.Millisecond,
		PaperTickInterval:      time.Duration(getEnvInt("PAPER_TICK_INTERVAL_MS", 1000)) * time.Millisecond,
		PaperSeed:              int64(getEnvInt("PAPER_SEED", 0)),
		Symbols:                splitAndTrim(getEnv("SYMBOLS", "R_100")),
		UseMockFeed:            getEnvBool("USE_MOCK_FEED", venue == "paper"),
		TickArchive:            getEnvBool("TICK_ARCHIVE", false),
		RiskPolicyFile:         getEnv("RISK_POLICY_FILE", ""),
		StrategyFile:           getEnv("STRATEGY_FILE", ""),
		ModelAddr:              getEnv("MODEL_ADDR", ""),
		PlacementTimeout:       getEnvDuration("PLACEMENT_TIMEOUT", 10*time.Second),
		BrokerCallTimeout:      getEnvDuration("BROKER_CALL_TIMEOUT", 5*time.Second),
		DeadFeedThreshold:      getEnvDuration("DEAD_FEED_THRESHOLD", 15*time.Second),
		SettlementPollInterval: getEnvDuration("SETTLEMENT_POLL_INTERVAL", 2*time.Second),
		ReconcileMaxAttempts:   getEnvInt("RECONCILE_MAX_ATTEMPTS", 3),
		SessionIdleTTL:         getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
		ShutdownTimeout:        getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		GatewayMaxSize:         getEnvInt("GATEWAY_MAX_SIZE", 100),
		GatewayIdleTimeout:     getEnvDuration("GATEWAY_IDLE_TIMEOUT", 30*time.Minute),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("5s") or a bare number of seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
