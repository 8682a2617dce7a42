package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"slidecredit/internal/credit"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	BusNATS  = "nats"
	BusKafka = "kafka"
	BusNone  = "none"
)

type Config struct {
	StoreDriver string
	DBUser      string
	DBPass      string
	DBHost      string
	DBPort      string
	DBName      string
	SSLMode     string

	RedisHost   string
	RedisPort   string
	QuotaWindow time.Duration

	BusProvider    string
	NatsHost       string
	NatsPort       string
	NatsToken      string
	KafkaBrokers   []string
	UsageProjector bool

	ApiEnabled  string
	ApiPort     string
	GRPCEnabled string
	GRPCPort    string
	GRPCToken   string
	JWTSecret   string

	Rates        credit.Rates
	MaxRetries   int
	RetryBackoff time.Duration
	LogLevel     slog.Level
}

// New loads and validates configuration from environment variables.
// The HTTP and gRPC servers are optional: ApiAddr() and GRPCAddr() return an
// error when they are disabled and the server simply won't start. Redis is
// optional too; without it plan quotas are not enforced.
func New() (*Config, error) {
	_ = godotenv.Load()

	defaults := credit.DefaultRates()
	cfg := &Config{
		StoreDriver:    getEnv("SLIDECREDIT_STORE_DRIVER", StorePostgres),
		DBUser:         os.Getenv("SLIDECREDIT_POSTGRES_USER"),
		DBPass:         os.Getenv("SLIDECREDIT_POSTGRES_PASSWORD"),
		DBHost:         os.Getenv("SLIDECREDIT_POSTGRES_HOST"),
		DBPort:         getEnv("SLIDECREDIT_POSTGRES_PORT", "5432"),
		DBName:         os.Getenv("SLIDECREDIT_POSTGRES_DB"),
		SSLMode:        os.Getenv("SLIDECREDIT_POSTGRES_SSLMODE"),
		RedisHost:      os.Getenv("SLIDECREDIT_REDIS_HOST"),
		RedisPort:      getEnv("SLIDECREDIT_REDIS_PORT", "6379"),
		QuotaWindow:    getEnvDuration("SLIDECREDIT_QUOTA_WINDOW", time.Hour),
		BusProvider:    getEnv("SLIDECREDIT_BUS_PROVIDER", BusNone),
		NatsHost:       os.Getenv("SLIDECREDIT_NATS_HOST"),
		NatsPort:       getEnv("SLIDECREDIT_NATS_PORT", "4222"),
		NatsToken:      os.Getenv("SLIDECREDIT_NATS_TOKEN"),
		KafkaBrokers:   getEnvList("SLIDECREDIT_KAFKA_BROKERS"),
		UsageProjector: getEnv("SLIDECREDIT_USAGE_PROJECTOR", "true") == "true",
		ApiEnabled:     os.Getenv("SLIDECREDIT_API_ENABLED"),
		ApiPort:        os.Getenv("SLIDECREDIT_API_PORT"),
		GRPCEnabled:    os.Getenv("SLIDECREDIT_GRPC_ENABLED"),
		GRPCPort:       getEnv("SLIDECREDIT_GRPC_PORT", "50051"),
		GRPCToken:      os.Getenv("SLIDECREDIT_GRPC_TOKEN"),
		JWTSecret:      os.Getenv("SLIDECREDIT_JWT_SECRET"),
		Rates: credit.Rates{
			SlideGeneration:    getEnvInt64("SLIDECREDIT_COST_SLIDE_GENERATION", defaults.SlideGeneration),
			AIResearch:         getEnvInt64("SLIDECREDIT_COST_AI_RESEARCH", defaults.AIResearch),
			SlideCustomization: getEnvInt64("SLIDECREDIT_COST_SLIDE_CUSTOMIZATION", defaults.SlideCustomization),
			ExportPDF:          getEnvInt64("SLIDECREDIT_COST_EXPORT_PDF", defaults.ExportPDF),
			ExportPPTX:         getEnvInt64("SLIDECREDIT_COST_EXPORT_PPTX", defaults.ExportPPTX),
			DocumentPerMB:      getEnvDecimal("SLIDECREDIT_COST_DOCUMENT_PER_MB", defaults.DocumentPerMB),
			PremiumTemplate:    getEnvInt64("SLIDECREDIT_COST_PREMIUM_TEMPLATE", defaults.PremiumTemplate),
			SignupGrant:        getEnvInt64("SLIDECREDIT_SIGNUP_GRANT", defaults.SignupGrant),
		},
		MaxRetries:   getEnvInt("SLIDECREDIT_MAX_RETRIES", 5),
		RetryBackoff: getEnvDuration("SLIDECREDIT_RETRY_BACKOFF", 10*time.Millisecond),
		LogLevel:     getEnvLevel("SLIDECREDIT_LOG_LEVEL", slog.LevelInfo),
	}

	switch cfg.StoreDriver {
	case StorePostgres:
		if cfg.DBUser == "" || cfg.DBHost == "" || cfg.DBName == "" || cfg.SSLMode == "" {
			return nil, fmt.Errorf("missing required env for database: SLIDECREDIT_POSTGRES_USER/HOST/DB/SSLMODE")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("invalid store driver %q, must be 'postgres' or 'memory'", cfg.StoreDriver)
	}

	switch cfg.BusProvider {
	case BusNATS:
		if cfg.NatsHost == "" {
			return nil, fmt.Errorf("missing required env for nats bus: SLIDECREDIT_NATS_HOST")
		}
	case BusKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("missing required env for kafka bus: SLIDECREDIT_KAFKA_BROKERS")
		}
	case BusNone:
	default:
		return nil, fmt.Errorf("invalid bus provider %q, must be 'nats', 'kafka' or 'none'", cfg.BusProvider)
	}

	if cfg.ApiEnabled == "true" && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("SLIDECREDIT_JWT_SECRET is required when SLIDECREDIT_API_ENABLED=true")
	}
	if cfg.GRPCEnabled == "true" && cfg.GRPCToken == "" {
		return nil, fmt.Errorf("SLIDECREDIT_GRPC_TOKEN is required when SLIDECREDIT_GRPC_ENABLED=true")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("SLIDECREDIT_MAX_RETRIES must not be negative")
	}
	if cfg.Rates.SignupGrant < 0 {
		return nil, fmt.Errorf("SLIDECREDIT_SIGNUP_GRANT must not be negative")
	}

	return cfg, nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName, c.SSLMode)
}

// RedisAddr returns the Redis address, or an error when quotas are disabled.
func (c *Config) RedisAddr() (string, error) {
	if c.RedisHost == "" {
		return "", fmt.Errorf("redis is not configured (SLIDECREDIT_REDIS_HOST is empty)")
	}
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort), nil
}

func (c *Config) NatsAddr() string {
	return fmt.Sprintf("nats://%s:%s", c.NatsHost, c.NatsPort)
}

// GRPCAddr returns the gRPC listen address if the gRPC server is enabled.
func (c *Config) GRPCAddr() (string, error) {
	if c.GRPCEnabled != "true" {
		return "", fmt.Errorf("gRPC server is disabled (SLIDECREDIT_GRPC_ENABLED != true)")
	}
	return ":" + c.GRPCPort, nil
}

// ApiAddr returns the HTTP listen address if the API is enabled.
// Returns an error if SLIDECREDIT_API_ENABLED != "true"; callers should skip starting the HTTP server.
func (c *Config) ApiAddr() (string, error) {
	if c.ApiEnabled == "true" {
		if c.ApiPort == "" {
			return "", fmt.Errorf("SLIDECREDIT_API_PORT is required when SLIDECREDIT_API_ENABLED=true")
		}
		return ":" + c.ApiPort, nil
	}
	return "", fmt.Errorf("HTTP API is disabled (SLIDECREDIT_API_ENABLED != true)")
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var intVal int64
	if _, err := fmt.Sscanf(val, "%d", &intVal); err != nil {
		return defaultVal
	}
	return intVal
}

func getEnvDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := decimal.NewFromString(val)
	if err != nil || d.IsNegative() {
		return defaultVal
	}
	return d
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(val)); err != nil {
		return defaultVal
	}
	return level
}
