/**
 * @description
 * This package handles the configuration management for the credit-gateway. It uses the
 * Viper library to read configuration from environment variables (and an optional .env
 * file), applies defaults, and coerces out-of-range values back to safe defaults.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	maxAnswerTimeoutSeconds = 60
)

// Config holds all the configuration variables for the credit-gateway.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	StoreDriver          string `mapstructure:"STORE_DRIVER"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventsExchange       string `mapstructure:"EVENTS_EXCHANGE"`
	AccountContactQueue  string `mapstructure:"ACCOUNT_CONTACT_QUEUE"`
	AccountJWTSecret     string `mapstructure:"ACCOUNT_JWT_SECRET"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	AdminAllowedOrigins  string `mapstructure:"ADMIN_ALLOWED_ORIGINS"`

	StartingBalance           int64 `mapstructure:"STARTING_BALANCE"`
	MessageRateLimit          int   `mapstructure:"MESSAGE_RATE_LIMIT"`
	MessageRateWindowSeconds  int   `mapstructure:"MESSAGE_RATE_WINDOW_SECONDS"`
	QuestionRateLimit         int   `mapstructure:"QUESTION_RATE_LIMIT"`
	QuestionRateWindowSeconds int   `mapstructure:"QUESTION_RATE_WINDOW_SECONDS"`
	BalanceCacheTTLSeconds    int   `mapstructure:"BALANCE_CACHE_TTL_SECONDS"`
	CompletedDeductionsCap    int   `mapstructure:"COMPLETED_DEDUCTIONS_CAP"`
	QuestionMaxLength         int   `mapstructure:"QUESTION_MAX_LENGTH"`
	AnswerMaxLength           int   `mapstructure:"ANSWER_MAX_LENGTH"`

	AnswerAPIBaseURL         string  `mapstructure:"ANSWER_API_BASE_URL"`
	AnswerAPIKey             string  `mapstructure:"ANSWER_API_KEY"`
	AnswerServices           string  `mapstructure:"ANSWER_SERVICES"`
	AnswerTimeoutSeconds     int     `mapstructure:"ANSWER_TIMEOUT_SECONDS"`
	AnswerMaxAttempts        int     `mapstructure:"ANSWER_MAX_ATTEMPTS"`
	AnswerRetryBaseDelayMS   int     `mapstructure:"ANSWER_RETRY_BASE_DELAY_MS"`
	AnswerRequestsPerSecond  float64 `mapstructure:"ANSWER_REQUESTS_PER_SECOND"`
	StatementAPIBaseURL      string  `mapstructure:"STATEMENT_API_BASE_URL"`
	StatementAPIToken        string  `mapstructure:"STATEMENT_API_TOKEN"`
	StatementAccount         string  `mapstructure:"STATEMENT_ACCOUNT"`
	ReconcileIntervalSeconds int     `mapstructure:"RECONCILE_INTERVAL_SECONDS"`
	ReconcileFetchWindowSecs int     `mapstructure:"RECONCILE_FETCH_WINDOW_SECONDS"`
	MinorUnitsPerCredit      int64   `mapstructure:"MINOR_UNITS_PER_CREDIT"`
	PaymentCardNumber        string  `mapstructure:"PAYMENT_CARD_NUMBER"`
}

var intDefaults = map[string]int{
	"MESSAGE_RATE_LIMIT":             20,
	"MESSAGE_RATE_WINDOW_SECONDS":    60,
	"QUESTION_RATE_LIMIT":            10,
	"QUESTION_RATE_WINDOW_SECONDS":   60,
	"BALANCE_CACHE_TTL_SECONDS":      30,
	"COMPLETED_DEDUCTIONS_CAP":       1000,
	"QUESTION_MAX_LENGTH":            4000,
	"ANSWER_MAX_LENGTH":              4000,
	"ANSWER_TIMEOUT_SECONDS":         60,
	"ANSWER_MAX_ATTEMPTS":            3,
	"ANSWER_RETRY_BASE_DELAY_MS":     2000,
	"RECONCILE_INTERVAL_SECONDS":     60,
	"RECONCILE_FETCH_WINDOW_SECONDS": 60,
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "gateway:rate_limit")
	viper.SetDefault("EVENTS_EXCHANGE", "gateway.events")
	viper.SetDefault("ACCOUNT_CONTACT_QUEUE", "credit_gateway.account_contacts")
	viper.SetDefault("STARTING_BALANCE", 5)
	viper.SetDefault("ANSWER_REQUESTS_PER_SECOND", 0)
	viper.SetDefault("STATEMENT_API_BASE_URL", "https://api.monobank.ua")
	viper.SetDefault("STATEMENT_ACCOUNT", "0")
	viper.SetDefault("MINOR_UNITS_PER_CREDIT", 100)
	for key, value := range intDefaults {
		viper.SetDefault(key, value)
	}

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "STORE_DRIVER", "DATABASE_URL", "REDIS_URL", "REDIS_RATE_LIMIT_PREFIX",
		"RABBITMQ_URL", "EVENTS_EXCHANGE", "ACCOUNT_CONTACT_QUEUE", "ADMIN_ALLOWED_ORIGINS",
		"STARTING_BALANCE", "ANSWER_API_BASE_URL", "ANSWER_SERVICES", "ANSWER_REQUESTS_PER_SECOND",
		"STATEMENT_API_BASE_URL", "STATEMENT_ACCOUNT", "MINOR_UNITS_PER_CREDIT",
	} {
		_ = viper.BindEnv(key)
	}
	for key := range intDefaults {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("ACCOUNT_JWT_SECRET", "ACCOUNT_JWT_SECRET", "JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "GATEWAY_INTERNAL_API_KEY")
	_ = viper.BindEnv("ANSWER_API_KEY", "ANSWER_API_KEY", "ANSWER_SERVICE_API_KEY")
	_ = viper.BindEnv("STATEMENT_API_TOKEN", "STATEMENT_API_TOKEN", "MONOBANK_API_TOKEN")
	_ = viper.BindEnv("PAYMENT_CARD_NUMBER", "PAYMENT_CARD_NUMBER", "MONOBANK_CARD_NUMBER")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.PaymentCardNumber = strings.TrimSpace(config.PaymentCardNumber)
	if config.StoreDriver != StoreDriverMemory {
		config.StoreDriver = StoreDriverPostgres
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "gateway:rate_limit"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.StatementAccount = strings.TrimSpace(config.StatementAccount)
	if config.StatementAccount == "" {
		config.StatementAccount = "0"
	}

	if config.StartingBalance < 0 {
		slog.Warn("negative starting balance configured; coercing to zero", "component", "config", "value", config.StartingBalance)
		config.StartingBalance = 0
	}
	if config.MinorUnitsPerCredit <= 0 {
		slog.Warn("invalid minor units per credit; using default", "component", "config", "value", config.MinorUnitsPerCredit)
		config.MinorUnitsPerCredit = 100
	}
	if config.AnswerRequestsPerSecond < 0 {
		config.AnswerRequestsPerSecond = 0
	}
	if config.AnswerRetryBaseDelayMS < 0 {
		config.AnswerRetryBaseDelayMS = intDefaults["ANSWER_RETRY_BASE_DELAY_MS"]
	}

	coercePositive(&config.MessageRateLimit, "MESSAGE_RATE_LIMIT")
	coercePositive(&config.MessageRateWindowSeconds, "MESSAGE_RATE_WINDOW_SECONDS")
	coercePositive(&config.QuestionRateLimit, "QUESTION_RATE_LIMIT")
	coercePositive(&config.QuestionRateWindowSeconds, "QUESTION_RATE_WINDOW_SECONDS")
	coercePositive(&config.BalanceCacheTTLSeconds, "BALANCE_CACHE_TTL_SECONDS")
	coercePositive(&config.CompletedDeductionsCap, "COMPLETED_DEDUCTIONS_CAP")
	coercePositive(&config.QuestionMaxLength, "QUESTION_MAX_LENGTH")
	coercePositive(&config.AnswerMaxLength, "ANSWER_MAX_LENGTH")
	coercePositive(&config.AnswerTimeoutSeconds, "ANSWER_TIMEOUT_SECONDS")
	coercePositive(&config.AnswerMaxAttempts, "ANSWER_MAX_ATTEMPTS")
	coercePositive(&config.ReconcileIntervalSeconds, "RECONCILE_INTERVAL_SECONDS")
	coercePositive(&config.ReconcileFetchWindowSecs, "RECONCILE_FETCH_WINDOW_SECONDS")

	if config.AnswerTimeoutSeconds > maxAnswerTimeoutSeconds {
		slog.Warn("answer timeout too high; capping", "component", "config", "value", config.AnswerTimeoutSeconds, "cap", maxAnswerTimeoutSeconds)
		config.AnswerTimeoutSeconds = maxAnswerTimeoutSeconds
	}
	// A fetch window shorter than the poll interval leaves gaps between cycles.
	if config.ReconcileFetchWindowSecs < config.ReconcileIntervalSeconds {
		slog.Warn("reconcile fetch window shorter than interval; widening", "component", "config",
			"window_seconds", config.ReconcileFetchWindowSecs, "interval_seconds", config.ReconcileIntervalSeconds)
		config.ReconcileFetchWindowSecs = config.ReconcileIntervalSeconds
	}

	return
}

// AnswerServiceNames returns the configured service allow-list; empty means any service.
func (c Config) AnswerServiceNames() []string {
	var names []string
	for _, raw := range strings.Split(c.AnswerServices, ",") {
		if name := strings.TrimSpace(raw); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// AdminOrigins returns the CORS origins allowed on the admin routes.
func (c Config) AdminOrigins() []string {
	var origins []string
	for _, raw := range strings.Split(c.AdminAllowedOrigins, ",") {
		if origin := strings.TrimSpace(raw); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func (c Config) AnswerTimeout() time.Duration {
	return time.Duration(c.AnswerTimeoutSeconds) * time.Second
}

func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSeconds) * time.Second
}

func (c Config) ReconcileFetchWindow() time.Duration {
	return time.Duration(c.ReconcileFetchWindowSecs) * time.Second
}

func coercePositive(value *int, key string) {
	if *value > 0 {
		return
	}
	fallback := intDefaults[key]
	slog.Warn("non-positive value configured; using default", "component", "config", "key", key, "value", *value, "default", fallback)
	*value = fallback
}
