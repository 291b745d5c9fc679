package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/BTreeMap/AbeAI/internal/api"
	"github.com/BTreeMap/AbeAI/internal/genai"
	"github.com/BTreeMap/AbeAI/internal/lockfile"
	"github.com/BTreeMap/AbeAI/internal/store"
	"github.com/BTreeMap/AbeAI/internal/twiliowhatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for AbeAI state data
	DefaultStateDir = "/var/lib/abeai"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "abeai.db"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	loadDotEnv()

	config, err := loadEnvironmentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment configuration: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("abeai", flag.ContinueOnError)
	flags, err := parseCommandLineFlags(fs, args, config)
	if err != nil {
		return 2
	}
	initializeLogger(*flags.logLevel)

	// File-backed stores must not be shared between processes.
	if store.DetectDSNType(*flags.dbDSN) == store.BackendSQLite && *flags.redisURL == "" {
		lock, err := lockfile.AcquireLock(filepath.Dir(*flags.dbDSN))
		if err != nil {
			slog.Error("Failed to lock state directory", "error", err)
			return 1
		}
		defer lock.Release()
	}

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags, config)
	twilioOpts := buildTwilioOptions(config)
	apiOpts := buildAPIOptions(flags, config)

	slog.Info("Bootstrapping AbeAI with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"store", storeBackend(flags),
		"api_addr", *flags.apiAddr,
		"rules_file", *flags.rulesFile,
		"twilio_enabled", config.TwilioAccountSID != "")
	if err := api.Run(storeOpts, genaiOpts, twilioOpts, apiOpts); err != nil {
		slog.Error("AbeAI failed to run", "error", err)
		return 1
	}
	slog.Info("AbeAI exited successfully")
	return 0
}

// Config holds environment configuration
type Config struct {
	StateDir             string        `envconfig:"ABEAI_STATE_DIR" default:"/var/lib/abeai"`
	DatabaseURL          string        `envconfig:"DATABASE_URL"`
	RedisURL             string        `envconfig:"REDIS_URL"`
	OpenAIKey            string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL        string        `envconfig:"OPENAI_BASE_URL"`
	OpenAIModel          string        `envconfig:"OPENAI_MODEL"`
	OpenAITemperature    float64       `envconfig:"OPENAI_TEMPERATURE"`
	OpenAIMaxTokens      int64         `envconfig:"OPENAI_MAX_TOKENS"`
	OpenAIRetryAttempts  int           `envconfig:"OPENAI_RETRY_ATTEMPTS" default:"3"`
	OpenAIRetryDelay     time.Duration `envconfig:"OPENAI_RETRY_BASE_DELAY" default:"500ms"`
	TurnTimeout          time.Duration `envconfig:"TURN_TIMEOUT" default:"60s"`
	APIAddr              string        `envconfig:"API_ADDR" default:":8080"`
	PublicURL            string        `envconfig:"PUBLIC_URL"`
	AllowedOrigins       []string      `envconfig:"ALLOWED_ORIGINS"`
	RulesFile            string        `envconfig:"RULES_FILE"`
	HistoryLimit         int           `envconfig:"HISTORY_LIMIT" default:"10"`
	FreeResponseLimit    int           `envconfig:"FREE_RESPONSE_LIMIT"`
	RateLimitRPS         float64       `envconfig:"RATE_LIMIT_RPS" default:"1"`
	RateLimitBurst       int           `envconfig:"RATE_LIMIT_BURST" default:"5"`
	MaxBodyBytes         int64         `envconfig:"MAX_BODY_BYTES" default:"65536"`
	GeoHeader            string        `envconfig:"GEO_HEADER" default:"CF-IPCountry"`
	TwilioAccountSID     string        `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken      string        `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber     string        `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioSkipValidation bool          `envconfig:"TWILIO_SKIP_VALIDATION"`
	LogLevel             string        `envconfig:"LOG_LEVEL" default:"info"`
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	redisURL    *string
	openaiKey   *string
	openaiURL   *string
	openaiModel *string
	apiAddr     *string
	rulesFile   *string
	logLevel    *string
}

// loadDotEnv loads a .env file from the working directory if there is one.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
}

// loadEnvironmentConfig decodes the environment into Config.
func loadEnvironmentConfig() (Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return Config{}, err
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	return config, nil
}

// defaultDSN picks the database DSN: DATABASE_URL if set, otherwise SQLite in the state directory.
func defaultDSN(config Config, stateDir string) string {
	if config.DatabaseURL != "" {
		return config.DatabaseURL
	}
	return filepath.Join(stateDir, DefaultDBFileName)
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	initialDSN := defaultDSN(config, config.StateDir)
	flags := Flags{
		stateDir:    fs.String("state-dir", config.StateDir, "state directory for AbeAI data (overrides $ABEAI_STATE_DIR)"),
		dbDSN:       fs.String("db-dsn", initialDSN, "SQLite path or Postgres DSN (overrides $DATABASE_URL)"),
		redisURL:    fs.String("redis-url", config.RedisURL, "Redis URL for the record store (overrides $REDIS_URL)"),
		openaiKey:   fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiURL:   fs.String("openai-base-url", config.OpenAIBaseURL, "OpenAI compatible base URL (overrides $OPENAI_BASE_URL)"),
		openaiModel: fs.String("openai-model", config.OpenAIModel, "completion model (overrides $OPENAI_MODEL)"),
		apiAddr:     fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		rulesFile:   fs.String("rules-file", config.RulesFile, "YAML rule table replacing the built-in rules (overrides $RULES_FILE)"),
		logLevel:    fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Follow a changed state directory unless the DSN was set explicitly.
	if *flags.dbDSN == initialDSN && config.DatabaseURL == "" && *flags.stateDir != config.StateDir {
		*flags.dbDSN = defaultDSN(config, *flags.stateDir)
	}
	return flags, nil
}

// parseLogLevel maps a level name onto slog; unknown names mean info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initializeLogger sets up structured logging at the requested level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func storeBackend(flags Flags) string {
	if *flags.redisURL != "" {
		return store.BackendRedis
	}
	return store.DetectDSNType(*flags.dbDSN)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.redisURL != "" {
		storeOpts = append(storeOpts, store.WithRedisURL(*flags.redisURL))
	}
	switch store.DetectDSNType(*flags.dbDSN) {
	case store.BackendPostgres:
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	case store.BackendSQLite:
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	case store.BackendRedis:
		storeOpts = append(storeOpts, store.WithRedisURL(*flags.dbDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags, config Config) []genai.Option {
	genaiOpts := []genai.Option{
		genai.WithRetry(genai.RetryPolicy{Attempts: config.OpenAIRetryAttempts, BaseDelay: config.OpenAIRetryDelay}),
	}
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(*flags.openaiURL))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	// Rule table values take precedence; these apply when a tier leaves them unset.
	if config.OpenAITemperature > 0 {
		genaiOpts = append(genaiOpts, genai.WithTemperature(config.OpenAITemperature))
	}
	if config.OpenAIMaxTokens > 0 {
		genaiOpts = append(genaiOpts, genai.WithMaxTokens(config.OpenAIMaxTokens))
	}
	return genaiOpts
}

// buildTwilioOptions constructs the WhatsApp channel options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFromNumber))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	apiOpts := []api.Option{
		api.WithRateLimit(config.RateLimitRPS, config.RateLimitBurst),
		api.WithMaxBodyBytes(config.MaxBodyBytes),
		api.WithGeoHeader(config.GeoHeader),
		api.WithSkipTwilioValidation(config.TwilioSkipValidation),
	}
	if config.TurnTimeout > 0 {
		apiOpts = append(apiOpts, api.WithTurnTimeout(config.TurnTimeout))
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if len(config.AllowedOrigins) > 0 {
		apiOpts = append(apiOpts, api.WithAllowedOrigins(config.AllowedOrigins...))
	}
	if *flags.rulesFile != "" {
		apiOpts = append(apiOpts, api.WithRulesFile(*flags.rulesFile))
	}
	if config.HistoryLimit > 0 {
		apiOpts = append(apiOpts, api.WithHistoryLimit(config.HistoryLimit))
	}
	if config.FreeResponseLimit > 0 {
		apiOpts = append(apiOpts, api.WithFreeResponseLimit(config.FreeResponseLimit))
	}
	if config.PublicURL != "" {
		apiOpts = append(apiOpts, api.WithPublicURL(config.PublicURL))
	}
	return apiOpts
}
