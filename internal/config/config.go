package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"go.yaml.in/yaml/v3"
	"golang.org/x/text/language"

	"github.com/vipul43/clipdigest-worker/internal/scheduler"
)

type Config struct {
	DatabaseURL     string
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	SchedulerLocation *time.Location
	JobTimeout        time.Duration
	SyncSchedule      string
	InboxSchedule     string
	RepairSchedule    string
	RetrySchedule     string
	SyncPageSize      int

	Credentials         []CredentialSeed
	DefaultQuotaLimit   int64
	QuotaResetLocation  *time.Location
	TranslateEnabled    bool
	TargetLanguage      language.Tag
	TranslateRatePerSec float64
	OpenRouterAPIKey    string
	OpenRouterModel     string

	NotebookSubmitURL            string
	NotebookAPIToken             string
	SubmissionConcurrency        int
	SubmissionMaxDurationMinutes int

	GmailClientID        string
	GmailClientSecret    string
	GmailRefreshToken    string
	GmailCompletionQuery string
}

// CredentialSeed is one API key inserted into the pool at startup if missing
type CredentialSeed struct {
	Name       string `yaml:"name"`
	Secret     string `yaml:"key"`
	Priority   int    `yaml:"priority"`
	QuotaLimit int64  `yaml:"quota_limit"`
}

type credentialFile struct {
	Credentials []CredentialSeed `yaml:"credentials"`
}

// GmailConfigured reports whether the inbox check can run
func (c *Config) GmailConfigured() bool {
	return c.GmailClientID != "" && c.GmailClientSecret != "" && c.GmailRefreshToken != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:          dbURL,
		HTTPAddr:             getString("HTTP_ADDR", ":8080"),
		LogLevel:             getString("LOG_LEVEL", "info"),
		LogFormat:            getString("LOG_FORMAT", "json"),
		SyncSchedule:         getString("SYNC_SCHEDULE", "@every 1h"),
		InboxSchedule:        getString("INBOX_SCHEDULE", "@every 10m"),
		RepairSchedule:       getString("REPAIR_SCHEDULE", "@every 6h"),
		RetrySchedule:        getString("RETRY_SCHEDULE", "@every 30m"),
		OpenRouterAPIKey:     os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:      os.Getenv("OPENROUTER_MODEL"),
		NotebookSubmitURL:    os.Getenv("NOTEBOOK_SUBMIT_URL"),
		NotebookAPIToken:     os.Getenv("NOTEBOOK_API_TOKEN"),
		GmailClientID:        os.Getenv("GMAIL_CLIENT_ID"),
		GmailClientSecret:    os.Getenv("GMAIL_CLIENT_SECRET"),
		GmailRefreshToken:    os.Getenv("GMAIL_REFRESH_TOKEN"),
		GmailCompletionQuery: os.Getenv("GMAIL_COMPLETION_QUERY"),
	}

	var err error
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.JobTimeout, err = getDuration("JOB_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SchedulerLocation, err = getLocation("SCHEDULER_TIMEZONE", "UTC"); err != nil {
		return nil, err
	}
	if cfg.QuotaResetLocation, err = getLocation("QUOTA_RESET_TIMEZONE", "America/Los_Angeles"); err != nil {
		return nil, err
	}
	if cfg.SyncPageSize, err = getInt("SYNC_PAGE_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.SubmissionConcurrency, err = getInt("SUBMISSION_CONCURRENCY", 2); err != nil {
		return nil, err
	}
	if cfg.SubmissionMaxDurationMinutes, err = getInt("SUBMISSION_MAX_DURATION_MINUTES", 30); err != nil {
		return nil, err
	}
	quotaLimit, err := getInt("DEFAULT_QUOTA_LIMIT", 10000)
	if err != nil {
		return nil, err
	}
	cfg.DefaultQuotaLimit = int64(quotaLimit)
	if cfg.TranslateEnabled, err = getBool("TRANSLATE_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.TranslateRatePerSec, err = getFloat("TRANSLATE_RATE_PER_SEC", 2); err != nil {
		return nil, err
	}

	target, err := language.Parse(getString("TRANSLATE_TARGET_LANG", "en"))
	if err != nil {
		return nil, fmt.Errorf("TRANSLATE_TARGET_LANG is not a valid language tag: %w", err)
	}
	cfg.TargetLanguage = target

	for name, expr := range map[string]string{
		"SYNC_SCHEDULE":   cfg.SyncSchedule,
		"INBOX_SCHEDULE":  cfg.InboxSchedule,
		"REPAIR_SCHEDULE": cfg.RepairSchedule,
		"RETRY_SCHEDULE":  cfg.RetrySchedule,
	} {
		if _, err := scheduler.ParseSchedule(expr); err != nil {
			return nil, fmt.Errorf("%s is invalid: %w", name, err)
		}
	}

	if cfg.Credentials, err = loadCredentialSeeds(os.Getenv("CREDENTIALS_FILE"), os.Getenv("YOUTUBE_API_KEYS")); err != nil {
		return nil, err
	}

	if len(cfg.Credentials) == 0 {
		log.Warn().Msg("no YOUTUBE_API_KEYS or CREDENTIALS_FILE set, content sync relies on credentials already stored")
	}
	if cfg.TranslateEnabled && cfg.OpenRouterAPIKey == "" {
		log.Warn().Msg("OPENROUTER_API_KEY not set, titles will be stored untranslated")
	}
	if cfg.NotebookSubmitURL == "" {
		log.Warn().Msg("NOTEBOOK_SUBMIT_URL not set, eligible items stay pending")
	}
	if !cfg.GmailConfigured() {
		log.Warn().Msg("GMAIL_CLIENT_ID, GMAIL_CLIENT_SECRET or GMAIL_REFRESH_TOKEN not set, inbox check will fail")
	}

	return cfg, nil
}

// loadCredentialSeeds merges the YAML seed file with the comma separated key list.
// Keys from the list follow the file entries in priority.
func loadCredentialSeeds(path, keys string) ([]CredentialSeed, error) {
	var seeds []CredentialSeed

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read CREDENTIALS_FILE: %w", err)
		}
		var file credentialFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse CREDENTIALS_FILE: %w", err)
		}
		for i, seed := range file.Credentials {
			seed.Secret = strings.TrimSpace(seed.Secret)
			if seed.Secret == "" {
				return nil, fmt.Errorf("CREDENTIALS_FILE entry %d has no key", i+1)
			}
			if seed.Name == "" {
				seed.Name = fmt.Sprintf("file-%d", i+1)
			}
			seeds = append(seeds, seed)
		}
	}

	offset := len(seeds)
	n := 0
	for _, key := range strings.Split(keys, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		n++
		seeds = append(seeds, CredentialSeed{
			Name:     fmt.Sprintf("env-%d", n),
			Secret:   key,
			Priority: offset + n - 1,
		})
	}
	return seeds, nil
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

func getFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

func getBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}

func getLocation(key, def string) (*time.Location, error) {
	loc, err := time.LoadLocation(getString(key, def))
	if err != nil {
		return nil, fmt.Errorf("%s is not a known time zone: %w", key, err)
	}
	return loc, nil
}
