package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the deadletter server.
type Config struct {
	Server          ServerConfig
	Database        DatabaseConfig
	Redis           RedisConfig
	Lock            LockConfig
	NATS            NATSConfig
	Resend          ResendConfig
	ResendScheduler JobConfig
	TaskSync        JobConfig
	Housekeeping    HousekeepingConfig
	TaskManagement  TaskManagementConfig
	IssueTracking   IssueTrackingConfig
	Grouping        GroupingConfig
	Metrics         MetricsConfig
	Admin           AdminConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel slog.Level
	Workers  int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// LockConfig selects the distributed lock backend: "redis", "postgres" or
// "memory" (single instance only).
type LockConfig struct {
	Backend string
}

type NATSConfig struct {
	URL            string
	SubjectPrefix  string
	PublishTimeout time.Duration
}

// ResendConfig parameterises the default resend strategy.
type ResendConfig struct {
	Delay                      time.Duration
	MaxRetries                 int
	ExponentialBackoffEnabled  bool
	ExponentialBackoffFactor   float64
	ExponentialBackoffMaxDelay time.Duration
}

// JobConfig is shared by the chunked periodic executors.
type JobConfig struct {
	Cron                 string
	LockAtLeast          time.Duration
	LockAtMost           time.Duration
	MaxConsecutiveChunks int
	ChunkSize            int
}

type HousekeepingConfig struct {
	Cron        string
	LockAtLeast time.Duration
	LockAtMost  time.Duration
	ErrorMaxAge time.Duration
	PageSize    int
	MaxPages    int
}

type TaskManagementConfig struct {
	Enabled  bool
	BaseURL  string
	Username string
	Password string
	System   string
	Domain   string
	DueDays  int
	Timeout  time.Duration
	// Priority of created tasks, e.g. "MEDIUM".
	Priority string
	// ErrorBaseURL prefixes the error id in the task's back reference.
	ErrorBaseURL string
}

type IssueTrackingConfig struct {
	BaseURL   string
	Username  string
	Token     string
	Project   string
	IssueType string
	Timeout   time.Duration

	// GroupBaseURL prefixes the group id in filed issues.
	GroupBaseURL string
}

// Enabled reports whether an issue tracker is configured.
func (c IssueTrackingConfig) Enabled() bool {
	return c.BaseURL != ""
}

type GroupingConfig struct {
	Enabled bool
}

type MetricsConfig struct {
	RefreshCron string
}

type AdminConfig struct {
	APIKeyHash string
}

var validLockBackends = map[string]bool{
	"redis":    true,
	"postgres": true,
	"memory":   true,
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("DEADLETTER_PORT", 8080),
			Env:      envString("DEADLETTER_ENV", "development"),
			LogLevel: envLogLevel("LOG_LEVEL", slog.LevelInfo),
			Workers:  envInt("SCHEDULER_WORKERS", 4),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Lock: LockConfig{
			Backend: envString("LOCK_BACKEND", "redis"),
		},
		NATS: NATSConfig{
			URL:            envString("NATS_URL", "nats://localhost:4222"),
			SubjectPrefix:  envString("NATS_SUBJECT_PREFIX", ""),
			PublishTimeout: envDuration("NATS_PUBLISH_TIMEOUT", 5*time.Second),
		},
		Resend: ResendConfig{
			Delay:                      envDuration("RESEND_DELAY", 60*time.Second),
			MaxRetries:                 envInt("RESEND_MAX_RETRIES", 5),
			ExponentialBackoffEnabled:  envBool("RESEND_EXPONENTIAL_BACKOFF_ENABLED", true),
			ExponentialBackoffFactor:   envFloat("RESEND_EXPONENTIAL_BACKOFF_FACTOR", 2.0),
			ExponentialBackoffMaxDelay: envDuration("RESEND_EXPONENTIAL_BACKOFF_MAX_DELAY", time.Hour),
		},
		ResendScheduler: JobConfig{
			Cron:                 envString("RESEND_SCHEDULER_CRON", "*/10 * * * * *"),
			LockAtLeast:          envDuration("RESEND_SCHEDULER_LOCK_AT_LEAST", 5*time.Second),
			LockAtMost:           envDuration("RESEND_SCHEDULER_LOCK_AT_MOST", 30*time.Minute),
			MaxConsecutiveChunks: envInt("RESEND_SCHEDULER_MAX_CONSECUTIVE_CHUNKS", 50),
			ChunkSize:            envInt("RESEND_SCHEDULER_MAX_RESEND_CHUNK_SIZE", 20),
		},
		TaskSync: JobConfig{
			Cron:                 envString("TASK_SYNC_CRON", "0 */5 * * * *"),
			LockAtLeast:          envDuration("TASK_SYNC_LOCK_AT_LEAST", 5*time.Second),
			LockAtMost:           envDuration("TASK_SYNC_LOCK_AT_MOST", 30*time.Minute),
			MaxConsecutiveChunks: envInt("TASK_SYNC_MAX_CONSECUTIVE_CHUNKS", 10),
			ChunkSize:            envInt("TASK_SYNC_PAGE_SIZE", 100),
		},
		Housekeeping: HousekeepingConfig{
			Cron:        envString("HOUSEKEEPING_CRON", "0 40 0 * * *"),
			LockAtLeast: envDuration("HOUSEKEEPING_LOCK_AT_LEAST", 5*time.Second),
			LockAtMost:  envDuration("HOUSEKEEPING_LOCK_AT_MOST", 2*time.Hour),
			ErrorMaxAge: envDuration("HOUSEKEEPING_ERROR_MAX_AGE", 180*24*time.Hour),
			PageSize:    envInt("HOUSEKEEPING_PAGE_SIZE", 100),
			MaxPages:    envInt("HOUSEKEEPING_MAX_PAGES", 100000),
		},
		TaskManagement: TaskManagementConfig{
			Enabled:      envBool("TASK_MANAGEMENT_ENABLED", false),
			BaseURL:      os.Getenv("TASK_MANAGEMENT_BASE_URL"),
			Username:     os.Getenv("TASK_MANAGEMENT_USERNAME"),
			Password:     os.Getenv("TASK_MANAGEMENT_PASSWORD"),
			System:       envString("TASK_MANAGEMENT_SYSTEM", "deadletter"),
			Domain:       envString("TASK_MANAGEMENT_DOMAIN", "default"),
			DueDays:      envInt("TASK_MANAGEMENT_DUE_DAYS", 7),
			Timeout:      envDuration("TASK_MANAGEMENT_TIMEOUT", 10*time.Second),
			Priority:     envString("TASK_MANAGEMENT_PRIORITY", "MEDIUM"),
			ErrorBaseURL: envString("TASK_MANAGEMENT_ERROR_BASE_URL", "http://localhost:8080/api/v1/errors/"),
		},
		IssueTracking: IssueTrackingConfig{
			BaseURL:      os.Getenv("JIRA_BASE_URL"),
			Username:     os.Getenv("JIRA_USERNAME"),
			Token:        os.Getenv("JIRA_TOKEN"),
			Project:      os.Getenv("JIRA_PROJECT"),
			IssueType:    envString("JIRA_ISSUE_TYPE", "Bug"),
			Timeout:      envDuration("JIRA_TIMEOUT", 10*time.Second),
			GroupBaseURL: envString("JIRA_GROUP_BASE_URL", "http://localhost:8080/api/v1/error-groups/"),
		},
		Grouping: GroupingConfig{
			Enabled: envBool("GROUPING_ENABLED", true),
		},
		Metrics: MetricsConfig{
			RefreshCron: envString("METRICS_REFRESH_CRON", "*/30 * * * * *"),
		},
		Admin: AdminConfig{
			APIKeyHash: os.Getenv("ADMIN_API_KEY_HASH"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if !validLockBackends[c.Lock.Backend] {
		return fmt.Errorf("LOCK_BACKEND must be one of redis, postgres, memory; got %q", c.Lock.Backend)
	}
	if c.Lock.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when LOCK_BACKEND is redis")
	}

	if err := c.Resend.validate(); err != nil {
		return err
	}

	if err := c.ResendScheduler.validate("RESEND_SCHEDULER"); err != nil {
		return err
	}
	if err := c.TaskSync.validate("TASK_SYNC"); err != nil {
		return err
	}

	if err := validateCron("HOUSEKEEPING_CRON", c.Housekeeping.Cron); err != nil {
		return err
	}
	if err := validateLock("HOUSEKEEPING", c.Housekeeping.LockAtLeast, c.Housekeeping.LockAtMost); err != nil {
		return err
	}
	if c.Housekeeping.ErrorMaxAge <= 0 {
		return fmt.Errorf("HOUSEKEEPING_ERROR_MAX_AGE must be positive")
	}
	if c.Housekeeping.PageSize <= 0 || c.Housekeeping.MaxPages <= 0 {
		return fmt.Errorf("HOUSEKEEPING_PAGE_SIZE and HOUSEKEEPING_MAX_PAGES must be positive")
	}

	if err := validateCron("METRICS_REFRESH_CRON", c.Metrics.RefreshCron); err != nil {
		return err
	}

	if c.TaskManagement.Enabled {
		if c.TaskManagement.BaseURL == "" {
			return fmt.Errorf("TASK_MANAGEMENT_BASE_URL is required when TASK_MANAGEMENT_ENABLED is true")
		}
		if !isHTTPURL(c.TaskManagement.BaseURL) {
			return fmt.Errorf("TASK_MANAGEMENT_BASE_URL must start with http:// or https://, got %q", c.TaskManagement.BaseURL)
		}
		if c.TaskManagement.Timeout <= 0 {
			return fmt.Errorf("TASK_MANAGEMENT_TIMEOUT must be positive")
		}
	}

	if c.IssueTracking.Enabled() {
		if !isHTTPURL(c.IssueTracking.BaseURL) {
			return fmt.Errorf("JIRA_BASE_URL must start with http:// or https://, got %q", c.IssueTracking.BaseURL)
		}
		if c.IssueTracking.Project == "" {
			return fmt.Errorf("JIRA_PROJECT is required when JIRA_BASE_URL is set")
		}
	}

	if c.Server.Workers <= 0 {
		return fmt.Errorf("SCHEDULER_WORKERS must be positive")
	}

	return nil
}

func (r ResendConfig) validate() error {
	if r.Delay <= 0 {
		return fmt.Errorf("RESEND_DELAY must be positive")
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("RESEND_MAX_RETRIES must not be negative")
	}
	if r.ExponentialBackoffEnabled {
		if r.ExponentialBackoffFactor < 1 {
			return fmt.Errorf("RESEND_EXPONENTIAL_BACKOFF_FACTOR must be >= 1, got %v", r.ExponentialBackoffFactor)
		}
		if r.ExponentialBackoffMaxDelay < r.Delay {
			return fmt.Errorf("RESEND_EXPONENTIAL_BACKOFF_MAX_DELAY must be >= RESEND_DELAY")
		}
	}
	return nil
}

func (j JobConfig) validate(prefix string) error {
	if err := validateCron(prefix+"_CRON", j.Cron); err != nil {
		return err
	}
	if err := validateLock(prefix, j.LockAtLeast, j.LockAtMost); err != nil {
		return err
	}
	if j.MaxConsecutiveChunks <= 0 || j.ChunkSize <= 0 {
		return fmt.Errorf("%s chunk limits must be positive", prefix)
	}
	return nil
}

func validateCron(key, expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("%s is not a valid cron expression %q: %w", key, expr, err)
	}
	return nil
}

func validateLock(prefix string, atLeast, atMost time.Duration) error {
	if atLeast < 0 || atMost <= 0 {
		return fmt.Errorf("%s lock durations must be positive", prefix)
	}
	if atLeast > atMost {
		return fmt.Errorf("%s_LOCK_AT_LEAST must not exceed %s_LOCK_AT_MOST", prefix, prefix)
	}
	return nil
}

func isHTTPURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envLogLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return l
}
