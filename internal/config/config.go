// Package config provides configuration loading and validation for the
// initializer's server and worker.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Duration is a time.Duration that reads "90s" / "15m" style strings from JSON
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the duration as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the service configuration. Values come from an optional JSON
// file, then environment variables, then CLI flags.
type Config struct {
	// Storage
	DatabaseURL string `json:"database_url,omitempty"`

	// HTTP
	Port int `json:"port,omitempty" validate:"min=0,max=65535"`

	// Logging
	LogLevel  string `json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `json:"log_format,omitempty" validate:"omitempty,oneof=json text"`

	// Git providers
	GitHubToken  string `json:"github_token,omitempty"`
	GitHubAPIURL string `json:"github_api_url,omitempty" validate:"omitempty,url"`
	GitLabToken  string `json:"gitlab_token,omitempty"`
	GitLabURL    string `json:"gitlab_url,omitempty" validate:"omitempty,url"`

	// Cluster
	KubeAPIURL      string `json:"kube_api_url,omitempty" validate:"omitempty,url"`
	KubeToken       string `json:"kube_token,omitempty"`
	KubeInsecure    bool   `json:"kube_insecure,omitempty"`
	NamespacePrefix string `json:"namespace_prefix,omitempty" validate:"omitempty,max=20"`
	GitSecretName   string `json:"git_secret_name,omitempty" validate:"omitempty,max=253"`

	// Worker
	WorkerConcurrency int      `json:"worker_concurrency,omitempty" validate:"min=0,max=100"`
	WorkerRateLimit   float64  `json:"worker_rate_limit,omitempty" validate:"min=0"`
	JobMaxAttempts    int      `json:"job_max_attempts,omitempty" validate:"min=0,max=20"`
	JobTimeout        Duration `json:"job_timeout,omitempty"`
	StepTimeout       Duration `json:"step_timeout,omitempty"`
	LockTTL           Duration `json:"lock_ttl,omitempty"`
	Visibility        Duration `json:"visibility_timeout,omitempty"`
}

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		Port:              8080,
		LogLevel:          "info",
		LogFormat:         "json",
		GitHubAPIURL:      "https://api.github.com",
		GitLabURL:         "https://gitlab.com",
		NamespacePrefix:   "proj",
		GitSecretName:     "git-credentials",
		WorkerConcurrency: 5,
		WorkerRateLimit:   5,
		JobMaxAttempts:    3,
		JobTimeout:        Duration(15 * time.Minute),
		LockTTL:           Duration(2 * time.Minute),
		Visibility:        Duration(5 * time.Minute),
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
// Unset variables leave the field unchanged.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var errs []string
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *Duration) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("DATABASE_URL", &c.DatabaseURL)
	integer("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("GITHUB_TOKEN", &c.GitHubToken)
	str("GITHUB_API_URL", &c.GitHubAPIURL)
	str("GITLAB_TOKEN", &c.GitLabToken)
	str("GITLAB_URL", &c.GitLabURL)
	str("KUBE_API_URL", &c.KubeAPIURL)
	str("KUBE_TOKEN", &c.KubeToken)
	boolean("KUBE_INSECURE", &c.KubeInsecure)
	str("NAMESPACE_PREFIX", &c.NamespacePrefix)
	str("GIT_SECRET_NAME", &c.GitSecretName)
	integer("WORKER_CONCURRENCY", &c.WorkerConcurrency)
	float("WORKER_RATE_LIMIT", &c.WorkerRateLimit)
	integer("JOB_MAX_ATTEMPTS", &c.JobMaxAttempts)
	duration("JOB_TIMEOUT", &c.JobTimeout)
	duration("STEP_TIMEOUT", &c.StepTimeout)
	duration("LOCK_TTL", &c.LockTTL)
	duration("VISIBILITY_TIMEOUT", &c.Visibility)

	if len(errs) > 0 {
		return fmt.Errorf("config error: invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

var validate = validator.New()

// Validate checks that the configuration has valid values.
// Note: This doesn't check for required fields since those depend on the
// command being run.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if c.JobTimeout < 0 || c.StepTimeout < 0 || c.LockTTL < 0 || c.Visibility < 0 {
		return fmt.Errorf("config error: durations must be non-negative")
	}
	if c.LockTTL > 0 && c.LockTTL.Std() < 3*time.Second {
		return fmt.Errorf("config error: 'lock_ttl' must be at least 3s")
	}
	if c.StepTimeout > 0 && c.JobTimeout > 0 && c.StepTimeout > c.JobTimeout {
		return fmt.Errorf("config error: 'step_timeout' exceeds 'job_timeout'")
	}
	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&result.DatabaseURL, defaults.DatabaseURL)
	fill(&result.LogLevel, defaults.LogLevel)
	fill(&result.LogFormat, defaults.LogFormat)
	fill(&result.GitHubToken, defaults.GitHubToken)
	fill(&result.GitHubAPIURL, defaults.GitHubAPIURL)
	fill(&result.GitLabToken, defaults.GitLabToken)
	fill(&result.GitLabURL, defaults.GitLabURL)
	fill(&result.KubeAPIURL, defaults.KubeAPIURL)
	fill(&result.KubeToken, defaults.KubeToken)
	fill(&result.NamespacePrefix, defaults.NamespacePrefix)
	fill(&result.GitSecretName, defaults.GitSecretName)

	// Numeric fields: use default if zero
	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.WorkerConcurrency == 0 {
		result.WorkerConcurrency = defaults.WorkerConcurrency
	}
	if result.WorkerRateLimit == 0 {
		result.WorkerRateLimit = defaults.WorkerRateLimit
	}
	if result.JobMaxAttempts == 0 {
		result.JobMaxAttempts = defaults.JobMaxAttempts
	}
	if result.JobTimeout == 0 {
		result.JobTimeout = defaults.JobTimeout
	}
	if result.StepTimeout == 0 {
		result.StepTimeout = defaults.StepTimeout
	}
	if result.LockTTL == 0 {
		result.LockTTL = defaults.LockTTL
	}
	if result.Visibility == 0 {
		result.Visibility = defaults.Visibility
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags and env should always win for bools)

	return result
}

// Load builds the effective configuration: the JSON file at path (optional),
// then the environment, then built-in defaults for anything still unset.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		fileCfg, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	merged := cfg.MergeWithDefaults(Defaults())
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}
