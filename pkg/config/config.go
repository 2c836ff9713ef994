package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the provider scraper
type Config struct {
	// Scraping targets and session limits
	Scraper ScraperConfig `yaml:"scraper" json:"scraper"`

	// Rate limiting configuration
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Outbound proxy pool
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// Page fetch settings
	Fetch FetchConfig `yaml:"fetch" json:"fetch"`

	// Retry/backoff policy for failed page tasks
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Result persistence
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Email notification (SMTP)
	SMTP SMTPConfig `yaml:"smtp" json:"smtp"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ScraperConfig holds session-level scraping configuration
type ScraperConfig struct {
	Sites                []string `yaml:"sites" json:"sites"`
	MaxPages             int      `yaml:"max_pages" json:"max_pages"`
	MaxConcurrentScrapes int      `yaml:"max_concurrent_scrapes" json:"max_concurrent_scrapes"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
}

// ProxyConfig holds proxy pool configuration
type ProxyConfig struct {
	Routes           []string      `yaml:"routes" json:"routes"`
	ProbeInterval    time.Duration `yaml:"probe_interval" json:"probe_interval"`
	QuarantineBase   time.Duration `yaml:"quarantine_base" json:"quarantine_base"`
	QuarantineCap    time.Duration `yaml:"quarantine_cap" json:"quarantine_cap"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	LatencyReference time.Duration `yaml:"latency_reference" json:"latency_reference"`
}

// FetchConfig holds page fetch configuration
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	UserAgent string        `yaml:"user_agent" json:"user_agent"`
}

// RetryConfig holds the backoff policy for page task retries
type RetryConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
}

// StorageConfig holds result persistence configuration
type StorageConfig struct {
	BaseDirectory string `yaml:"base_directory" json:"base_directory"`
}

// SMTPConfig holds email notification configuration
type SMTPConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	From     string `yaml:"from" json:"from"`
	UseTLS   bool   `yaml:"use_tls" json:"use_tls"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Scraper: ScraperConfig{
			Sites:                []string{"gelbeseiten.de", "dasoertliche.de"},
			MaxPages:             10,
			MaxConcurrentScrapes: 3,
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 100,
			Window:      60 * time.Second,
		},
		Proxy: ProxyConfig{
			Routes:           nil,
			ProbeInterval:    60 * time.Second,
			QuarantineBase:   time.Minute,
			QuarantineCap:    30 * time.Minute,
			ProbeTimeout:     10 * time.Second,
			LatencyReference: 5 * time.Second,
		},
		Fetch: FetchConfig{
			Timeout:   30 * time.Second,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
		},
		Retry: RetryConfig{
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 3,
		},
		Storage: StorageConfig{
			BaseDirectory: "./sessions",
		},
		SMTP: SMTPConfig{
			Host:   "",
			Port:   587,
			From:   "noreply@medscraper.local",
			UseTLS: true,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if sites := os.Getenv("MEDSCRAPER_SITES"); sites != "" {
		c.Scraper.Sites = strings.Split(sites, ",")
	}
	if maxPages := os.Getenv("MEDSCRAPER_MAX_PAGES"); maxPages != "" {
		var val int
		fmt.Sscanf(maxPages, "%d", &val)
		if val > 0 {
			c.Scraper.MaxPages = val
		}
	}
	if concurrent := os.Getenv("MEDSCRAPER_MAX_CONCURRENT_SCRAPES"); concurrent != "" {
		var val int
		fmt.Sscanf(concurrent, "%d", &val)
		if val > 0 {
			c.Scraper.MaxConcurrentScrapes = val
		}
	}

	if maxRequests := os.Getenv("MEDSCRAPER_RATE_LIMIT_REQUESTS"); maxRequests != "" {
		var val int
		fmt.Sscanf(maxRequests, "%d", &val)
		if val > 0 {
			c.RateLimit.MaxRequests = val
		}
	}
	if window := os.Getenv("MEDSCRAPER_RATE_LIMIT_WINDOW"); window != "" {
		if d, err := time.ParseDuration(window); err == nil && d > 0 {
			c.RateLimit.Window = d
		}
	}

	if routes := os.Getenv("MEDSCRAPER_PROXY_ROUTES"); routes != "" {
		c.Proxy.Routes = strings.Split(routes, ",")
	}

	if outputDir := os.Getenv("MEDSCRAPER_STORAGE_DIR"); outputDir != "" {
		c.Storage.BaseDirectory = outputDir
	}

	if smtpHost := os.Getenv("MEDSCRAPER_SMTP_HOST"); smtpHost != "" {
		c.SMTP.Host = smtpHost
	}
	if smtpPort := os.Getenv("MEDSCRAPER_SMTP_PORT"); smtpPort != "" {
		var val int
		fmt.Sscanf(smtpPort, "%d", &val)
		if val > 0 {
			c.SMTP.Port = val
		}
	}
	if smtpUser := os.Getenv("MEDSCRAPER_SMTP_USERNAME"); smtpUser != "" {
		c.SMTP.Username = smtpUser
	}
	if smtpPass := os.Getenv("MEDSCRAPER_SMTP_PASSWORD"); smtpPass != "" {
		c.SMTP.Password = smtpPass
	}

	if logLevel := os.Getenv("MEDSCRAPER_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		".medscraper.yaml",
		".medscraper.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "medscraper", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".config", "medscraper", "config.yml"),
		filepath.Join(os.Getenv("HOME"), ".medscraper.yaml"),
		filepath.Join(os.Getenv("HOME"), ".medscraper.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if len(c.Scraper.Sites) == 0 {
		errs = append(errs, errors.New("at least one target site is required"))
	}
	if c.Scraper.MaxPages <= 0 {
		errs = append(errs, errors.New("max pages must be positive"))
	}
	if c.Scraper.MaxConcurrentScrapes <= 0 {
		errs = append(errs, errors.New("max concurrent scrapes must be positive"))
	}
	if c.Scraper.MaxConcurrentScrapes > 10 {
		errs = append(errs, errors.New("max concurrent scrapes should not exceed 10"))
	}

	if c.RateLimit.MaxRequests <= 0 {
		errs = append(errs, errors.New("rate limit max requests must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}

	if c.Proxy.ProbeInterval <= 0 {
		errs = append(errs, errors.New("proxy probe interval must be positive"))
	}
	if c.Proxy.QuarantineCap < c.Proxy.QuarantineBase {
		errs = append(errs, errors.New("quarantine cap must not be below quarantine base"))
	}

	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}

	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry max attempts must be positive"))
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, errors.New("retry base delay must be positive"))
	}

	if c.Storage.BaseDirectory == "" {
		errs = append(errs, errors.New("storage directory is required"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if sites, ok := flags["sites"].([]string); ok && len(sites) > 0 {
		c.Scraper.Sites = sites
	}
	if maxPages, ok := flags["max-pages"].(int); ok && maxPages > 0 {
		c.Scraper.MaxPages = maxPages
	}
	if concurrent, ok := flags["concurrent"].(int); ok && concurrent > 0 {
		c.Scraper.MaxConcurrentScrapes = concurrent
	}
	if routes, ok := flags["proxy-routes"].([]string); ok && len(routes) > 0 {
		c.Proxy.Routes = routes
	}
	if outputDir, ok := flags["output"].(string); ok && outputDir != "" {
		c.Storage.BaseDirectory = outputDir
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".medscraper.env"))

	// Start with defaults
	config := DefaultConfig()

	// Load from config file
	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Override with environment variables (includes values from .env)
	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Override with command line flags
	config.MergeCommandLineFlags(flags)

	// Validate final configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
