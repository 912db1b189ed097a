// Package config loads the service configuration from a yaml file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Default tunables applied when the yaml leaves them empty.
const (
	DefaultFtpPort          = 21
	DefaultPoolSize         = 3
	DefaultBatchSize        = 40
	DefaultRetryAttempts    = 3
	DefaultFailureThreshold = 5
)

var (
	// ErrMissingFtpHost is returned when the ftp host is not configured.
	ErrMissingFtpHost = errors.New("ftp.host is required")
	// ErrMissingDatabaseURL is returned when the database url is not configured.
	ErrMissingDatabaseURL = errors.New("database.url is required")
)

// FtpConfig holds the vendor FTP endpoint and pool settings.
// Timeouts are expressed in seconds.
type FtpConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	User                  string `yaml:"user"`
	Password              string `yaml:"password"`
	PoolSize              int    `yaml:"poolsize"`
	DialTimeoutSeconds    int    `yaml:"dialtimeoutseconds"`
	CallTimeoutSeconds    int    `yaml:"calltimeoutseconds"`
	AcquireTimeoutSeconds int    `yaml:"acquiretimeoutseconds"`
}

// DialTimeout returns the session dial timeout.
func (f FtpConfig) DialTimeout() time.Duration {
	return time.Duration(f.DialTimeoutSeconds) * time.Second
}

// CallTimeout returns the per-call timeout for list/fetch operations.
func (f FtpConfig) CallTimeout() time.Duration {
	return time.Duration(f.CallTimeoutSeconds) * time.Second
}

// AcquireTimeout returns how long a caller may wait for a free session.
func (f FtpConfig) AcquireTimeout() time.Duration {
	return time.Duration(f.AcquireTimeoutSeconds) * time.Second
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the redis connection settings for the lock registry.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SyncConfig holds crawl and batch settings.
type SyncConfig struct {
	BatchSize            int    `yaml:"batchsize"`
	StartYear            int    `yaml:"startyear"`
	StartMonth           int    `yaml:"startmonth"`
	CrawlCronSchedule    string `yaml:"crawlcronschedule"`
	EnableBackgroundScan bool   `yaml:"enablebackgroundscan"`
	LockTTLMinutes       int    `yaml:"lockttlminutes"`
	RetryAttempts        int    `yaml:"retryattempts"`
}

// LockTTL returns the cruise-line lock time-box.
func (s SyncConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLMinutes) * time.Minute
}

// BreakerConfig holds the circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failurethreshold"`
	WindowSeconds    int `yaml:"windowseconds"`
	CooldownSeconds  int `yaml:"cooldownseconds"`
}

// Window returns the sliding window within which failures are counted.
func (b BreakerConfig) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}

// Cooldown returns the open-state cool-down period.
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// WebhookConfig holds the inbound webhook server settings.
type WebhookConfig struct {
	ListenAddr string `yaml:"listenaddr"`
}

// PriceScaling is one per-line price transform entry. Divisor is applied to
// every canonical price extracted for LineID. Known vendor quirk: one line
// publishes prices in thousandths of a currency unit.
type PriceScaling struct {
	LineID  int     `yaml:"lineid"`
	Divisor float64 `yaml:"divisor"`
}

// Config is the struct for the configuration.
type Config struct {
	Ftp          FtpConfig      `yaml:"ftp"`
	Database     DatabaseConfig `yaml:"database"`
	Redis        RedisConfig    `yaml:"redis"`
	Sync         SyncConfig     `yaml:"sync"`
	Breaker      BreakerConfig  `yaml:"breaker"`
	Webhook      WebhookConfig  `yaml:"webhook"`
	PriceScaling []PriceScaling `yaml:"pricescaling"`
	LogLevel     string         `yaml:"loglevel"`
}

// ReadYamlCnxFile reads a yaml file and returns a Config struct.
func ReadYamlCnxFile(filename string) (Config, error) {
	var config Config

	yamlFile, err := os.ReadFile(filename)
	if err != nil {
		return config, fmt.Errorf("error reading yaml file: %w", err)
	}

	if err = yaml.Unmarshal(yamlFile, &config); err != nil {
		return config, fmt.Errorf("error parsing yaml file: %w", err)
	}
	config.applyDefaults()
	return config, nil
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.Ftp.Host == "" {
		return ErrMissingFtpHost
	}
	if c.Database.URL == "" {
		return ErrMissingDatabaseURL
	}
	return nil
}

// ScalingTable returns the per-line price divisor table.
func (c Config) ScalingTable() map[int]float64 {
	t := make(map[int]float64, len(c.PriceScaling))
	for _, s := range c.PriceScaling {
		if s.Divisor > 0 {
			t[s.LineID] = s.Divisor
		}
	}
	return t
}

func (c *Config) applyDefaults() {
	if c.Ftp.Port == 0 {
		c.Ftp.Port = DefaultFtpPort
	}
	if c.Ftp.PoolSize == 0 {
		c.Ftp.PoolSize = DefaultPoolSize
	}
	if c.Ftp.DialTimeoutSeconds == 0 {
		c.Ftp.DialTimeoutSeconds = 10
	}
	if c.Ftp.CallTimeoutSeconds == 0 {
		c.Ftp.CallTimeoutSeconds = 30
	}
	if c.Ftp.AcquireTimeoutSeconds == 0 {
		c.Ftp.AcquireTimeoutSeconds = 30
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = DefaultBatchSize
	}
	if c.Sync.LockTTLMinutes == 0 {
		c.Sync.LockTTLMinutes = 10
	}
	if c.Sync.RetryAttempts == 0 {
		c.Sync.RetryAttempts = DefaultRetryAttempts
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.WindowSeconds == 0 {
		c.Breaker.WindowSeconds = 60
	}
	if c.Breaker.CooldownSeconds == 0 {
		c.Breaker.CooldownSeconds = 60
	}
	if c.Webhook.ListenAddr == "" {
		c.Webhook.ListenAddr = ":8081"
	}
}
