package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fly-io/metalprov/pkg/conductor"
	"github.com/fly-io/metalprov/pkg/console"
	"github.com/fly-io/metalprov/pkg/deploy"
	"github.com/fly-io/metalprov/pkg/driver/ipmitool"
	"github.com/fly-io/metalprov/pkg/remote"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Working directories
	WorkDir       string `mapstructure:"work-dir"`
	ImageCacheDir string `mapstructure:"image-cache-dir"`

	// S3 configuration
	S3Region    string `mapstructure:"s3-region"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// Security limits
	MaxImageSize        int64   `mapstructure:"max-image-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// External commands
	RootHelper        string        `mapstructure:"root-helper"`
	CommandRetryDelay time.Duration `mapstructure:"command-retry-delay"`

	// Management controller
	IPMIRetryAttempts   int           `mapstructure:"ipmi-retry-attempts"`
	IPMIRetryInterval   time.Duration `mapstructure:"ipmi-retry-interval"`
	IPMICommandAttempts int           `mapstructure:"ipmi-command-attempts"`

	// Imaging
	ISCSILoginSettle time.Duration `mapstructure:"iscsi-login-settle"`
	NotifySettle     time.Duration `mapstructure:"notify-settle"`
	NotifyPort       int           `mapstructure:"notify-port"`

	// Console
	ConsoleBin    string `mapstructure:"console-bin"`
	ConsolePIDDir string `mapstructure:"console-pid-dir"`
	ConsoleHost   string `mapstructure:"console-host"`

	// Locking and fleet operations
	LockPolicy        string        `mapstructure:"lock-policy"`
	LockTimeout       time.Duration `mapstructure:"lock-timeout"`
	DriverParallelism int           `mapstructure:"driver-parallelism"`
	FSMMaxRetries     int           `mapstructure:"fsm-max-retries"`

	// Remote provisioning service
	RemoteEndpoint      string        `mapstructure:"remote-endpoint"`
	RemoteMaxRetries    int           `mapstructure:"remote-max-retries"`
	RemoteRetryInterval time.Duration `mapstructure:"remote-retry-interval"`

	// Observability
	MetricsAddr string `mapstructure:"metrics-addr"`
	LogLevel    string `mapstructure:"log-level"`
	LogFormat   string `mapstructure:"log-format"`
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("sqlite-path", ".artifacts/inventory.db")
	v.SetDefault("fsm-db-path", ".artifacts/fsm")
	v.SetDefault("work-dir", filepath.Join(os.TempDir(), "metalprov"))
	v.SetDefault("image-cache-dir", ".artifacts/images")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("s3-anonymous", false)
	v.SetDefault("max-image-size", int64(64*1024*1024*1024))
	v.SetDefault("max-compression-ratio", 100.0)
	v.SetDefault("root-helper", "sudo")
	v.SetDefault("command-retry-delay", time.Second)
	v.SetDefault("ipmi-retry-attempts", 10)
	v.SetDefault("ipmi-retry-interval", time.Second)
	v.SetDefault("ipmi-command-attempts", 3)
	v.SetDefault("iscsi-login-settle", 3*time.Second)
	v.SetDefault("notify-settle", 3*time.Second)
	v.SetDefault("notify-port", 10000)
	v.SetDefault("console-bin", "shellinaboxd")
	v.SetDefault("console-pid-dir", filepath.Join(os.TempDir(), "metalprov-console"))
	v.SetDefault("console-host", "localhost")
	v.SetDefault("lock-policy", string(conductor.FailFast))
	v.SetDefault("lock-timeout", 30*time.Second)
	v.SetDefault("driver-parallelism", 8)
	v.SetDefault("fsm-max-retries", 5)
	v.SetDefault("remote-endpoint", "http://localhost:6385/v1/")
	v.SetDefault("remote-max-retries", 60)
	v.SetDefault("remote-retry-interval", 2*time.Second)
	v.SetDefault("metrics-addr", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return load(viper.GetViper())
}

func load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (METALPROV_SQLITE_PATH, etc.)
	v.SetEnvPrefix("METALPROV")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	// An empty METALPROV_ROOT_HELPER disables the root helper.
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.metalprov")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.ImageCacheDir == "" {
		return fmt.Errorf("image-cache-dir cannot be empty")
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("max-image-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.IPMIRetryAttempts < 1 {
		return fmt.Errorf("ipmi-retry-attempts must be at least 1")
	}
	if c.IPMICommandAttempts < 1 {
		return fmt.Errorf("ipmi-command-attempts must be at least 1")
	}
	if c.IPMIRetryInterval < 0 || c.CommandRetryDelay < 0 || c.RemoteRetryInterval < 0 {
		return fmt.Errorf("retry intervals must be non-negative")
	}
	if c.NotifyPort <= 0 || c.NotifyPort > 65535 {
		return fmt.Errorf("notify-port must be a valid TCP port")
	}
	if _, err := conductor.ParseLockPolicy(c.LockPolicy); err != nil {
		return err
	}
	if c.DriverParallelism < 1 {
		return fmt.Errorf("driver-parallelism must be at least 1")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	if c.RemoteMaxRetries < 1 {
		return fmt.Errorf("remote-max-retries must be at least 1")
	}
	return nil
}

// IPMI returns the ipmitool driver settings.
func (c *Config) IPMI() ipmitool.Config {
	return ipmitool.Config{
		RetryAttempts:   c.IPMIRetryAttempts,
		RetryInterval:   c.IPMIRetryInterval,
		CommandAttempts: c.IPMICommandAttempts,
		TempDir:         c.WorkDir,
	}
}

// Deploy returns the imaging pipeline settings.
func (c *Config) Deploy() deploy.Config {
	cfg := deploy.DefaultConfig()
	cfg.LoginSettle = c.ISCSILoginSettle
	cfg.NotifySettle = c.NotifySettle
	cfg.NotifyPort = c.NotifyPort
	return cfg
}

func (c *Config) Console() console.Config {
	return console.Config{Binary: c.ConsoleBin, PIDDir: c.ConsolePIDDir, Host: c.ConsoleHost}
}

func (c *Config) Remote() remote.Config {
	return remote.Config{
		Endpoint:      c.RemoteEndpoint,
		MaxRetries:    c.RemoteMaxRetries,
		RetryInterval: c.RemoteRetryInterval,
	}
}

// Conductor assumes Validate has passed.
func (c *Config) Conductor() conductor.Config {
	policy, _ := conductor.ParseLockPolicy(c.LockPolicy)
	return conductor.Config{
		LockPolicy:  policy,
		LockTimeout: c.LockTimeout,
		Parallelism: c.DriverParallelism,
	}
}
