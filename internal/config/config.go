// Package config loads gateway configuration from defaults, an optional
// TOML file, environment variables, and CLI flag overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultConfirmationTTL   = 5 * time.Minute
	defaultGuardRetention    = 24 * time.Hour
	defaultAuditRetention    = 90 * 24 * time.Hour
	defaultSecurityRetention = 365 * 24 * time.Hour
	defaultAPITimeout        = 30 * time.Second
	defaultAPIRetries        = 3
	defaultLogLevel          = "info"
	defaultLogMaxSizeMB      = 10
	defaultLogMaxFiles       = 5
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Credentials CredentialsConfig `toml:"credentials"`
	Guard       GuardConfig       `toml:"guard"`
	Audit       AuditConfig       `toml:"audit"`
	Logging     LoggingConfig     `toml:"logging"`
	API         APIConfig         `toml:"api"`
}

type CredentialsConfig struct {
	StorePath   string `toml:"store_path"`
	Environment string `toml:"environment"`
}

type GuardConfig struct {
	ConfirmationTTL    time.Duration `toml:"confirmation_ttl"`
	Retention          time.Duration `toml:"retention"`
	BypassEnvironments []string      `toml:"bypass_environments"`
}

type AuditConfig struct {
	File              string        `toml:"file"`
	SecurityFile      string        `toml:"security_file"`
	DBPath            string        `toml:"db_path"`
	Retention         time.Duration `toml:"retention"`
	SecurityRetention time.Duration `toml:"security_retention"`
	MaxSizeMB         int           `toml:"max_size_mb"`
	MaxFiles          int           `toml:"max_files"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

type APIConfig struct {
	Timeout time.Duration `toml:"timeout"`
	Retries int           `toml:"retries"`
}

type LoadOptions struct {
	ConfigPath string
	Env        map[string]string
	Flags      FlagOverrides
}

type FlagOverrides struct {
	StorePath       *string
	Environment     *string
	ConfirmationTTL *time.Duration
}

func DefaultConfig() Config {
	return Config{
		Credentials: CredentialsConfig{
			StorePath:   "",
			Environment: "",
		},
		Guard: GuardConfig{
			ConfirmationTTL:    defaultConfirmationTTL,
			Retention:          defaultGuardRetention,
			BypassEnvironments: nil,
		},
		Audit: AuditConfig{
			File:              "",
			SecurityFile:      "",
			DBPath:            "",
			Retention:         defaultAuditRetention,
			SecurityRetention: defaultSecurityRetention,
			MaxSizeMB:         defaultLogMaxSizeMB,
			MaxFiles:          defaultLogMaxFiles,
		},
		Logging: LoggingConfig{
			Level:     defaultLogLevel,
			File:      "",
			MaxSizeMB: defaultLogMaxSizeMB,
			MaxFiles:  defaultLogMaxFiles,
		},
		API: APIConfig{
			Timeout: defaultAPITimeout,
			Retries: defaultAPIRetries,
		},
	}
}

func Load(opts LoadOptions) (Config, error) {
	cfg := DefaultConfig()

	configPath, err := resolveConfigPath(opts)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}
	if err := loadAndApplyFile(configPath, &cfg); err != nil {
		return Config{}, err
	}

	if err := applyEnvOverrides(&cfg, opts); err != nil {
		return Config{}, err
	}
	applyFlagOverrides(&cfg, opts.Flags)

	if cfg.Credentials.StorePath == "" {
		home, err := gatewayHome(opts)
		if err != nil {
			return Config{}, err
		}
		cfg.Credentials.StorePath = filepath.Join(home, "credentials.enc")
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type rawConfig struct {
	Credentials *rawCredentials `toml:"credentials"`
	Guard       *rawGuard       `toml:"guard"`
	Audit       *rawAudit       `toml:"audit"`
	Logging     *rawLogging     `toml:"logging"`
	API         *rawAPI         `toml:"api"`
}

type rawCredentials struct {
	StorePath   *string `toml:"store_path"`
	Environment *string `toml:"environment"`
}

type rawGuard struct {
	ConfirmationTTL    *string   `toml:"confirmation_ttl"`
	Retention          *string   `toml:"retention"`
	BypassEnvironments *[]string `toml:"bypass_environments"`
}

type rawAudit struct {
	File              *string `toml:"file"`
	SecurityFile      *string `toml:"security_file"`
	DBPath            *string `toml:"db_path"`
	Retention         *string `toml:"retention"`
	SecurityRetention *string `toml:"security_retention"`
	MaxSizeMB         *int    `toml:"max_size_mb"`
	MaxFiles          *int    `toml:"max_files"`
}

type rawLogging struct {
	Level     *string `toml:"level"`
	File      *string `toml:"file"`
	MaxSizeMB *int    `toml:"max_size_mb"`
	MaxFiles  *int    `toml:"max_files"`
}

type rawAPI struct {
	Timeout *string `toml:"timeout"`
	Retries *int    `toml:"retries"`
}

func loadAndApplyFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %q: %w", path, err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: parse TOML file %q: %v", ErrInvalidConfig, path, err)
	}
	return applyRawConfig(cfg, raw)
}

func applyRawConfig(cfg *Config, raw rawConfig) error {
	if raw.Credentials != nil {
		setString(raw.Credentials.StorePath, &cfg.Credentials.StorePath)
		setString(raw.Credentials.Environment, &cfg.Credentials.Environment)
	}

	if raw.Guard != nil {
		if err := setDuration("guard.confirmation_ttl", raw.Guard.ConfirmationTTL, &cfg.Guard.ConfirmationTTL); err != nil {
			return err
		}
		if err := setDuration("guard.retention", raw.Guard.Retention, &cfg.Guard.Retention); err != nil {
			return err
		}
		if raw.Guard.BypassEnvironments != nil {
			cfg.Guard.BypassEnvironments = append([]string(nil), (*raw.Guard.BypassEnvironments)...)
		}
	}

	if raw.Audit != nil {
		setString(raw.Audit.File, &cfg.Audit.File)
		setString(raw.Audit.SecurityFile, &cfg.Audit.SecurityFile)
		setString(raw.Audit.DBPath, &cfg.Audit.DBPath)
		if err := setDuration("audit.retention", raw.Audit.Retention, &cfg.Audit.Retention); err != nil {
			return err
		}
		if err := setDuration("audit.security_retention", raw.Audit.SecurityRetention, &cfg.Audit.SecurityRetention); err != nil {
			return err
		}
		setInt(raw.Audit.MaxSizeMB, &cfg.Audit.MaxSizeMB)
		setInt(raw.Audit.MaxFiles, &cfg.Audit.MaxFiles)
	}

	if raw.Logging != nil {
		setString(raw.Logging.Level, &cfg.Logging.Level)
		setString(raw.Logging.File, &cfg.Logging.File)
		setInt(raw.Logging.MaxSizeMB, &cfg.Logging.MaxSizeMB)
		setInt(raw.Logging.MaxFiles, &cfg.Logging.MaxFiles)
	}

	if raw.API != nil {
		if err := setDuration("api.timeout", raw.API.Timeout, &cfg.API.Timeout); err != nil {
			return err
		}
		setInt(raw.API.Retries, &cfg.API.Retries)
	}

	return nil
}

func applyEnvOverrides(cfg *Config, opts LoadOptions) error {
	if value, ok := lookupEnv(opts, "CLOUDSTACK_STORE_PATH"); ok {
		cfg.Credentials.StorePath = value
	}
	if value, ok := lookupEnv(opts, "CLOUDSTACK_ENVIRONMENT"); ok {
		cfg.Credentials.Environment = value
	}

	if value, ok := lookupEnv(opts, "CLOUDSTACK_CONFIRMATION_TTL"); ok {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: parse CLOUDSTACK_CONFIRMATION_TTL: %v", ErrInvalidConfig, err)
		}
		cfg.Guard.ConfirmationTTL = d
	}

	if value, ok := lookupEnv(opts, "CLOUDSTACK_AUDIT_FILE"); ok {
		cfg.Audit.File = value
	}
	if value, ok := lookupEnv(opts, "CLOUDSTACK_AUDIT_DB_PATH"); ok {
		cfg.Audit.DBPath = value
	}

	if value, ok := lookupEnv(opts, "CLOUDSTACK_LOG_LEVEL"); ok {
		cfg.Logging.Level = value
	}
	if value, ok := lookupEnv(opts, "CLOUDSTACK_LOG_FILE"); ok {
		cfg.Logging.File = value
	}

	if value, ok := lookupEnv(opts, "CLOUDSTACK_TIMEOUT"); ok {
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds <= 0 {
			return fmt.Errorf("%w: parse CLOUDSTACK_TIMEOUT: must be a positive integer of seconds", ErrInvalidConfig)
		}
		cfg.API.Timeout = time.Duration(seconds) * time.Second
	}
	if value, ok := lookupEnv(opts, "CLOUDSTACK_RETRIES"); ok {
		retries, err := strconv.Atoi(value)
		if err != nil || retries <= 0 {
			return fmt.Errorf("%w: parse CLOUDSTACK_RETRIES: must be a positive integer", ErrInvalidConfig)
		}
		cfg.API.Retries = retries
	}

	return nil
}

func applyFlagOverrides(cfg *Config, flags FlagOverrides) {
	if flags.StorePath != nil {
		cfg.Credentials.StorePath = *flags.StorePath
	}
	if flags.Environment != nil {
		cfg.Credentials.Environment = *flags.Environment
	}
	if flags.ConfirmationTTL != nil {
		cfg.Guard.ConfirmationTTL = *flags.ConfirmationTTL
	}
}

func validate(cfg Config) error {
	if cfg.Guard.ConfirmationTTL <= 0 || cfg.Guard.ConfirmationTTL > time.Hour {
		return fmt.Errorf("%w: guard.confirmation_ttl must be > 0 and <= 1h", ErrInvalidConfig)
	}
	if cfg.Guard.Retention <= 0 {
		return fmt.Errorf("%w: guard.retention must be > 0", ErrInvalidConfig)
	}
	if cfg.Audit.Retention <= 0 || cfg.Audit.SecurityRetention < cfg.Audit.Retention {
		return fmt.Errorf("%w: audit.security_retention must be >= audit.retention and both > 0", ErrInvalidConfig)
	}
	if cfg.API.Timeout <= 0 {
		return fmt.Errorf("%w: api.timeout must be > 0", ErrInvalidConfig)
	}
	if cfg.API.Retries <= 0 || cfg.API.Retries > 10 {
		return fmt.Errorf("%w: api.retries must be between 1 and 10", ErrInvalidConfig)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: logging.level must be one of debug, info, warn, error", ErrInvalidConfig)
	}
	return nil
}

func setDuration(field string, raw *string, target *time.Duration) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, field, err)
	}
	*target = d
	return nil
}

func setString(raw *string, target *string) {
	if raw != nil {
		*target = *raw
	}
}

func setInt(raw *int, target *int) {
	if raw != nil {
		*target = *raw
	}
}

func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	if value, ok := lookupEnv(opts, "CLOUDSTACK_CONFIG_PATH"); ok {
		return value, nil
	}
	return defaultConfigPath()
}

func lookupEnv(opts LoadOptions, key string) (string, bool) {
	if opts.Env != nil {
		if value, ok := opts.Env[key]; ok {
			return value, true
		}
	}
	return os.LookupEnv(key)
}

func gatewayHome(opts LoadOptions) (string, error) {
	if value, ok := lookupEnv(opts, "CLOUDSTACK_HOME"); ok {
		return value, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "cloudstack-gateway"), nil
	}

	dataHome := filepath.Join(home, ".local", "share")
	if xdgDataHome, ok := lookupEnv(opts, "XDG_DATA_HOME"); ok && xdgDataHome != "" {
		dataHome = xdgDataHome
	}
	return filepath.Join(dataHome, "cloudstack-gateway"), nil
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "cloudstack-gateway", "config.toml"), nil
	}

	configHome := filepath.Join(home, ".config")
	if xdgConfigHome, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok && xdgConfigHome != "" {
		configHome = xdgConfigHome
	}
	return filepath.Join(configHome, "cloudstack-gateway", "config.toml"), nil
}
