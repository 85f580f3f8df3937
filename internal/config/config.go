package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/calvadev/nostrpow/internal/logger"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

var validate = validator.New()

var hostnameRE = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// Config holds every sub‑config.
type Config struct {
	General GeneralConfig `mapstructure:"general" validate:"required"`
	Logging LoggingConfig `mapstructure:"logging" validate:"required"`
	Metrics MetricsConfig `mapstructure:"metrics" validate:"required"`
	Server  ServerConfig  `mapstructure:"server"  validate:"required"`
	Feed    FeedConfig    `mapstructure:"feed"    validate:"required"`
}

// GeneralConfig holds process-wide identity settings.
type GeneralConfig struct {
	Name string `mapstructure:"NAME" json:"name" validate:"required,min=1,max=64"`
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(performCrossFieldValidation, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	if err := validate.RegisterValidation("wsaddr", func(fl validator.FieldLevel) bool {
		return isListenAddr(fl.Field().String())
	}); err != nil {
		logger.Error("Failed to register wsaddr validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("relayurl", func(fl validator.FieldLevel) bool {
		return isRelayURL(fl.Field().String())
	}); err != nil {
		logger.Error("Failed to register relayurl validator", zap.Error(err))
	}

	// Between 1 second and 24 hours
	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		duration, ok := fl.Field().Interface().(time.Duration)
		return ok && duration >= time.Second && duration <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	// Between 100ms and 1 hour
	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		duration, ok := fl.Field().Interface().(time.Duration)
		return ok && duration >= 100*time.Millisecond && duration <= time.Hour
	}); err != nil {
		logger.Error("Failed to register timeout_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}
}

// isListenAddr accepts ":port" or "host:port".
func isListenAddr(addr string) bool {
	if addr == "" {
		return false
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil && !hostnameRE.MatchString(host) {
		return false
	}
	return true
}

// isRelayURL accepts absolute ws:// or wss:// URLs with a host.
func isRelayURL(raw string) bool {
	if raw == "" || strings.TrimSpace(raw) != raw {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return false
	}
	if u.Hostname() == "" || u.User != nil || u.Fragment != "" {
		return false
	}
	return true
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(Config)
	if !ok {
		return
	}

	if cfg.Metrics.Enabled {
		if _, port, err := net.SplitHostPort(cfg.Server.ListenAddr); err == nil && port == fmt.Sprint(cfg.Metrics.Port) {
			sl.ReportError(cfg.Metrics.Port, "Port", "Port", "port_conflict", "")
		}
	}

	if cfg.Server.PingInterval >= cfg.Server.IdleTimeout {
		sl.ReportError(cfg.Server.PingInterval, "PingInterval", "PingInterval", "ping_exceeds_idle", "")
	}

	if cfg.Server.RateLimit.Enabled && cfg.Server.RateLimit.FramesPerSecond <= 0 {
		sl.ReportError(cfg.Server.RateLimit.FramesPerSecond, "FramesPerSecond", "FramesPerSecond", "rate_limit_zero", "")
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// ValidateRelayURL reports whether raw is an acceptable upstream relay URL.
func ValidateRelayURL(raw string) error {
	if err := validate.Var(raw, "required,relayurl"); err != nil {
		return fmt.Errorf("invalid relay url %q: must be an absolute ws:// or wss:// url", raw)
	}
	return nil
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	cfg, err := load(path, log)
	if err != nil {
		return nil, err
	}
	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	if log != nil {
		log.Info("logger initialized",
			zap.String("level", cfg.Logging.Level),
			zap.String("format", cfg.Logging.Format),
			zap.String("file", cfg.Logging.FilePath),
		)
	}
	return cfg, nil
}

// InitLogger (re)builds the global logger from c.Logging, used after CLI
// flags override logging settings.
func (c *Config) InitLogger() error {
	return initializeLogger(c.Logging)
}

// Validate re-runs validation, used after CLI flags override loaded values.
func (c *Config) Validate() error {
	if err := validate.Struct(*c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("NOSTRPOW") // NOSTRPOW_FEED_RECONNECT_DELAY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else if log != nil {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if log != nil {
		log.Info("configuration loaded", zap.String("version", Version))
	}
	return &cfg, nil
}

// initializeLogger initializes the logger using the LoggingConfig
func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("nostrpow"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return fmt.Errorf("configuration validation failed: %w", err)
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "startswith":
		return fmt.Sprintf("%s must start with %q (got: %v)", field, param, value)
	case "wsaddr":
		return fmt.Sprintf("%s must be a listen address in format ':port' or 'host:port' (got: %v)", field, value)
	case "relayurl":
		return fmt.Sprintf("%s must be an absolute ws:// or wss:// url (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 100ms and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "port_conflict":
		return "metrics port conflicts with the server listen port, they must be different"
	case "ping_exceeds_idle":
		return fmt.Sprintf("%s must be shorter than the idle timeout", field)
	case "rate_limit_zero":
		return fmt.Sprintf("%s must be positive when rate limiting is enabled", field)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
