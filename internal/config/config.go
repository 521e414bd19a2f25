package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the live task client.
type Config struct {
	APIBaseURL       string
	PushBaseURL      string
	AuthToken        string
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration

	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration

	SnapshotLimit       int
	AutoCloseOnTerminal bool

	StorageBackend string
	StorageDir     string
	SQLitePath     string
	DatabaseURL    string

	BindAddr         string
	AllowAnyOrigin   bool
	MetricsNamespace string
	ShutdownTimeout  time.Duration

	LogLevel    string
	LogEncoding string
}

const envPrefix = "CODESAGE"

// ConfigFileEnv names an optional YAML file layered under the environment.
const ConfigFileEnv = envPrefix + "_CONFIG"

var defaults = map[string]any{
	"api_base_url":           "http://localhost:8082",
	"push_base_url":          "ws://localhost:8082/ws",
	"auth_token":             "",
	"request_timeout":        "30s",
	"handshake_timeout":      "10s",
	"reconnect_max_attempts": 3,
	"reconnect_base_delay":   "1s",
	"snapshot_limit":         100,
	"auto_close_on_terminal": true,
	"storage_backend":        "file",
	"storage_dir":            ".codesage",
	"sqlite_path":            ".codesage/codesage.db",
	"database_url":           "",
	"bind_addr":              "127.0.0.1:8090",
	"allow_any_origin":       false,
	"metrics_namespace":      "codesage",
	"shutdown_timeout":       "15s",
	"log_level":              "info",
	"log_encoding":           "console",
}

// Load reads CODESAGE_* environment variables, layered over an optional
// config file, and applies safe defaults.
func Load() (Config, error) {
	return LoadFile(os.Getenv(ConfigFileEnv))
}

// LoadFile is Load with an explicit config file. An empty path reads none.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		APIBaseURL:       strings.TrimRight(stringKey(v, "api_base_url"), "/"),
		PushBaseURL:      strings.TrimRight(stringKey(v, "push_base_url"), "/"),
		AuthToken:        stringKey(v, "auth_token"),
		StorageBackend:   strings.ToLower(stringKey(v, "storage_backend")),
		StorageDir:       stringKey(v, "storage_dir"),
		SQLitePath:       stringKey(v, "sqlite_path"),
		DatabaseURL:      stringKey(v, "database_url"),
		BindAddr:         stringKey(v, "bind_addr"),
		MetricsNamespace: stringKey(v, "metrics_namespace"),
		LogLevel:         strings.ToLower(stringKey(v, "log_level")),
		LogEncoding:      strings.ToLower(stringKey(v, "log_encoding")),
	}

	var err error
	if cfg.RequestTimeout, err = durationKey(v, "request_timeout"); err != nil {
		return Config{}, err
	}
	if cfg.HandshakeTimeout, err = durationKey(v, "handshake_timeout"); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectBaseDelay, err = durationKey(v, "reconnect_base_delay"); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = durationKey(v, "shutdown_timeout"); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectMaxAttempts, err = intKey(v, "reconnect_max_attempts"); err != nil {
		return Config{}, err
	}
	if cfg.SnapshotLimit, err = intKey(v, "snapshot_limit"); err != nil {
		return Config{}, err
	}
	if cfg.AutoCloseOnTerminal, err = boolKey(v, "auto_close_on_terminal"); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolKey(v, "allow_any_origin"); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if err := requireURL("CODESAGE_API_BASE_URL", c.APIBaseURL, "http", "https"); err != nil {
		return err
	}
	if err := requireURL("CODESAGE_PUSH_BASE_URL", c.PushBaseURL, "ws", "wss"); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("CODESAGE_REQUEST_TIMEOUT must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("CODESAGE_HANDSHAKE_TIMEOUT must be positive")
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("CODESAGE_RECONNECT_MAX_ATTEMPTS must be positive")
	}
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("CODESAGE_RECONNECT_BASE_DELAY must be positive")
	}
	if c.SnapshotLimit <= 0 {
		return fmt.Errorf("CODESAGE_SNAPSHOT_LIMIT must be positive")
	}
	switch c.StorageBackend {
	case "memory":
	case "file":
		if c.StorageDir == "" {
			return fmt.Errorf("CODESAGE_STORAGE_DIR is required for the file backend")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("CODESAGE_SQLITE_PATH is required for the sqlite backend")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("CODESAGE_DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("CODESAGE_STORAGE_BACKEND %q is not one of memory, file, sqlite, postgres", c.StorageBackend)
	}
	switch c.LogEncoding {
	case "console", "json":
	default:
		return fmt.Errorf("CODESAGE_LOG_ENCODING must be console or json")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("CODESAGE_SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

func requireURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL", name)
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("%s scheme must be one of %s", name, strings.Join(schemes, ", "))
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(key)
}

func stringKey(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func durationKey(v *viper.Viper, key string) (time.Duration, error) {
	raw := stringKey(v, key)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", envName(key), err)
	}
	return d, nil
}

func intKey(v *viper.Viper, key string) (int, error) {
	raw := stringKey(v, key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", envName(key), err)
	}
	return n, nil
}

func boolKey(v *viper.Viper, key string) (bool, error) {
	switch strings.ToLower(stringKey(v, key)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "", "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", envName(key))
	}
}
