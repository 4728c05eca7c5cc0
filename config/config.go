// Package config loads the hub and client settings from defaults, an
// optional config file, DEVICEIO_ environment variables and bound flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deviceio/relay/relay"
	"github.com/palantir/stacktrace"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// DEVICEIO_HUB_BIND.
const EnvPrefix = "DEVICEIO"

// DefaultConfigDir is where init writes the config file.
const DefaultConfigDir = "/etc/deviceio/relay"

// Config holds every setting of the deviceio-relay binary.
type Config struct {
	Hub    HubConfig    `mapstructure:"hub"`
	API    APIConfig    `mapstructure:"api"`
	DB     DBConfig     `mapstructure:"db"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Client ClientConfig `mapstructure:"client"`
	Log    LogConfig    `mapstructure:"log"`
}

// HubConfig configures the websocket gateway.
type HubConfig struct {
	Bind        string `mapstructure:"bind"`
	TLSCertPath string `mapstructure:"tls_cert"`
	TLSKeyPath  string `mapstructure:"tls_key"`
}

// APIConfig configures the REST api server.
type APIConfig struct {
	Bind        string `mapstructure:"bind"`
	TLSCertPath string `mapstructure:"tls_cert"`
	TLSKeyPath  string `mapstructure:"tls_key"`
}

// DBConfig locates the sqlite database.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// RelayConfig configures relay clients started by watch and send.
type RelayConfig struct {
	URL                  string        `mapstructure:"url"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// ClientConfig holds the api address and the credentials used to sign api
// requests.
type ClientConfig struct {
	API        string `mapstructure:"api"`
	User       string `mapstructure:"user"`
	TOTPSecret string `mapstructure:"totp_secret"`
	PrivateKey string `mapstructure:"private_key"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.bind", ":8975")
	v.SetDefault("hub.tls_cert", "")
	v.SetDefault("hub.tls_key", "")
	v.SetDefault("api.bind", ":4431")
	v.SetDefault("api.tls_cert", "")
	v.SetDefault("api.tls_key", "")
	v.SetDefault("db.path", "deviceio-relay.db")
	v.SetDefault("relay.url", "ws://127.0.0.1:8975/v1/connect")
	v.SetDefault("relay.connect_timeout", relay.DefaultConnectTimeout)
	v.SetDefault("relay.reconnect_interval", relay.DefaultReconnectInterval)
	v.SetDefault("relay.max_reconnect_attempts", relay.DefaultMaxReconnectAttempts)
	v.SetDefault("client.api", "http://127.0.0.1:4431")
	v.SetDefault("client.user", "")
	v.SetDefault("client.totp_secret", "")
	v.SetDefault("client.private_key", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func newViper() *viper.Viper {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	return v
}

// searchPaths are tried in order when no config file is named.
func searchPaths() []string {
	paths := []string{
		"deviceio-relay.yaml",
		"deviceio-relay.json",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".deviceio", "relay.yaml"))
	}

	return append(paths, filepath.Join(DefaultConfigDir, "config.yaml"))
}

// Load reads the configuration. Precedence from highest to lowest: flags
// bound on the global viper, environment, config file, defaults. An empty
// cfgFile searches the usual locations and tolerates none existing.
func Load(cfgFile string) (*Config, error) {
	v := newViper()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)

		if err := v.ReadInConfig(); err != nil {
			return nil, stacktrace.Propagate(err, "error reading config file %v", cfgFile)
		}
	} else {
		for _, path := range searchPaths() {
			if _, err := os.Stat(path); err != nil {
				continue
			}

			v.SetConfigFile(path)

			if err := v.ReadInConfig(); err != nil {
				return nil, stacktrace.Propagate(err, "error reading config file %v", path)
			}

			break
		}
	}

	for _, key := range viper.AllKeys() {
		if viper.IsSet(key) {
			v.Set(key, viper.Get(key))
		}
	}

	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, stacktrace.Propagate(err, "unable to decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logrus.WithField("file", v.ConfigFileUsed()).Debug("config loaded")

	return &cfg, nil
}

// Validate checks values that cannot be caught by decoding alone.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return stacktrace.Propagate(err, "invalid log.level")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return stacktrace.NewError("log.format must be text or json, got '%v'", c.Log.Format)
	}

	if c.DB.Path == "" {
		return stacktrace.NewError("db.path is required")
	}

	if c.Relay.ConnectTimeout < 0 || c.Relay.ReconnectInterval < 0 {
		return stacktrace.NewError("relay timeouts must not be negative")
	}

	return nil
}

// Options builds relay client options for url from the relay settings.
func (c *RelayConfig) Options(url string, logger logrus.FieldLogger) *relay.Options {
	if url == "" {
		url = c.URL
	}

	return &relay.Options{
		URL:                  url,
		ConnectTimeout:       c.ConnectTimeout,
		ReconnectInterval:    c.ReconnectInterval,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		Logger:               logger,
	}
}

// WriteDefault writes the default configuration to path. The file type
// follows the extension. It fails when path already exists.
func WriteDefault(path string) error {
	v := newViper()
	v.SetConfigPermissions(0600)

	if err := v.SafeWriteConfigAs(path); err != nil {
		return stacktrace.Propagate(err, "failed to write default config %v", path)
	}

	return nil
}
