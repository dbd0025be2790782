package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr             string `yaml:"addr"`
	DBDriver         string `yaml:"db_driver"`     // sqlite | postgres
	DBPath           string `yaml:"db_path"`       // file path or DSN
	ReadTimeout      int    `yaml:"read_timeout"`  // seconds
	WriteTimeout     int    `yaml:"write_timeout"` // seconds
	MaxMessageLength int    `yaml:"max_message_length"`
	MaxAvatarBytes   int    `yaml:"max_avatar_bytes"`
	SendQueue        int    `yaml:"send_queue"`
	ControlSocket    string `yaml:"control_socket"`
	LogLevel         string `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Addr:             ":3215",
		DBDriver:         "sqlite",
		DBPath:           "cipherline.db",
		ReadTimeout:      120,
		WriteTimeout:     30,
		MaxMessageLength: 900,
		MaxAvatarBytes:   10 << 20,
		SendQueue:        512,
		ControlSocket:    "/tmp/cipherline.sock",
		LogLevel:         "info",
	}
}

// Load returns the defaults, overlaid with the YAML file at path (when path
// is not empty) and then with CIPHERLINE_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if addr := os.Getenv("CIPHERLINE_ADDR"); addr != "" {
		cfg.Addr = addr
	}

	if driver := os.Getenv("CIPHERLINE_DB_DRIVER"); driver != "" {
		cfg.DBDriver = driver
	}

	if dbPath := os.Getenv("CIPHERLINE_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	envInt("CIPHERLINE_READ_TIMEOUT", &cfg.ReadTimeout)
	envInt("CIPHERLINE_WRITE_TIMEOUT", &cfg.WriteTimeout)
	envInt("CIPHERLINE_MAX_MESSAGE_LENGTH", &cfg.MaxMessageLength)
	envInt("CIPHERLINE_MAX_AVATAR_BYTES", &cfg.MaxAvatarBytes)
	envInt("CIPHERLINE_SEND_QUEUE", &cfg.SendQueue)

	if socket := os.Getenv("CIPHERLINE_CONTROL_SOCKET"); socket != "" {
		cfg.ControlSocket = socket
	}

	if level := os.Getenv("CIPHERLINE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if _, err := cfg.Level(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Level parses LogLevel ("debug", "info", "warn", "error").
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// envInt overrides *dst when key holds an integer; malformed values are ignored.
func envInt(key string, dst *int) {
	if raw := os.Getenv(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			*dst = n
		}
	}
}
