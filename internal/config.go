package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultConfigDir       = ".tftpd"
	serverConfigName       = "server_config"
	clientConfigName       = "client_config"
	minSocketTimeoutMillis = 10
)

var validModes = map[string]struct{}{
	"readonly":  {},
	"writeonly": {},
	"readwrite": {},
}

type ServerConfig struct {
	ReadRoot           string `mapstructure:"read_root" yaml:"read_root" toml:"read_root"`
	WriteRoot          string `mapstructure:"write_root" yaml:"write_root" toml:"write_root"`
	Port               int    `mapstructure:"port" yaml:"port" toml:"port"`
	Mode               string `mapstructure:"mode" yaml:"mode" toml:"mode"`
	MaxRetries         int    `mapstructure:"max_retries" yaml:"max_retries" toml:"max_retries"`
	TimeoutMs          int    `mapstructure:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`
	LogLevel           string `mapstructure:"log_level" yaml:"log_level" toml:"log_level"`
	MetricsAddr        string `mapstructure:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`
	UDPReadBufferSize  int    `mapstructure:"udp_read_buffer_size" yaml:"udp_read_buffer_size" toml:"udp_read_buffer_size"`
	UDPWriteBufferSize int    `mapstructure:"udp_write_buffer_size" yaml:"udp_write_buffer_size" toml:"udp_write_buffer_size"`
}

type ClientConfig struct {
	TimeoutMs  int    `mapstructure:"timeout_ms"`
	MaxRetries int    `mapstructure:"max_retries"`
	LogLevel   string `mapstructure:"log_level"`
}

func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigDir
	}
	return filepath.Join(home, defaultConfigDir)
}

// DefaultRoot is the directory served when no root is configured. It is the
// only root tftpd creates on its own.
func DefaultRoot() string {
	return filepath.Join(DefaultConfigDir(), "root")
}

func DefaultServerConfigPath() string {
	return filepath.Join(DefaultConfigDir(), serverConfigName+".toml")
}

func LoadServerConfig(configPath string) (*ServerConfig, error) {
	dir := DefaultConfigDir()
	v, err := initViper(configPath, dir, serverConfigName, "toml", "TFTPD_SERVER")
	if err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	v.SetDefault("read_root", DefaultRoot())
	v.SetDefault("write_root", DefaultRoot())
	v.SetDefault("port", 69)
	v.SetDefault("mode", "readwrite")
	v.SetDefault("max_retries", 3)
	v.SetDefault("timeout_ms", 5000)
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("udp_read_buffer_size", 64*1024)
	v.SetDefault("udp_write_buffer_size", 64*1024)

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ReadRoot = expandPath(cfg.ReadRoot)
	cfg.WriteRoot = expandPath(cfg.WriteRoot)
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))

	// Create-on-first-run only: nothing was read, so persist the defaults.
	if v.ConfigFileUsed() == "" {
		writePath := configPath
		if writePath == "" {
			writePath = DefaultServerConfigPath()
		}
		if _, statErr := os.Stat(writePath); errors.Is(statErr, os.ErrNotExist) {
			if _, err := cfg.Save(writePath); err != nil {
				return nil, fmt.Errorf("persist default server config: %w", err)
			}
			Info("server config written", Fields{
				ConfigPath: writePath,
			})
		}
	}

	return &cfg, nil
}

func LoadClientConfig(configPath string) (*ClientConfig, error) {
	v, err := initViper(configPath, DefaultConfigDir(), clientConfigName, "toml", "TFTPD_CLIENT")
	if err != nil {
		return nil, err
	}

	v.SetDefault("timeout_ms", 2000)
	v.SetDefault("max_retries", 5)
	v.SetDefault("log_level", "info")

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects values the server would refuse at start-up anyway, so a
// bad file fails before any socket is opened.
func (cfg *ServerConfig) Validate() error {
	if _, ok := validModes[cfg.Mode]; !ok {
		return fmt.Errorf("invalid mode %q (want readonly, writeonly or readwrite)", cfg.Mode)
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be > 0, got %d", cfg.MaxRetries)
	}
	if cfg.TimeoutMs < minSocketTimeoutMillis {
		return fmt.Errorf("timeout_ms must be >= %d, got %d", minSocketTimeoutMillis, cfg.TimeoutMs)
	}
	if strings.TrimSpace(cfg.ReadRoot) == "" || strings.TrimSpace(cfg.WriteRoot) == "" {
		return errors.New("read_root and write_root are required")
	}
	return nil
}

func (cfg *ServerConfig) SocketTimeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

func (cfg *ClientConfig) SocketTimeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

func (cfg *ServerConfig) Save(path string) (string, error) {
	if path == "" {
		path = DefaultServerConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("read_root", cfg.ReadRoot)
	v.Set("write_root", cfg.WriteRoot)
	v.Set("port", cfg.Port)
	v.Set("mode", cfg.Mode)
	v.Set("max_retries", cfg.MaxRetries)
	v.Set("timeout_ms", cfg.TimeoutMs)
	v.Set("log_level", cfg.LogLevel)
	v.Set("metrics_addr", cfg.MetricsAddr)
	v.Set("udp_read_buffer_size", cfg.UDPReadBufferSize)
	v.Set("udp_write_buffer_size", cfg.UDPWriteBufferSize)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write server config: %w", err)
	}
	_ = os.Chmod(path, 0o600)
	return path, nil
}

func initViper(configPath, defaultDir, defaultName, defaultType, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType(defaultType)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			// An explicit but missing file means "defaults only"; it is
			// created by the caller on first run.
			return v, nil
		}
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultDir)
		v.AddConfigPath(".")
		v.SetConfigName(defaultName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			Error("config file unreadable", Fields{
				ConfigPath: configPath,
				FieldError: err.Error(),
			})
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
