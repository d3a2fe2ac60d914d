package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigWritesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server_config.toml")

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 69 || cfg.Mode != "readwrite" || cfg.MaxRetries != 3 || cfg.TimeoutMs != 5000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected defaults to be persisted: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestServerConfigSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg", "server.toml")

	cfg := &ServerConfig{
		ReadRoot:    filepath.Join(dir, "ro"),
		WriteRoot:   filepath.Join(dir, "rw"),
		Port:        6969,
		Mode:        "readonly",
		MaxRetries:  7,
		TimeoutMs:   250,
		LogLevel:    "debug",
		MetricsAddr: "127.0.0.1:9169",
	}
	if _, err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Port != 6969 || got.Mode != "readonly" || got.MaxRetries != 7 || got.MetricsAddr != "127.0.0.1:9169" {
		t.Fatalf("reloaded config mismatch: %+v", got)
	}
	if got.SocketTimeout() != 250*time.Millisecond {
		t.Fatalf("unexpected socket timeout %v", got.SocketTimeout())
	}
}

func TestServerConfigEnvOverride(t *testing.T) {
	t.Setenv("TFTPD_SERVER_PORT", "1069")
	t.Setenv("TFTPD_SERVER_MODE", "WriteOnly")

	cfg, err := LoadServerConfig(filepath.Join(t.TempDir(), "server_config.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 1069 || cfg.Mode != "writeonly" {
		t.Fatalf("env overrides not applied: port=%d mode=%q", cfg.Port, cfg.Mode)
	}
}

func TestServerConfigValidate(t *testing.T) {
	base := func() ServerConfig {
		return ServerConfig{ReadRoot: "/srv", WriteRoot: "/srv", Port: 69, Mode: "readwrite", MaxRetries: 3, TimeoutMs: 1000}
	}
	cases := map[string]func(*ServerConfig){
		"bad mode":      func(c *ServerConfig) { c.Mode = "append" },
		"bad port":      func(c *ServerConfig) { c.Port = 70000 },
		"zero retries":  func(c *ServerConfig) { c.MaxRetries = 0 },
		"short timeout": func(c *ServerConfig) { c.TimeoutMs = 5 },
		"missing root":  func(c *ServerConfig) { c.WriteRoot = " " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %+v", cfg)
			}
		})
	}
}

func TestLoadClientConfigDefaults(t *testing.T) {
	cfg, err := LoadClientConfig(filepath.Join(t.TempDir(), "client_config.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketTimeout() != 2*time.Second || cfg.MaxRetries != 5 {
		t.Fatalf("unexpected client defaults: %+v", cfg)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/tftp"); got != filepath.Join(home, "tftp") {
		t.Fatalf("expandPath(~/tftp) = %q", got)
	}
	t.Setenv("TFTPD_TEST_ROOT", "/data")
	if got := expandPath("$TFTPD_TEST_ROOT/boot"); !strings.HasPrefix(got, "/data") {
		t.Fatalf("env not expanded: %q", got)
	}
}

func TestConfigureLogger(t *testing.T) {
	t.Cleanup(func() { SetLogLevel(LevelInfo) })

	if err := ConfigureLogger("DEBUG"); err != nil {
		t.Fatalf("configure debug: %v", err)
	}
	if !shouldLog(LevelDebug) || shouldLog(LevelTrace) {
		t.Fatal("debug level not applied")
	}
	if err := ConfigureLogger("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if getLevel() != LevelInfo {
		t.Fatal("unknown level should fall back to info")
	}
}
