package output

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/jgoldverg/tftpd/internal"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"
)

const (
	FormatTable = "table"
	FormatYAML  = "yaml"
	FormatTOML  = "toml"
)

// RenderServerConfig writes cfg to w in one of the supported formats.
func RenderServerConfig(w io.Writer, cfg *internal.ServerConfig, format string) error {
	if cfg == nil {
		return fmt.Errorf("no server config to render")
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatTable:
		table, err := pterm.DefaultTable.WithHasHeader().WithData(serverConfigRows(cfg)).Srender()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, table)
		return err
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("encode toml: %w", err)
		}
		_, err := w.Write(buf.Bytes())
		return err
	default:
		return fmt.Errorf("unknown output format %q (want table, yaml or toml)", format)
	}
}

func serverConfigRows(cfg *internal.ServerConfig) pterm.TableData {
	return pterm.TableData{
		{"Key", "Value"},
		{"read_root", cfg.ReadRoot},
		{"write_root", cfg.WriteRoot},
		{"port", strconv.Itoa(cfg.Port)},
		{"mode", cfg.Mode},
		{"max_retries", strconv.Itoa(cfg.MaxRetries)},
		{"timeout_ms", strconv.Itoa(cfg.TimeoutMs)},
		{"log_level", cfg.LogLevel},
		{"metrics_addr", orDash(cfg.MetricsAddr)},
		{"udp_read_buffer_size", humanizeSize(cfg.UDPReadBufferSize)},
		{"udp_write_buffer_size", humanizeSize(cfg.UDPWriteBufferSize)},
	}
}

func humanizeSize(n int) string {
	if n <= 0 {
		return "system default"
	}
	return formatBytes(uint64(n))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "--"
	}
	return s
}
