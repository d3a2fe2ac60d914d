package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/jgoldverg/tftpd/internal"
	"gopkg.in/yaml.v3"
)

func sampleConfig() *internal.ServerConfig {
	return &internal.ServerConfig{
		ReadRoot:   "/srv/tftp",
		WriteRoot:  "/srv/incoming",
		Port:       69,
		Mode:       "readwrite",
		MaxRetries: 3,
		TimeoutMs:  5000,
		LogLevel:   "info",
	}
}

func TestRenderServerConfigYAML(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderServerConfig(&buf, sampleConfig(), "yaml"); err != nil {
		t.Fatalf("render: %v", err)
	}
	var got internal.ServerConfig
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not yaml: %v\n%s", err, buf.String())
	}
	if got.ReadRoot != "/srv/tftp" || got.TimeoutMs != 5000 {
		t.Fatalf("yaml lost values: %+v", got)
	}
	if !strings.Contains(buf.String(), "write_root: /srv/incoming") {
		t.Fatalf("expected snake_case keys, got:\n%s", buf.String())
	}
}

func TestRenderServerConfigTOML(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderServerConfig(&buf, sampleConfig(), "TOML"); err != nil {
		t.Fatalf("render: %v", err)
	}
	var got internal.ServerConfig
	if _, err := toml.Decode(buf.String(), &got); err != nil {
		t.Fatalf("output is not toml: %v\n%s", err, buf.String())
	}
	if got.Mode != "readwrite" || got.Port != 69 {
		t.Fatalf("toml lost values: %+v", got)
	}
}

func TestRenderServerConfigTableAndErrors(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderServerConfig(&buf, sampleConfig(), ""); err != nil {
		t.Fatalf("render table: %v", err)
	}
	if !strings.Contains(buf.String(), "read_root") || !strings.Contains(buf.String(), "/srv/tftp") {
		t.Fatalf("table missing rows:\n%s", buf.String())
	}
	if err := RenderServerConfig(&buf, sampleConfig(), "json"); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if err := RenderServerConfig(&buf, nil, "yaml"); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := formatBytes(1536); got != "1.50 KB" {
		t.Fatalf("formatBytes(1536) = %q", got)
	}
	if got := formatOutcomes(map[string]uint64{"failed": 1, "completed": 2}); got != "completed=2 failed=1" {
		t.Fatalf("formatOutcomes = %q", got)
	}
	if got := humanizeSize(0); got != "system default" {
		t.Fatalf("humanizeSize(0) = %q", got)
	}
}
