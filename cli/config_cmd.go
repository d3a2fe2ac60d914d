package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jgoldverg/tftpd/cli/output"
	"github.com/jgoldverg/tftpd/internal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func ConfigCommand() *cobra.Command {
	var serverConfigPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or update the tftpd server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&serverConfigPath, "server-config", "", "Path to the server config file")
	cmd.AddCommand(configShowCommand(&serverConfigPath))
	cmd.AddCommand(configSetCommand(&serverConfigPath))
	return cmd
}

func configShowCommand(serverConfigPath *string) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.LoadServerConfig(strings.TrimSpace(*serverConfigPath))
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			return output.RenderServerConfig(cmd.OutOrStdout(), cfg, format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", output.FormatTable, "Output format: table, yaml or toml")
	return cmd
}

type serverConfigUpdate struct {
	readRoot    string
	writeRoot   string
	port        int
	mode        string
	maxRetries  int
	timeoutMs   int
	logLevel    string
	metricsAddr string
	readBuffer  int
	writeBuffer int
}

func configSetCommand(serverConfigPath *string) *cobra.Command {
	var upd serverConfigUpdate

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update values in the server configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(*serverConfigPath)
			if path == "" {
				path = internal.DefaultServerConfigPath()
			}
			return updateServerConfig(path, cmd.Flags(), upd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&upd.readRoot, "read-root", "", "Directory files are served from")
	f.StringVar(&upd.writeRoot, "write-root", "", "Directory uploads are stored in")
	f.IntVar(&upd.port, "port", 0, "UDP listen port")
	f.StringVar(&upd.mode, "mode", "", "readonly, writeonly or readwrite")
	f.IntVar(&upd.maxRetries, "max-retries", 0, "Retransmissions before a transfer is abandoned")
	f.IntVar(&upd.timeoutMs, "timeout-ms", 0, "Per-packet receive timeout in milliseconds")
	f.StringVar(&upd.logLevel, "server-log-level", "", "Server log level (info, debug, ...)")
	f.StringVar(&upd.metricsAddr, "metrics-addr", "", "Prometheus listen address, empty to disable")
	f.IntVar(&upd.readBuffer, "udp-read-buffer", 0, "Socket receive buffer size in bytes")
	f.IntVar(&upd.writeBuffer, "udp-write-buffer", 0, "Socket send buffer size in bytes")
	return cmd
}

func updateServerConfig(path string, flagSet *pflag.FlagSet, upd serverConfigUpdate) error {
	// Loading a missing file writes the defaults there first.
	cfg, err := internal.LoadServerConfig(path)
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}

	changed := 0
	apply := func(name string, fn func()) {
		if flagSet.Changed(name) {
			fn()
			changed++
		}
	}
	apply("read-root", func() { cfg.ReadRoot = upd.readRoot })
	apply("write-root", func() { cfg.WriteRoot = upd.writeRoot })
	apply("port", func() { cfg.Port = upd.port })
	apply("mode", func() { cfg.Mode = strings.ToLower(strings.TrimSpace(upd.mode)) })
	apply("max-retries", func() { cfg.MaxRetries = upd.maxRetries })
	apply("timeout-ms", func() { cfg.TimeoutMs = upd.timeoutMs })
	apply("server-log-level", func() { cfg.LogLevel = upd.logLevel })
	apply("metrics-addr", func() { cfg.MetricsAddr = upd.metricsAddr })
	apply("udp-read-buffer", func() { cfg.UDPReadBufferSize = upd.readBuffer })
	apply("udp-write-buffer", func() { cfg.UDPWriteBufferSize = upd.writeBuffer })
	if changed == 0 {
		return errors.New("nothing to update: pass at least one flag")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if _, err := cfg.Save(path); err != nil {
		return fmt.Errorf("saving server config: %w", err)
	}
	internal.Info("server configuration updated", internal.Fields{
		internal.ConfigPath: path,
		"changed":           changed,
	})
	return nil
}
