package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/jgoldverg/tftpd/internal"
	"github.com/spf13/cobra"
)

type ctxKey string

const clientCtxKey ctxKey = "clientConfig"

func NewRootCommand() *cobra.Command {
	var clientConfigPath string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "tftpd",
		Short: "tftpd is a TFTP (RFC 1350) server and client",
		Long: `tftpd serves and receives files over TFTP, confined to configured root
directories, with per-transfer sockets, retransmission and Prometheus metrics.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.LoadClientConfig(clientConfigPath)
			if err != nil {
				return fmt.Errorf("failed to load client config: %w", err)
			}
			level := cfg.LogLevel
			if strings.TrimSpace(logLevel) != "" {
				level = logLevel
			}
			if err := internal.ConfigureLogger(level); err != nil {
				internal.Warn("invalid log level, defaulting to info", internal.Fields{
					internal.FieldError: err.Error(),
				})
			}

			cmd.SetContext(context.WithValue(cmd.Context(), clientCtxKey, cfg))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&clientConfigPath, "client-config", "", "Path to client config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(ServeCommand())
	rootCmd.AddCommand(GetCommand())
	rootCmd.AddCommand(PutCommand())
	rootCmd.AddCommand(ConfigCommand())

	return rootCmd
}

// GetClientConfig returns the config loaded by the root command.
func GetClientConfig(cmd *cobra.Command) *internal.ClientConfig {
	if v := cmd.Context().Value(clientCtxKey); v != nil {
		if cfg, ok := v.(*internal.ClientConfig); ok {
			return cfg
		}
	}
	return &internal.ClientConfig{}
}

// logLevelOverridden reports whether --log-level was given explicitly.
func logLevelOverridden(cmd *cobra.Command) bool {
	f := cmd.Flags().Lookup("log-level")
	return f != nil && f.Changed
}
