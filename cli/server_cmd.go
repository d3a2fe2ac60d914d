package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jgoldverg/tftpd/cli/output"
	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/tftpserver"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const statusInterval = time.Second

type serveOpts struct {
	configPath  string
	readRoot    string
	writeRoot   string
	host        string
	port        int
	mode        string
	maxRetries  int
	timeout     time.Duration
	metricsAddr string
	dashboard   bool
	refresh     time.Duration
}

func ServeCommand() *cobra.Command {
	var opts serveOpts

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"s", "server"},
		Short:   "Run the TFTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadServeConfig(cmd, &opts)
			if err != nil {
				return err
			}
			return runServer(ctx, cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "server-config", "", "Path to the server config file (TOML)")
	f.StringVar(&opts.readRoot, "read-root", "", "Directory files are served from")
	f.StringVar(&opts.writeRoot, "write-root", "", "Directory uploads are stored in")
	f.StringVar(&opts.host, "host", "", "Address to bind (default all IPv4 interfaces)")
	f.IntVar(&opts.port, "port", tftpserver.DefaultPort, "UDP port to listen on")
	f.StringVar(&opts.mode, "mode", "", "readonly, writeonly or readwrite")
	f.IntVar(&opts.maxRetries, "max-retries", tftpserver.DefaultMaxRetries, "Retransmissions before a transfer is abandoned")
	f.DurationVar(&opts.timeout, "timeout", tftpserver.DefaultTimeout, "Per-packet receive timeout")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9169)")
	f.BoolVar(&opts.dashboard, "dashboard", false, "Render live transfer statistics in the terminal")
	f.DurationVar(&opts.refresh, "dashboard-interval", time.Second, "Refresh interval of the --dashboard view")
	return cmd
}

// loadServeConfig reads the config file and applies any flags that were set.
func loadServeConfig(cmd *cobra.Command, opts *serveOpts) (*internal.ServerConfig, error) {
	cfg, err := internal.LoadServerConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("read-root") {
		cfg.ReadRoot = opts.readRoot
	}
	if flags.Changed("write-root") {
		cfg.WriteRoot = opts.writeRoot
	}
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("mode") {
		cfg.Mode = opts.mode
	}
	if flags.Changed("max-retries") {
		cfg.MaxRetries = opts.maxRetries
	}
	if flags.Changed("timeout") {
		cfg.TimeoutMs = int(opts.timeout / time.Millisecond)
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !logLevelOverridden(cmd) {
		if err := internal.ConfigureLogger(cfg.LogLevel); err != nil {
			internal.Warn("invalid log level in server config, keeping current level", internal.Fields{
				internal.FieldError: err.Error(),
			})
		}
	}
	return cfg, nil
}

func runServer(ctx context.Context, cfg *internal.ServerConfig, opts serveOpts) error {
	// A configured root that is missing is a mistake and must fail in New.
	for _, dir := range []string{cfg.ReadRoot, cfg.WriteRoot} {
		if filepath.Clean(dir) != internal.DefaultRoot() {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create default root %s: %w", dir, err)
		}
	}

	srv, err := tftpserver.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	srv.Opts.Host = opts.host
	if err := srv.Start(); err != nil {
		return err
	}
	defer func() {
		if err := srv.Shutdown(); err != nil {
			internal.Error("server shutdown failed", internal.Fields{
				internal.FieldError: err.Error(),
			})
		}
	}()

	if cfg.MetricsAddr != "" {
		stopMetrics, err := serveMetrics(cfg.MetricsAddr, srv)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	if opts.dashboard {
		board := output.NewMetricsDisplay("tftpd "+srv.Addr().String(), srv.Metrics()).
			WithInterval(opts.refresh)
		if err := board.Start(ctx); err != nil {
			return err
		}
		defer board.Stop()
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			internal.Info("shutdown requested", internal.Fields{
				"sessions": srv.Sessions(),
			})
			return nil
		case <-ticker.C:
			if running, err := srv.IsRunning(); !running {
				if err != nil {
					return fmt.Errorf("tftp server stopped: %w", err)
				}
				return nil
			}
		}
	}
}

func serveMetrics(addr string, srv *tftpserver.Server) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(srv.Metrics().Registry(), promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			internal.Error("metrics server failed", internal.Fields{
				internal.FieldError: err.Error(),
			})
		}
	}()
	internal.Info("serving metrics", internal.Fields{
		internal.FieldAddr: ln.Addr().String(),
	})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}, nil
}
