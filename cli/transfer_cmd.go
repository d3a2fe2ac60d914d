package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jgoldverg/tftpd/cli/output"
	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/tftpclient"
	"github.com/jgoldverg/tftpd/pkg/tftpwire"
	"github.com/spf13/cobra"
)

type transferOpts struct {
	netascii   bool
	timeout    time.Duration
	maxRetries int
	overwrite  bool
}

func (o *transferOpts) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.netascii, "netascii", false, "Transfer in netascii mode instead of octet")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "Per-packet timeout (default from client config)")
	cmd.Flags().IntVar(&o.maxRetries, "max-retries", 0, "Retransmissions before giving up (default from client config)")
}

func (o *transferOpts) mode() tftpwire.TransferMode {
	if o.netascii {
		return tftpwire.ModeNetASCII
	}
	return tftpwire.ModeOctet
}

func (o *transferOpts) client(cmd *cobra.Command) *tftpclient.Client {
	cfg := GetClientConfig(cmd)
	c := &tftpclient.Client{
		Timeout:    cfg.SocketTimeout(),
		MaxRetries: cfg.MaxRetries,
	}
	if o.timeout > 0 {
		c.Timeout = o.timeout
	}
	if o.maxRetries > 0 {
		c.MaxRetries = o.maxRetries
	}
	return c
}

func GetCommand() *cobra.Command {
	var opts transferOpts

	cmd := &cobra.Command{
		Use:   "get <host:port> <remote> [local]",
		Short: "Download a file from a TFTP server",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server, remote := args[0], args[1]
			local := filepath.Base(remote)
			if len(args) == 3 {
				local = args[2]
			}

			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if opts.overwrite {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			f, err := os.OpenFile(local, flags, 0o644)
			if err != nil {
				return fmt.Errorf("open %s: %w", local, err)
			}

			start := time.Now()
			n, err := opts.client(cmd).Get(ctx, server, remote, opts.mode(), f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				// Nothing useful was stored; do not leave a partial file behind.
				_ = os.Remove(local)
				return describeTransferError("get", server, remote, err)
			}
			output.NewPrinter().Transfer("get", remote, local, n, time.Since(start))
			return nil
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&opts.overwrite, "overwrite", false, "Replace the local file if it exists")
	return cmd
}

func PutCommand() *cobra.Command {
	var opts transferOpts

	cmd := &cobra.Command{
		Use:   "put <host:port> <local> [remote]",
		Short: "Upload a file to a TFTP server",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server, local := args[0], args[1]
			remote := filepath.Base(local)
			if len(args) == 3 {
				remote = args[2]
			}

			f, err := os.Open(local)
			if err != nil {
				return fmt.Errorf("open %s: %w", local, err)
			}
			defer f.Close()

			var size int64
			if info, err := f.Stat(); err == nil {
				size = info.Size()
			}
			progress := output.StartTransferProgress("put "+remote, size)

			start := time.Now()
			n, err := opts.client(cmd).Put(ctx, server, remote, opts.mode(), progress.WrapReader(f))
			progress.Stop()
			if err != nil {
				return describeTransferError("put", server, remote, err)
			}
			output.NewPrinter().Transfer("put", remote, local, n, time.Since(start))
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

func describeTransferError(verb, server, remote string, err error) error {
	var remoteErr *tftpwire.ErrorPacket
	if errors.As(err, &remoteErr) {
		internal.Debug("server rejected transfer", internal.Fields{
			internal.FieldAddr: server,
			internal.FieldFile: remote,
			"code":             uint16(remoteErr.Code),
		})
		return fmt.Errorf("%s %s: server refused: %s", verb, remote, remoteErr.Message)
	}
	return fmt.Errorf("%s %s from %s: %w", verb, remote, server, err)
}
