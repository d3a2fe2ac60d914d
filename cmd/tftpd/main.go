package main

import (
	"os"

	"github.com/jgoldverg/tftpd/cli"
	"github.com/jgoldverg/tftpd/internal"
)

func main() {
	rootCmd := cli.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		internal.Error("command failed", internal.Fields{
			internal.FieldError: err.Error(),
		})
		os.Exit(1)
	}
}
