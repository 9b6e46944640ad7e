// Command rtftpd serves files to network-booting clients over read-only
// TFTP, layering per-client local directories over an NBD-backed guest
// filesystem.
package main

import (
	"fmt"
	"os"

	"github.com/zentarim/rtftp/cmd/rtftpd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
