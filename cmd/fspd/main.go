// Command fspd runs a standalone FileShare peer-to-peer node: it bootstraps
// (or loads) a device identity, listens for incoming peers, and serves
// whatever virtual file tree its local configuration exposes.
package main

import (
	"fmt"
	"os"

	"github.com/fileshare-project/fsp/cmd/fspd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
