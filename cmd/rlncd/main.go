// Command rlncd runs the RLNC overlay daemon for one batman-adv
// interface: it attaches to the kernel via generic netlink, encodes and
// decodes generations, and drives the repair/acknowledgement feedback
// machinery until SIGINT/SIGTERM.
package main

import (
	"fmt"
	"os"

	"github.com/hundeboll/rlncd/internal/config"
	"github.com/hundeboll/rlncd/internal/daemon"
)

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	os.Exit(daemon.RunStandalone(cfg))
}
