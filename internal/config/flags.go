// Package config resolves the router's command-line surface and its
// optional static peripheral list.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// CLI holds the router's resolved command-line flags.
type CLI struct {
	Server string // -s, host[:port] to listen on for a TCP host client.
	UART   string // -u, dev[@baud] to open as a UART host client.
	Config string // -c/--config, path to a static peripheral YAML file.
	MDNS   bool   // --mdns, announce the TCP listener over DNS-SD.
}

// ParseFlags parses args (typically os.Args[1:]) into a CLI. It does not
// itself enforce that -s and -u are mutually exclusive; callers check
// that once both are known, the way they'd check any other
// cross-flag constraint.
func ParseFlags(args []string) (*CLI, error) {
	fs := pflag.NewFlagSet("diagrouter", pflag.ContinueOnError)

	server := fs.StringP("server", "s", "", "Listen for a host client on host[:port] (default port 2500)")
	uart := fs.StringP("uart", "u", "", "Open a UART host client on dev[@baud] (default baud 115200)")
	cfg := fs.StringP("config", "c", "", "Static peripheral list (YAML)")
	mdns := fs.Bool("mdns", false, "Announce the TCP listener over mDNS/DNS-SD")
	help := fs.BoolP("help", "h", false, "Display help text")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: diagrouter [options]")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "With no transport option, diagrouter opens the USB functionfs")
		fmt.Fprintln(os.Stderr, "gadget and the local UNIX listener unconditionally.")
		fmt.Fprintln(os.Stderr)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *help {
		fs.Usage()
		os.Exit(0)
	}

	return &CLI{Server: *server, UART: *uart, Config: *cfg, MDNS: *mdns}, nil
}
