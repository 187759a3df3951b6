package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/regstate/internal/flagx"
)

// Flags lists the flags owned by the client configuration. Command
// arguments are whatever remains once these are stripped.
var Flags = flagx.Valued("-a", "-w", "-c", "-config", "--config")

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string     address and port of the regstate server
//	-w duration   request timeout (e.g. "30s", "10m")
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], flagx.Valued("-a", "-w")...)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "address and port to access server")
	fs.DurationVar(&cfg.RequestTimeout, "w", cfg.RequestTimeout, "request timeout")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
