// coap-agent is a CoAP endpoint built on the reliability engine.
//
// Usage:
//
//	coap-agent serve    [--config file] [--listen addr] [--metrics addr] [--advertise]
//	coap-agent get      [--observe] [--cbor] [--timeout d] coap://host:port/path
//	coap-agent post     [--format n] coap://host:port/path payload
//	coap-agent discover [--timeout d]
//
// Settings come from the TOML file given with --config, then a .env file in
// the working directory, then COAP_* environment variables. Flags win over
// all of them.
//
// Example:
//
//	coap-agent serve --listen :5683 --metrics :9100
//	coap-agent get --observe coap://127.0.0.1:5683/time
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return errors.New("missing command")
	}

	switch cmd, rest := args[0], args[1:]; cmd {
	case "serve":
		return runServe(ctx, rest, stderr)
	case "get":
		return runGet(ctx, rest, stdout, stderr)
	case "post":
		return runPost(ctx, rest, stdout, stderr)
	case "discover":
		return runDiscover(ctx, rest, stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		usage(stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `usage: coap-agent <command> [flags]

commands:
  serve     run a CoAP server with demo resources
  get       fetch or observe a resource
  post      send a payload to a resource
  discover  list _coap._udp services on the local network
`)
}

// commonFlags are shared by every command.
type commonFlags struct {
	configPath string
	logLevel   string
}

func (c *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "", "TOML configuration file")
	fs.StringVar(&c.logLevel, "log-level", "", "trace, debug, info, warn, error or disabled")
}
