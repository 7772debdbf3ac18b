// Command ttf-agent runs on the developer's machine: it dials the gateway
// and forwards every public request it receives to a local HTTP service,
// grounded on cmd/flowersec-tunnel/main.go's env-then-flag CLI shape,
// adapted to spec.md §6's agent flag table.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ttfgw/ttf/agent"
	"github.com/ttfgw/ttf/internal/cmdutil"
	"github.com/ttfgw/ttf/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	log := logrus.New()
	log.SetOutput(stderr)

	endpoint := cmdutil.EnvString("TTF_ENDPOINT", "")
	token := cmdutil.EnvString("TTF_TOKEN", "")

	cfg := agent.DefaultConfig()

	fs := flag.NewFlagSet("ttf-agent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&endpoint, "endpoint", endpoint, "gateway channel websocket URL (env: TTF_ENDPOINT)")
	fs.IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "local service port")
	fs.StringVar(&cfg.LocalHost, "host", cfg.LocalHost, "local service host")
	fs.StringVar(&token, "token", token, "bearer token presented at channel_open (env: TTF_TOKEN)")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "dial timeout")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "per-request deadline against the local service")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintln(stdout, "ttf-agent "+version.String("", "", ""))
		return 0
	}

	cfg.Endpoint = endpoint
	cfg.Token = token
	cfg.OnEstablished = func(publicURL string) {
		fmt.Fprintf(stdout, "forwarding %s -> http://%s:%d\n", publicURL, cfg.LocalHost, cfg.LocalPort)
	}

	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if cfg.Endpoint == "" {
		fmt.Fprintln(stderr, &cmdutil.UsageError{Msg: "missing --endpoint (or TTF_ENDPOINT)"})
		fs.Usage()
		return 2
	}

	a, err := agent.New(cfg, log.WithField("component", "agent"))
	if err != nil {
		fmt.Fprintln(stderr, err)
		if cmdutil.IsUsage(err) {
			return 2
		}
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	fmt.Fprintf(stdout, "connecting to %s...\n", cfg.Endpoint)

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
