// Command eventtail follows a monitor backend from the terminal. It runs one
// polling coordinator against --endpoint and prints each batch of new file
// events as it arrives. Events that existed before eventtail started are not
// shown.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/tripwire/console/internal/config"
	"github.com/tripwire/console/internal/monitor"
	"github.com/tripwire/console/internal/poller"
	"github.com/tripwire/console/internal/registry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	endpoint string
	interval time.Duration
	limit    int
	timeout  time.Duration
	noColor  bool
	verbose  bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("eventtail", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.endpoint, "endpoint", "e", "", "monitor base URL (required)")
	flagSet.DurationVarP(&opts.interval, "interval", "i", poller.DefaultInterval, "poll period")
	flagSet.IntVarP(&opts.limit, "limit", "n", poller.DefaultLimit, "recent events requested per poll")
	flagSet.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")
	flagSet.BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log every poll")

	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.endpoint == "" {
		return opts, errors.New("--endpoint is required")
	}
	if err := config.ValidateEndpoint(opts.endpoint); err != nil {
		return opts, err
	}
	if opts.interval <= 0 {
		return opts, errors.New("--interval must be positive")
	}
	if opts.limit <= 0 {
		return opts, errors.New("--limit must be positive")
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	reg := registry.NewMemory()
	reg.Set(registry.ActiveEndpointKey, opts.endpoint)

	out := newBatchRenderer(os.Stdout, opts.noColor)
	coord := poller.New(reg, monitor.NewClient(monitor.WithRequestTimeout(opts.timeout)),
		func(events []monitor.Event) {
			out.Batch(opts.endpoint, time.Now(), events)
		},
		logger,
		poller.WithInterval(opts.interval),
		poller.WithLimit(opts.limit),
	)

	fmt.Fprintf(os.Stderr, "following %s every %s (Ctrl-C to stop)\n", opts.endpoint, opts.interval)
	coord.Start()
	defer coord.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	return nil
}
