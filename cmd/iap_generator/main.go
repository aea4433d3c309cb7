package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/lgreene/iap-telemetry/pkg/generator"
	"github.com/lgreene/iap-telemetry/pkg/logging"
	"github.com/lgreene/iap-telemetry/pkg/sender"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitUsage       = 2
	exitInterrupted = 130 // 128 + SIGINT
	exitTerminated  = 143 // 128 + SIGTERM
)

type options struct {
	apiURL        string
	invalidEvents bool
}

func (o options) mode() generator.Mode {
	if o.invalidEvents {
		return generator.ModeInvalid
	}
	return generator.ModeValid
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options

	fs := flag.NewFlagSet("iap_generator", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Send synthetic IAP events to an ingestion endpoint until interrupted (Ctrl+C).")
		fmt.Fprintln(stderr, "\nUsage: iap_generator --api-url <url> [--invalid-events]")
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.apiURL, "api-url", "", "URL to POST events to (required)")
	fs.BoolVar(&opts.invalidEvents, "invalid-events", false, "Generate events without event_data")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.apiURL == "" {
		fs.Usage()
		return opts, errors.New("--api-url is required")
	}
	u, err := url.Parse(opts.apiURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		fs.Usage()
		return opts, fmt.Errorf("--api-url must be an absolute http(s) URL, got %q", opts.apiURL)
	}
	return opts, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}

	log := logging.New(stderr, zapcore.InfoLevel)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	received := make(chan os.Signal, 1)
	go func() {
		sig := <-sigChan
		received <- sig
		cancel()
	}()

	s := sender.New(opts.apiURL, sender.WithLogger(log))
	log.Info("posting events",
		zap.String("url", opts.apiURL),
		zap.Stringer("mode", opts.mode()),
	)

	err = s.Run(ctx, generator.NewRandom(), opts.mode())
	sig := <-received
	log.Info("received shutdown signal, stopping", zap.Stringer("signal", sig), zap.NamedError("reason", err))
	logSummary(log, s.Metrics())

	if sig == syscall.SIGTERM {
		return exitTerminated
	}
	return exitInterrupted
}

func logSummary(log *zap.Logger, m *sender.Metrics) {
	summary, err := m.Summary()
	if err != nil {
		log.Warn("could not summarize run", zap.Error(err))
		return
	}
	log.Info("run summary",
		zap.Int("sent", summary.Sent),
		zap.Int("ok", summary.OK),
		zap.Int("non_ok", summary.NonOK),
		zap.Int("transport_errors", summary.TransportErrors),
		zap.Float64("p50_latency_ms", summary.P50LatencyMs),
		zap.Float64("p95_latency_ms", summary.P95LatencyMs),
	)
}
