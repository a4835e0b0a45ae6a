package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"misp-taxii-forwarder/internal/config"
	"misp-taxii-forwarder/internal/forwarder"
	"misp-taxii-forwarder/internal/logging"
	"misp-taxii-forwarder/internal/metrics"
	"misp-taxii-forwarder/internal/sink"
	"misp-taxii-forwarder/internal/source"
	"misp-taxii-forwarder/internal/store"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

const (
	exitOK      = 0
	exitStartup = 1
	exitCorrupt = 2
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	var (
		cfgPath  string
		interval time.Duration
		once     bool
		verbose  bool
		version  bool
	)
	flagSet := pflag.NewFlagSet("cti-forwarder", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&cfgPath, "config", "c", "config.yml", "path to YAML config")
	flagSet.DurationVar(&interval, "interval", 0, "poll interval (overrides config)")
	flagSet.BoolVar(&once, "once", false, "run a single cycle then exit")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flagSet.BoolVar(&version, "version", false, "print version and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitStartup
	}
	if version {
		fmt.Fprintf(stderr, "cti-forwarder %s\n", Version)
		return exitOK
	}

	cfg, err := config.Load(cfgPath, config.WithInterval(interval))
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return exitStartup
	}

	log, logCloser, err := logging.New(cfg.Log, stderr, verbose)
	if err != nil {
		fmt.Fprintf(stderr, "init logging: %v\n", err)
		return exitStartup
	}
	defer logCloser.Close()
	log.Info("cti-forwarder starting", "version", Version, "interval", cfg.Interval.String(),
		"cursor", cfg.Cursor.Backend, "delivery", cfg.Delivery.Kind)

	st, err := store.Open(cfg.Cursor)
	if err != nil {
		log.Error("open cursor store", "err", err)
		return exitCodeFor(err)
	}
	defer st.Close()

	src, err := source.NewFromConfig(cfg.Upstream, log)
	if err != nil {
		log.Error("build source", "err", err)
		return exitStartup
	}
	dst, err := sink.NewFromConfig(cfg.Delivery, log)
	if err != nil {
		log.Error("build sink", "err", err)
		return exitStartup
	}
	defer dst.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := forwarder.OptionsFromConfig(cfg)
	opts.Metrics = metrics.New(reg)
	opts.Logger = log
	fwd := forwarder.New(src, dst, st, opts)

	if err := fwd.Start(ctx); err != nil {
		log.Error("cannot start", "err", err)
		return exitCodeFor(err)
	}

	if addr := cfg.Metrics.ListenAddress; addr != "" && !once {
		ops := metrics.NewServer(cfg.Metrics, reg, fwd.Status)
		go func() {
			log.Info("serving ops endpoint", "addr", addr)
			if err := ops.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("ops server", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ops.Shutdown(shutdownCtx)
		}()
	}

	if err := fwd.Run(ctx, once); err != nil {
		log.Error("forwarder stopped", "err", err)
		return exitCodeFor(err)
	}
	log.Info("stopping", "reason", context.Cause(ctx))
	return exitOK
}

func exitCodeFor(err error) int {
	if errors.Is(err, store.ErrCursorCorrupt) {
		return exitCorrupt
	}
	return exitStartup
}
