package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirkobrombin/go-keep/v1/config"
	"github.com/mirkobrombin/go-keep/v1/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	configPath = flag.String("config", "", "YAML configuration file")
	logPath    = flag.String("log", "", "Log file, overrides the configured path")
	db         = flag.String("db", "", "Namespace prepended to keys as db:key")
	async      = flag.Bool("async", false, "Run set through the asynchronous path")
	traces     = flag.Bool("trace", false, "Print OpenTelemetry spans to stderr")
	timeout    = flag.Duration("timeout", 30*time.Second, "Timeout for opening, draining and closing")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: keep [flags] <command> [args]

commands:
  set <key> <value> [ttl]  store a value, ttl like 10s (0 follows zero_ttl)
  get <key>                print a value
  del <key>                delete a key
  exists <key>             report whether a key is alive
  minlen <n>               list keys whose value has at least n bytes
  ttl <duration>           list keys alive for at least duration
  compact                  rewrite the log with the live entries
  stats                    print engine statistics
  verify [heal]            compare memory with the log, optionally rewriting it
  shell                    read commands from stdin, one per line

flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatal(err)
		}
	}
	if *logPath != "" {
		cfg.Log.Backend = config.BackendFile
		cfg.Log.Path = *logPath
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		log.Fatal(err)
	}

	opts := []core.Option{core.WithLogger(logger)}
	if *traces {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
		opts = append(opts, core.WithTracing())
	}

	openCtx, cancel := context.WithTimeout(ctx, *timeout)
	e, err := cfg.Open(openCtx, opts...)
	cancel()
	if err != nil {
		log.Fatalf("open: %v", err)
	}

	cli := &cli{engine: e, out: os.Stdout, db: *db, async: *async, timeout: *timeout}
	runErr := cli.run(ctx, flag.Args())

	closeCtx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := e.Close(closeCtx); err != nil {
		logger.Error("keep: close", "error", err)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "keep:", runErr)
		os.Exit(1)
	}
}
