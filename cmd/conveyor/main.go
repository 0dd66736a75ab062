package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/conveyor-ci/conveyor"
	"github.com/conveyor-ci/conveyor/model/trigger"
	"github.com/conveyor-ci/conveyor/runtime/execution"
	"github.com/conveyor-ci/conveyor/service/api"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(ctx, logger, os.Args[2:])
	case "serve":
		err = serveCommand(ctx, logger, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  conveyor run   -pipeline <location> [-event push|pull_request] [-branch <name>] [-timeout <duration>]
  conveyor serve [-addr :8080] [-pipelines <baseURL>] [-watch <dir>] [-runs <storeURL>]
  conveyor version`)
}

// runCommand executes a single pipeline locally and prints the run record.
func runCommand(ctx context.Context, logger zerolog.Logger, args []string) error {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	location := flags.String("pipeline", "", "pipeline definition location")
	eventKind := flags.String("event", "push", "trigger event kind (push or pull_request)")
	branch := flags.String("branch", "main", "event branch")
	timeout := flags.Duration("timeout", 10*time.Minute, "max wait for the run conclusion")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *location == "" {
		return fmt.Errorf("-pipeline is required")
	}

	srv := conveyor.New(conveyor.WithLogger(logger))
	rt := srv.Runtime()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := rt.Start(runCtx); err != nil {
			logger.Error().Err(err).Msg("engine stopped")
		}
	}()

	definition, err := rt.LoadPipeline(ctx, *location)
	if err != nil {
		return err
	}
	event := &trigger.Event{Kind: trigger.Kind(*eventKind), Branch: *branch}
	run, wait, err := rt.StartPipelineRun(ctx, definition, event)
	if err != nil {
		return err
	}
	logger.Info().Str("run", run.ID).Str("pipeline", definition.Name).Msg("run started")

	final, err := wait(ctx, *timeout)
	if err != nil {
		return err
	}
	encoded, _ := json.MarshalIndent(final, "", "  ")
	fmt.Println(string(encoded))
	if final.State != execution.StateSucceeded {
		return fmt.Errorf("run concluded %s", final.State)
	}
	return nil
}

// serveCommand starts the engine with its HTTP API.
func serveCommand(ctx context.Context, logger zerolog.Logger, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := flags.String("addr", ":8080", "http listen address")
	pipelines := flags.String("pipelines", "", "base URL for pipeline definitions")
	watch := flags.String("watch", "", "directory watched for pipeline changes")
	runs := flags.String("runs", "", "afs URL persisting run records")
	var locations stringList
	flags.Var(&locations, "load", "pipeline location to pre-load (repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	config := conveyor.DefaultConfig()
	config.PipelinesBaseURL = *pipelines
	config.RunStoreURL = *runs
	config.HTTP.Addr = *addr
	if *watch != "" {
		config.WatchDirs = append(config.WatchDirs, *watch)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	srv := conveyor.New(conveyor.WithConfig(config), conveyor.WithLogger(logger))
	rt := srv.Runtime()
	for _, location := range locations {
		if _, err := rt.LoadPipeline(ctx, location); err != nil {
			return fmt.Errorf("failed to load pipeline %s: %w", location, err)
		}
	}

	httpServer := api.New(rt, config.HTTP, logger)
	errCh := make(chan error, 2)
	go func() { errCh <- rt.Start(ctx) }()
	go func() { errCh <- httpServer.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rt.Shutdown(shutdownCtx)
	}
}

type stringList []string

func (l *stringList) String() string { return fmt.Sprintf("%v", []string(*l)) }

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}
