package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gookit/color"
	"github.com/specialistvlad/keg/internal/app"
	"github.com/specialistvlad/keg/internal/cli"
	"github.com/specialistvlad/keg/internal/config"
	"github.com/specialistvlad/keg/internal/hcl"
)

// main is the entrypoint for the keg binary.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, app.Streams{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}, os.Args[1:], os.Getenv)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.Danger.Sprint("Error:"), err)
		os.Exit(cli.ExitCode(err))
	}
}

// run encapsulates the main application logic for easier testing and error
// handling.
func run(ctx context.Context, streams app.Streams, args []string, getenv config.Getenv) error {
	appConfig, shouldExit, err := cli.Parse(args, outOrDiscard(streams.Out))
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	env, err := config.Load(getenv)
	if err != nil {
		return &cli.ExitError{Code: cli.ExitUsage, Message: err.Error()}
	}
	appConfig.Color = color.SupportColor() && streams.Out == os.Stdout

	kegApp, err := app.NewApp(streams, appConfig, env, hcl.NewLoader())
	if err != nil {
		return err
	}
	_, err = kegApp.Run(ctx)
	return err
}

func outOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
