package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdin, os.Stdout, os.Stderr).Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		code := 1
		var ec cli.ExitCoder
		if errors.As(err, &ec) && ec.ExitCode() != 0 {
			code = ec.ExitCode()
		}
		stop()
		os.Exit(code)
	}
}

// newApp builds the command tree. Running it without a subcommand performs
// a run with every default.
func newApp(stdin io.Reader, stdout, stderr io.Writer) *cli.Command {
	rootOpts := defaultRunOptions()
	runOpts := defaultRunOptions()
	return &cli.Command{
		Name:      "hfgen",
		Usage:     "Generate text from a Hugging Face causal language model",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     runFlags(rootOpts),
		Action:    runAction(rootOpts, stdin, stdout, stderr),
		// main prints the error and picks the exit code.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Load a model, generate one completion and print it",
				Flags:  runFlags(runOpts),
				Action: runAction(runOpts, stdin, stdout, stderr),
			},
			versionCmd(stdout),
		},
	}
}
