// vaultctl drives the collateral vault from the command line. It can talk to a
// vault-engine over HTTP (the default) or to a cluster running the on-chain
// program over JSON-RPC.
//
// Usage:
//
//	vaultctl <command> [flags]
//
// Commands: authority, quote, init, deposit, repay, show.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldbell/vault/backend/internal/config"
	"github.com/coldbell/vault/backend/internal/logging"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := logging.Bootstrap("vaultctl")

	cfg, err := config.LoadCLIConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("vaultctl", cfg.Log, logging.WithConsole(os.Stderr), logging.WithAttrs("target", cfg.Target))
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := &environment{cfg: cfg, logger: logger, stdout: os.Stdout, stderr: os.Stderr}
	if err := env.run(ctx, os.Args[1:]); err != nil {
		if err != errUsage {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func (env *environment) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		env.printUsage(env.stderr)
		return errUsage
	}
	name, rest := args[0], args[1:]
	switch name {
	case "-h", "--help", "help":
		env.printUsage(env.stdout)
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd.run(ctx, env, rest)
		}
	}
	fmt.Fprintf(env.stderr, "unknown command %q\n\n", name)
	env.printUsage(env.stderr)
	return errUsage
}

func (env *environment) printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: vaultctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, `Run "vaultctl <command> --help" for the flags of a command.`)
}
