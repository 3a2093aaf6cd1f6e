package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"clawremote/internal/infra/config"
	"clawremote/internal/infra/logger"
	"clawremote/internal/infra/tracer"
)

func main() {
	// Handle help flag first
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	flags, args := parseFlags(os.Args[1:])
	if len(args) == 0 {
		args = []string{"watch"}
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'clawremote --help' for usage information.\n", args[0])
		os.Exit(1)
	}
	if len(args)-1 < cmd.minArgs {
		fmt.Fprintf(os.Stderr, "usage: clawremote %s %s\n", args[0], cmd.usage)
		os.Exit(2)
	}
	if err := run(flags, cmd, args[1:], os.Stdout); err != nil {
		if errors.As(err, new(usageError)) {
			fmt.Fprintf(os.Stderr, "usage: clawremote %s %s\n", args[0], cmd.usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`clawremote - remote control for jobs running on your desktop

USAGE:
    clawremote [FLAGS] [COMMAND] [ARGS]

COMMANDS:
    watch                       Stream connection, job and question updates (default)
    jobs                        List jobs with status and next scheduled run
    run NAME [KEY=VALUE...]     Start a job
    pause NAME | resume NAME | stop NAME
    input NAME TEXT             Send text to a running job
    logs NAME                   Follow a job's output
    logs --pane SESSION PANE    Follow a detected process by polling
    history NAME [LIMIT]        Show recent runs
    detail RUN_ID               Show a run with captured output
    agent PROMPT                Start an ad-hoc agent
    processes                   List detected agent sessions
    questions                   List questions awaiting an answer
    answer QUESTION PANE OPTION Answer a question
    auto-yes PANE on|off        Toggle auto-accept for a pane
    notifications [LIMIT]       Show question notification history
    logout                      Forget stored credentials

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file (default: ~/.clawremote/config.yaml)

CONFIGURATION:
    Environment: CLAWREMOTE_* variables override config
    Secrets prefixed with enc: are decrypted with CLAWREMOTE_CONFIG_KEY`)
}

// cliFlags holds global flags.
type cliFlags struct {
	ConfigPath string
}

// parseFlags extracts global flags from args and returns the rest.
func parseFlags(args []string) (cliFlags, []string) {
	var flags cliFlags
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			flags.ConfigPath = strings.TrimPrefix(args[i], "--config=")
		default:
			rest = append(rest, args[i])
		}
	}
	if flags.ConfigPath == "" {
		flags.ConfigPath = os.Getenv("CLAWREMOTE_CONFIG")
	}
	if flags.ConfigPath == "" {
		flags.ConfigPath = config.DefaultPath()
	}
	return flags, rest
}

func run(flags cliFlags, cmd command, args []string, out io.Writer) error {
	// 1. Config
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Components
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return cmd.run(ctx, a, args, out)
}
