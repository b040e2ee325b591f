package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chase3718/crescendo/internal/config"
)

// -------------------- Logger --------------------

// logger is the package-wide structured logger. Safe to use before initLogger
// is called; defaults to slog.Default().
var logger = slog.Default()

// initLogger configures the shared slog logger and calls slog.SetDefault so
// library packages that fall back to slog.Default() use the same handler.
func initLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: debug, // include file:line in debug mode
	})
	logger = slog.New(h)
	slog.SetDefault(logger)
}

// -------------------- Commands --------------------

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, cfg *config.Root, args []string) error
}

var commands = []command{
	{"live", "track pitch from the serial microphone bridge", runLive},
	{"score", "score a recorded take against an exercise", runScore},
	{"batch", "score every take in a directory", runBatch},
	{"watch", "score takes as they appear in a directory", runWatch},
	{"record-plan", "record an exercise from a MIDI keyboard", runRecordPlan},
	{"attempts", "list stored attempts", runAttempts},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: crescendo [-config file] [-debug] <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", c.name, c.summary)
	}
}

func main() {
	configPath := flag.String("config", "", "YAML config file (default $"+config.EnvPath+")")
	debug := flag.Bool("debug", false, "enable debug logging (adds source location)")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		initLogger(*debug)
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}
	initLogger(*debug || cfg.Debug)

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	name, args := flag.Arg(0), flag.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, c := range commands {
		if c.name != name {
			continue
		}
		logger.Debug("crescendo starting", "command", name, "sample_rate", cfg.Audio.SampleRate,
			"frame_size", cfg.Audio.FrameSize, "hop_size", cfg.Audio.HopSize, "mailbox", cfg.Pitch.UseMailbox)
		if err := c.run(ctx, cfg, args); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error(name+" failed", "err", err)
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
	usage()
	os.Exit(2)
}
