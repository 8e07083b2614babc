// Command regirq-sim attaches a register-mapped interrupt controller to an
// emulated interrupt block and drives it with random interrupt injections.
package main

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

//go:embed example.yaml
var defaultConfig []byte

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "simulator YAML file (defaults to the built-in example)")
	n := fs.Int("n", 1000, "the number of interrupts to inject")
	workers := fs.Int("workers", 4, "the number of goroutines injecting interrupts")
	seed := fs.Uint64("seed", uint64(time.Now().UnixNano()), "random seed for source selection")
	debug := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse args: %w", err)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	var (
		cfg *simConfig
		err error
	)
	if *configPath != "" {
		cfg, err = loadSimConfig(*configPath)
	} else {
		cfg, err = parseSimConfig(defaultConfig)
	}
	if err != nil {
		return err
	}

	sim, err := newSimulator(cfg, log)
	if err != nil {
		return err
	}
	defer sim.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Progress goes to stderr and only when someone is watching.
	var pb *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) && !*debug {
		pb = progressbar.Default(int64(*n), "injecting")
	} else {
		pb = progressbar.DefaultSilent(int64(*n))
	}
	defer pb.Close()

	start := time.Now()
	if err := sim.inject(ctx, *n, *workers, *seed, func() { pb.Add(1) }); err != nil {
		return fmt.Errorf("failed to inject interrupts: %w", err)
	}
	pb.Finish()
	log.Info("sim: done", "injections", *n, "workers", *workers, "seed", *seed, "elapsed", time.Since(start))

	return sim.report(os.Stdout)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "regirq-sim: %v\n", err)
		os.Exit(1)
	}
}
