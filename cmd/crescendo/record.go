package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/chase3718/crescendo/internal/config"
	"github.com/chase3718/crescendo/internal/plan"
)

// runRecordPlan records notes played on a MIDI keyboard until interrupted
// and writes them out as a YAML exercise.
func runRecordPlan(ctx context.Context, _ *config.Root, args []string) error {
	fs := flag.NewFlagSet("record-plan", flag.ExitOnError)
	out := fs.String("out", "exercise.yaml", "output plan file")
	name := fs.String("name", "recorded", "exercise name")
	low := fs.Int("low", 0, "fold recorded notes into [low, high]")
	high := fs.Int("high", 0, "")
	fs.Parse(args)

	drv, err := rtmididrv.New()
	if err != nil {
		return fmt.Errorf("rtmididrv: %w", err)
	}
	defer drv.Close()

	rec := plan.NewRecorder(nil, logger)
	onDisconnect := func() {
		logger.Warn("midi: keyboard lost, releasing held note")
		rec.Release()
	}
	watcher := plan.NewWatcher(drv, rec.OnNote, onDisconnect, logger)
	defer watcher.Close()

	logger.Info("record-plan: waiting for MIDI keyboard, Ctrl-C to finish", "out", *out)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	watcher.Tick()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			watcher.Tick()
		}
	}
	watcher.Close()
	rec.Release()

	ex := rec.Exercise(*name)
	if len(ex.Notes) == 0 {
		return errors.New("no notes recorded")
	}
	if *low > 0 && *high > 0 {
		if ex, err = plan.FitRange(ex, plan.Range{Low: *low, High: *high}, logger); err != nil {
			return err
		}
	}
	if err := plan.SaveYAML(*out, ex); err != nil {
		return err
	}
	logger.Info("record-plan: saved", "out", *out, "notes", len(ex.Notes), "seconds", fmt.Sprintf("%.2f", ex.Duration()))
	return nil
}
