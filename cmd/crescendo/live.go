package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/chase3718/crescendo/internal/capture"
	"github.com/chase3718/crescendo/internal/config"
	"github.com/chase3718/crescendo/internal/pitch"
	"github.com/chase3718/crescendo/internal/session"
	"github.com/chase3718/crescendo/internal/store"
)

// devices arbitrates the physical microphone bridge for this process.
var devices = session.NewArbiter()

// runLive tracks the serial microphone until interrupted, printing the
// nearest note as it goes. With -plan the take is scored on exit.
func runLive(ctx context.Context, cfg *config.Root, args []string) error {
	fs := flag.NewFlagSet("live", flag.ExitOnError)
	device := fs.String("serial", cfg.Serial.Device, "serial port device")
	baud := fs.Int("baud", cfg.Serial.Baud, "serial baud rate")
	var tf takeFlags
	tf.register(fs)
	fs.Parse(args)

	var sc *scorer
	if tf.plan != "" {
		var err error
		if sc, err = tf.scorer(cfg); err != nil {
			return err
		}
	}

	lease, err := devices.Acquire("live:" + *device)
	if err != nil {
		return err
	}
	src := capture.NewSerialSource(*device, *baud, cfg.Audio.SampleRate, logger)
	sess, err := session.New(lease, src, newDetector(cfg), sessionOptions(cfg))
	if err != nil {
		lease.Release()
		return err
	}
	defer sess.Stop()

	updates, cancel := sess.History().Subscribe(cfg.Pitch.HistorySize)
	defer cancel()
	go printLive(updates)

	logger.Info("live: listening", "serial", *device, "baud", *baud, "sample_rate", cfg.Audio.SampleRate)
	err = sess.Run(ctx)
	fmt.Println()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if st, ok := sess.MailboxStats(); ok {
		logger.Info("live: detection offload", "submitted", st.Submitted, "dropped", st.Dropped, "avg_compute", st.AvgCompute)
	}
	if sc == nil {
		return nil
	}

	// Live takes have no reference track; the configured fallback covers
	// the device round trip.
	offsetMs := cfg.Align.FallbackMs + sc.ex.Lead*1000
	res := sess.Finish(sc.ex.Notes, offsetMs)
	a := store.NewAttempt(sc.ex.Name, sc.ex.Notes, sc.fallbackEstimate(), offsetMs, res)
	if sc.store != nil {
		if err := sc.store.Save(a); err != nil {
			return err
		}
	}
	printAttempt(os.Stdout, a)
	return nil
}

func printLive(frames <-chan pitch.Frame) {
	for f := range frames {
		if !f.Voiced() {
			fmt.Printf("\r%8.2fs   --                      ", f.Time)
			continue
		}
		nearest := math.Round(*f.MIDI)
		cents := (*f.MIDI - nearest) * 100
		fmt.Printf("\r%8.2fs  %-4s %+6.1f cents %7.1f Hz", f.Time, pitch.NoteName(int(nearest)), cents, *f.Hz)
	}
}
