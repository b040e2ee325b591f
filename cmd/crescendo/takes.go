package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/chase3718/crescendo/internal/config"
	"github.com/chase3718/crescendo/internal/store"
)

// takeFlags are shared by score, batch and watch.
type takeFlags struct {
	plan      string
	ref       string
	low, high int
	noSave    bool
}

func (t *takeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&t.plan, "plan", "", "exercise plan (.yaml or .mid)")
	fs.StringVar(&t.ref, "ref", "", "reference WAV used to align takes")
	fs.IntVar(&t.low, "low", 0, "lowest comfortable MIDI note (with -high, folds the plan into range)")
	fs.IntVar(&t.high, "high", 0, "highest comfortable MIDI note")
	fs.BoolVar(&t.noSave, "no-save", false, "do not store attempts")
}

func (t *takeFlags) scorer(cfg *config.Root) (*scorer, error) {
	if t.plan == "" {
		return nil, errors.New("-plan is required")
	}
	ex, err := loadExercise(t.plan, t.low, t.high)
	if err != nil {
		return nil, err
	}
	s := &scorer{cfg: cfg, ex: ex, ref: t.ref, det: newDetector(cfg)}
	if !t.noSave {
		dir, err := store.NewDir(cfg.Paths.Attempts)
		if err != nil {
			return nil, err
		}
		s.store = dir
	}
	return s, nil
}

func isTake(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}

func runScore(ctx context.Context, cfg *config.Root, args []string) error {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	var tf takeFlags
	tf.register(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: crescendo score -plan file [-ref ref.wav] take.wav")
	}
	s, err := tf.scorer(cfg)
	if err != nil {
		return err
	}
	a, err := s.scoreTake(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	printAttempt(os.Stdout, a)
	return nil
}

func runBatch(ctx context.Context, cfg *config.Root, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	var tf takeFlags
	tf.register(fs)
	workers := fs.Int("workers", 0, "parallel takes (default NumCPU-1)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: crescendo batch -plan file [-ref ref.wav] dir")
	}
	s, err := tf.scorer(cfg)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(fs.Arg(0))
	if err != nil {
		return err
	}
	var takes []string
	for _, e := range entries {
		if !e.IsDir() && isTake(e.Name()) {
			takes = append(takes, filepath.Join(fs.Arg(0), e.Name()))
		}
	}
	if len(takes) == 0 {
		return fmt.Errorf("no .wav takes in %s", fs.Arg(0))
	}

	p := mpb.New(mpb.WithWidth(64))
	bar := p.AddBar(int64(len(takes)),
		mpb.PrependDecorators(
			decor.Name("Scoring: "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
	)

	w := *workers
	if w <= 0 {
		w = max(runtime.NumCPU()-1, 1)
	}
	type result struct {
		attempt store.Attempt
		err     error
	}
	jobs := make(chan string, len(takes))
	results := make(chan result, len(takes))
	var wg sync.WaitGroup
	for i := 0; i < w; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				start := time.Now()
				a, err := s.scoreTake(ctx, path)
				results <- result{attempt: a, err: err}
				bar.EwmaIncrement(time.Since(start))
			}
		}()
	}
	for _, t := range takes {
		jobs <- t
	}
	close(jobs)
	wg.Wait()
	close(results)
	p.Wait()

	var done []store.Attempt
	var errs []error
	for r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		done = append(done, r.attempt)
	}
	sort.Slice(done, func(i, j int) bool { return done[i].Take < done[j].Take })
	for _, a := range done {
		fmt.Printf("%-32s %5.1f %s\n", filepath.Base(a.Take), a.Result.Score, strings.Repeat("*", a.Result.Stars))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Join(errs...)
}

// runWatch scores each new take once its file has been quiet for -settle.
func runWatch(ctx context.Context, cfg *config.Root, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var tf takeFlags
	tf.register(fs)
	settle := fs.Duration("settle", 750*time.Millisecond, "wait this long after the last write before scoring")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: crescendo watch -plan file [-ref ref.wav] dir")
	}
	s, err := tf.scorer(cfg)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(fs.Arg(0)); err != nil {
		return fmt.Errorf("watch %s: %w", fs.Arg(0), err)
	}
	logger.Info("watching for takes", "dir", fs.Arg(0), "plan", s.ex.Name)

	ready := make(chan string, 16)
	settled := newDebouncer(*settle, func(path string) {
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
	defer settled.stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case path := <-ready:
				a, err := s.scoreTake(ctx, path)
				if err != nil {
					logger.Error("scoring failed", "take", path, "err", err)
					continue
				}
				printAttempt(os.Stdout, a)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTake(event.Name) || !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			settled.touch(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "err", err)
		}
	}
}

// debouncer calls fire for a key once no touch has arrived for wait. Keys are
// forgotten when they fire, so a later touch schedules a fresh call.
type debouncer struct {
	wait time.Duration
	fire func(key string)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newDebouncer(wait time.Duration, fire func(string)) *debouncer {
	return &debouncer{wait: wait, fire: fire, timers: map[string]*time.Timer{}}
}

func (d *debouncer) touch(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[key]; ok && t.Stop() {
		t.Reset(d.wait)
		return
	}
	// A timer that already fired but has not taken the lock yet sees the
	// replacement below and stands down.
	var t *time.Timer
	t = time.AfterFunc(d.wait, func() {
		d.mu.Lock()
		if d.timers[key] != t {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		d.fire(key)
	})
	d.timers[key] = t
}

func (d *debouncer) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}

func runAttempts(_ context.Context, cfg *config.Root, args []string) error {
	fs := flag.NewFlagSet("attempts", flag.ExitOnError)
	verbose := fs.Bool("v", false, "print per-note results")
	fs.Parse(args)

	dir, err := store.NewDir(cfg.Paths.Attempts)
	if err != nil {
		return err
	}
	list, err := dir.List()
	if err != nil {
		return err
	}
	for _, a := range list {
		if *verbose {
			printAttempt(os.Stdout, a)
			continue
		}
		fmt.Printf("%s  %s  %-20s %5.1f %s\n", a.ID, a.CreatedAt.Local().Format(time.DateTime),
			a.Exercise, a.Result.Score, strings.Repeat("*", a.Result.Stars))
	}
	return nil
}
