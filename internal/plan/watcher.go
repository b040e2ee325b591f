package plan

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

// Default device name patterns for the keyboard watcher.
var (
	DefaultPreferred = []string{"Launchkey", "Novation", "Keystation"}
	DefaultExcluded  = []string{"Midi Through", "Through Port", "Dummy"}
)

const rescanInterval = time.Second

// Watcher keeps a connection to a MIDI keyboard across hot-plug and
// hot-unplug. onNote is called from the driver's listener goroutine;
// onDisconnect runs on its own goroutine when the active device is lost.
type Watcher struct {
	Preferred []string
	Excluded  []string

	mu           sync.Mutex
	drv          drivers.Driver
	logger       *slog.Logger
	inPort       drivers.In
	stopFn       func()
	connected    bool
	selectedName string
	lastRescanAt time.Time

	onNote       func(on bool, key int)
	onDisconnect func()
}

// NewWatcher wraps drv; the caller owns drv and closes it after Close.
func NewWatcher(drv drivers.Driver, onNote func(on bool, key int), onDisconnect func(), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Preferred:    DefaultPreferred,
		Excluded:     DefaultExcluded,
		drv:          drv,
		logger:       logger,
		onNote:       onNote,
		onDisconnect: onDisconnect,
	}
}

// Connected returns the selected device name, if any.
func (w *Watcher) Connected() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selectedName, w.connected
}

func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeConn()
}

// Tick rescans at most once per second, connecting to a preferred input and
// noticing when the connected one goes away.
func (w *Watcher) Tick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if !w.lastRescanAt.IsZero() && now.Sub(w.lastRescanAt) < rescanInterval {
		return
	}
	w.lastRescanAt = now

	inputs := w.listInputs()
	if w.connected {
		for _, n := range inputs {
			if n == w.selectedName {
				return
			}
		}
		w.logger.Warn("midi: device disappeared", "device", w.selectedName)
		w.lostLocked()
		return
	}

	cand, ok := pickPreferred(inputs, w.Preferred)
	if !ok {
		return
	}
	if err := w.openByName(cand); err != nil {
		w.logger.Error("midi: connect failed", "device", cand, "err", err)
	}
}

func (w *Watcher) lostLocked() {
	w.closeConn()
	w.lastRescanAt = time.Time{}
	if w.onDisconnect != nil {
		go w.onDisconnect()
	}
}

func (w *Watcher) listInputs() []string {
	ins, err := w.drv.Ins()
	if err != nil {
		w.logger.Error("midi: list inputs failed", "err", err)
		return nil
	}
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	names = filterExcluded(names, w.Excluded)
	w.logger.Debug("midi: inputs found", "count", len(names), "devices", strings.Join(names, ", "))
	return names
}

func filterExcluded(names, excluded []string) []string {
	var out []string
	for _, name := range names {
		if !matchesAny(name, excluded) {
			out = append(out, name)
		}
	}
	return out
}

// pickPreferred returns the first input matching a preferred pattern, in
// pattern order, or the only input when there is exactly one.
func pickPreferred(inputs, preferred []string) (string, bool) {
	for _, pat := range preferred {
		for _, name := range inputs {
			if containsCI(name, pat) {
				return name, true
			}
		}
	}
	if len(inputs) == 1 {
		return inputs[0], true
	}
	return "", false
}

func (w *Watcher) closeConn() {
	if w.stopFn != nil {
		w.stopFn()
		w.stopFn = nil
	}
	if w.inPort != nil {
		_ = w.inPort.Close()
		w.inPort = nil
	}
	w.connected = false
	w.selectedName = ""
}

func (w *Watcher) openByName(name string) error {
	ins, err := w.drv.Ins()
	if err != nil {
		return err
	}
	var found drivers.In
	for _, in := range ins {
		if in.String() == name {
			found = in
			break
		}
	}
	if found == nil {
		return fmt.Errorf("input %q not found", name)
	}
	if err := found.Open(); err != nil {
		return fmt.Errorf("open %q: %w", name, err)
	}

	stop, err := midi.ListenTo(found, func(msg midi.Message, _ int32) {
		var ch, key, vel uint8
		switch {
		case msg.GetNoteStart(&ch, &key, &vel):
			w.onNote(true, int(key))
		case msg.GetNoteEnd(&ch, &key):
			w.onNote(false, int(key))
		default:
			w.logger.Debug("midi: unhandled message", "msg", msg.String())
		}
	}, midi.HandleError(func(listenErr error) {
		w.logger.Warn("midi: listener error", "device", name, "err", listenErr)
		// closeConn must not run on the listener goroutine.
		go func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if w.connected && w.selectedName == name {
				w.lostLocked()
			}
		}()
	}))
	if err != nil {
		_ = found.Close()
		return fmt.Errorf("listen %q: %w", name, err)
	}

	w.inPort = found
	w.stopFn = stop
	w.connected = true
	w.selectedName = name
	w.logger.Info("midi: connected", "device", name)
	return nil
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if containsCI(s, p) {
			return true
		}
	}
	return false
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
