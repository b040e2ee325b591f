package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable consulted by Load when no explicit
// path is given.
const EnvPath = "CRESCENDO_CONFIG"

type Audio struct {
	SampleRate int `yaml:"sample_rate"`
	FrameSize  int `yaml:"frame_size"`
	HopSize    int `yaml:"hop_size"`
	ChunkSize  int `yaml:"chunk_size"` // samples per delivery when replaying files
}

type Declick struct {
	Threshold float64 `yaml:"threshold"`
	RampLen   int     `yaml:"ramp_len"`
}

type Pitch struct {
	Gate         float64       `yaml:"gate"`
	Alpha        float64       `yaml:"alpha"`
	MinHz        float64       `yaml:"min_hz"`
	MaxHz        float64       `yaml:"max_hz"`
	Clarity      float64       `yaml:"clarity"`
	ResetAfter   time.Duration `yaml:"reset_after"` // 0 keeps smoothing across unvoiced gaps
	StallTimeout time.Duration `yaml:"stall_timeout"`
	HistorySize  int           `yaml:"history_size"`
	UseMailbox   bool          `yaml:"use_mailbox"`
}

type Mailbox struct {
	EWMAAlpha float64 `yaml:"ewma_alpha"`
}

type Align struct {
	Strategy     string  `yaml:"strategy"` // auto|chirp|xcorr
	WindowSec    float64 `yaml:"window_sec"`
	MinLagSec    float64 `yaml:"min_lag_sec"`
	MaxLagSec    float64 `yaml:"max_lag_sec"`
	LagStride    int     `yaml:"lag_stride"`
	SampleStride int     `yaml:"sample_stride"`
	PeakAccept   float64 `yaml:"peak_accept"`
	Refine       bool    `yaml:"refine"`
	FallbackMs   float64 `yaml:"fallback_ms"`
}

type Supervisor struct {
	Backoff     time.Duration `yaml:"backoff"`
	MaxRestarts int           `yaml:"max_restarts"` // negative disables restarts
	StableAfter time.Duration `yaml:"stable_after"`
}

type Serial struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type Paths struct {
	Attempts string `yaml:"attempts"`
}

type Root struct {
	Debug      bool       `yaml:"debug"`
	Audio      Audio      `yaml:"audio"`
	Declick    Declick    `yaml:"declick"`
	Pitch      Pitch      `yaml:"pitch"`
	Mailbox    Mailbox    `yaml:"mailbox"`
	Align      Align      `yaml:"align"`
	Supervisor Supervisor `yaml:"supervisor"`
	Serial     Serial     `yaml:"serial"`
	Paths      Paths      `yaml:"paths"`
}

func Default() *Root {
	return &Root{
		Audio: Audio{
			SampleRate: 44100,
			FrameSize:  2048,
			HopSize:    512,
			ChunkSize:  1024,
		},
		Declick: Declick{Threshold: 0.04, RampLen: 32},
		Pitch: Pitch{
			Gate:         0.01,
			Alpha:        0.3,
			MinHz:        80,
			MaxHz:        1000,
			Clarity:      0.6,
			StallTimeout: 2500 * time.Millisecond,
			HistorySize:  256,
		},
		Mailbox: Mailbox{EWMAAlpha: 0.1},
		Align: Align{
			Strategy:     "auto",
			WindowSec:    3,
			MinLagSec:    -0.1,
			MaxLagSec:    0.5,
			LagStride:    4,
			SampleStride: 4,
			PeakAccept:   0.5,
		},
		Supervisor: Supervisor{
			Backoff:     400 * time.Millisecond,
			MaxRestarts: 3,
			StableAfter: 5 * time.Second,
		},
		Serial: Serial{Device: "/dev/ttyACM0", Baud: 921600},
		Paths:  Paths{Attempts: "attempts"},
	}
}

// Load reads a YAML file on top of Default. An empty path falls back to
// $CRESCENDO_CONFIG; if that is unset too the defaults are returned.
func Load(path string) (*Root, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Root) Validate() error {
	var errs []error
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, errors.New("audio.sample_rate must be positive"))
	}
	if c.Audio.FrameSize <= 0 {
		errs = append(errs, errors.New("audio.frame_size must be positive"))
	}
	if c.Audio.HopSize <= 0 || c.Audio.HopSize > c.Audio.FrameSize {
		errs = append(errs, errors.New("audio.hop_size must be in (0, frame_size]"))
	}
	if c.Pitch.Alpha <= 0 || c.Pitch.Alpha > 1 {
		errs = append(errs, errors.New("pitch.alpha must be in (0, 1]"))
	}
	if c.Pitch.MinHz <= 0 || c.Pitch.MaxHz <= c.Pitch.MinHz {
		errs = append(errs, errors.New("pitch.min_hz/max_hz out of order"))
	}
	if c.Pitch.HistorySize <= 0 {
		errs = append(errs, errors.New("pitch.history_size must be positive"))
	}
	switch c.Align.Strategy {
	case "auto", "chirp", "xcorr":
	default:
		errs = append(errs, fmt.Errorf("align.strategy %q unknown", c.Align.Strategy))
	}
	if c.Align.MaxLagSec < c.Align.MinLagSec {
		errs = append(errs, errors.New("align.max_lag_sec below min_lag_sec"))
	}
	return errors.Join(errs...)
}
