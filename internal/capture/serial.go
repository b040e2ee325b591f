package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.bug.st/serial"
)

// SerialSource reads framed PCM16 packets from a microphone bridge on a
// serial port (see Packet).
type SerialSource struct {
	Device string
	Baud   int
	Rate   int
	Logger *slog.Logger

	openPort func(name string, mode *serial.Mode) (serial.Port, error)
}

func NewSerialSource(device string, baud, sampleRate int, logger *slog.Logger) *SerialSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SerialSource{
		Device:   device,
		Baud:     baud,
		Rate:     sampleRate,
		Logger:   logger,
		openPort: serial.Open,
	}
}

func (s *SerialSource) SampleRate() int { return s.Rate }

// Start opens the port. Open failures map to ErrPermissionDenied or
// ErrStreamInit; read failures after that arrive as Delivery errors.
func (s *SerialSource) Start(ctx context.Context) (<-chan Delivery, error) {
	p, err := s.openPort(s.Device, &serial.Mode{BaudRate: s.Baud})
	if err != nil {
		s.Logger.Error("serial: failed to open port", "device", s.Device, "baud", s.Baud, "err", err)
		var pe *serial.PortError
		if errors.As(err, &pe) && pe.Code() == serial.PermissionDenied {
			return nil, fmt.Errorf("%w: %s: %w", ErrPermissionDenied, s.Device, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrStreamInit, s.Device, err)
	}
	s.Logger.Info("serial: port opened", "device", s.Device, "baud", s.Baud)
	return streamPackets(ctx, p, s.Logger), nil
}

// streamPackets pumps packets from rc until it fails or ctx ends, then closes rc.
func streamPackets(ctx context.Context, rc io.ReadCloser, logger *slog.Logger) <-chan Delivery {
	out := make(chan Delivery)
	pr := NewPacketReader(rc)

	// Closing the port is the only way to unblock a pending read.
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })

	go func() {
		defer close(out)
		defer func() {
			if stop() {
				_ = rc.Close()
			}
			logger.Info("serial: closing port", "corrupt_packets", pr.Corrupt())
		}()
		for {
			samples, err := pr.Next()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				select {
				case out <- Delivery{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- Delivery{Samples: samples}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
