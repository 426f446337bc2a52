package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Device is a local capture device that buffers its most recent frame.
type Device interface {
	// Latest returns the most recent JPEG frame without blocking.
	// ok is false until the device has produced a frame.
	Latest() (jpeg []byte, ok bool)

	// Close releases the device.
	Close() error
}

// Opener opens a local device by id.
type Opener func(deviceID string, cfg Config) (Device, error)

// Device open retries back off from openBackoffMin, doubling up to
// openBackoffMax.
const (
	openBackoffMin = time.Second
	openBackoffMax = 30 * time.Second
)

var (
	errNoOpener      = errors.New("local capture not available")
	errDeviceOpening = errors.New("device opening")
	errGrabberClosed = errors.New("grabber closed")
)

// deviceSlot tracks one local device through opening, retry and use.
type deviceSlot struct {
	dev      Device
	opening  bool
	err      error
	retryAt  time.Time
	failures int
}

// Grabber captures frames from whichever Source it is handed.
// Local devices are opened in the background on first use and kept open
// until Close. A failed open is retried with backoff.
type Grabber struct {
	open   Opener
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	devices map[string]*deviceSlot
	closed  bool
}

// NewGrabber creates a grabber that opens local devices with open.
// A nil open disables local capture: Local sources yield ErrNoFrame.
func NewGrabber(open Opener, cfg Config, logger *slog.Logger) *Grabber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Grabber{
		open:    open,
		config:  cfg,
		logger:  logger.With("component", "camera.grabber"),
		now:     time.Now,
		devices: make(map[string]*deviceSlot),
	}
}

// Capture takes one frame from src.
// It never blocks on device I/O and never retries. A local device that is
// still opening yields ErrNoFrame.
func (g *Grabber) Capture(src Source) (Frame, error) {
	if err := src.Validate(); err != nil {
		return Frame{}, err
	}

	switch src.Kind() {
	case KindRemote:
		url, err := src.SnapshotURL()
		if err != nil {
			return Frame{}, err
		}
		return Frame{Source: src, URL: url, CapturedAt: g.now()}, nil

	case KindLocal:
		dev, err := g.device(src.DeviceID())
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrNoFrame, err)
		}
		jpeg, ok := dev.Latest()
		if !ok || len(jpeg) == 0 {
			return Frame{}, ErrNoFrame
		}
		return Frame{Source: src, JPEG: jpeg, CapturedAt: g.now()}, nil
	}

	return Frame{}, ErrInvalidSource
}

// Latest returns the newest buffered frame of an already opened device.
// It does not open devices.
func (g *Grabber) Latest(deviceID string) ([]byte, bool) {
	g.mu.Lock()
	slot, ok := g.devices[deviceID]
	var dev Device
	if ok {
		dev = slot.dev
	}
	g.mu.Unlock()
	if dev == nil {
		return nil, false
	}
	return dev.Latest()
}

// device returns the open device for id, starting a background open when
// none is open, none is opening and the retry delay has passed.
func (g *Grabber) device(id string) (Device, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.open == nil {
		return nil, errNoOpener
	}
	if g.closed {
		return nil, errGrabberClosed
	}

	slot, ok := g.devices[id]
	if !ok {
		slot = &deviceSlot{}
		g.devices[id] = slot
	}

	switch {
	case slot.dev != nil:
		return slot.dev, nil
	case slot.opening:
		return nil, errDeviceOpening
	case slot.failures > 0 && g.now().Before(slot.retryAt):
		return nil, slot.err
	}

	slot.opening = true
	go g.openDevice(id, slot)
	return nil, errDeviceOpening
}

func (g *Grabber) openDevice(id string, slot *deviceSlot) {
	dev, err := g.open(id, g.config)

	g.mu.Lock()
	defer g.mu.Unlock()

	slot.opening = false
	if g.closed {
		if dev != nil {
			dev.Close()
		}
		return
	}

	if err != nil {
		slot.failures++
		slot.err = err
		delay := openBackoff(slot.failures)
		slot.retryAt = g.now().Add(delay)
		if slot.failures == 1 {
			g.logger.Warn("open device failed", "device", id, "error", err, "retry_in", delay)
		} else {
			g.logger.Debug("open device failed", "device", id, "error", err,
				"attempts", slot.failures, "retry_in", delay)
		}
		return
	}

	slot.dev = dev
	slot.err = nil
	slot.failures = 0
	g.logger.Info("device opened", "device", id)
}

// openBackoff returns the retry delay after the n-th consecutive failure.
func openBackoff(n int) time.Duration {
	d := openBackoffMin
	for i := 1; i < n && d < openBackoffMax; i++ {
		d *= 2
	}
	if d > openBackoffMax {
		d = openBackoffMax
	}
	return d
}

// Close releases every opened device. Devices still opening are released
// as soon as their open returns.
func (g *Grabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	var firstErr error
	for id, slot := range g.devices {
		if slot.dev != nil {
			if err := slot.dev.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close device %s: %w", id, err)
			}
		}
		delete(g.devices, id)
	}
	return firstErr
}
