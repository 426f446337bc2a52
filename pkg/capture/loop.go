// Package capture runs the periodic capture-and-caption loop.
//
// A Loop samples its camera source on a fixed interval, sends each frame to
// a Predictor and keeps only the latest caption. At most one prediction is
// outstanding per Loop: ticks that arrive while a call is in flight are
// dropped, not queued. Results that arrive after Stop, Reset or a source
// change are discarded.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-caption/pkg/camera"
	"github.com/teslashibe/go-caption/pkg/inference"
)

// DefaultInterval is the capture period used when none is configured.
const DefaultInterval = time.Second

// FrameSource takes one frame from a camera source without blocking.
type FrameSource interface {
	Capture(src camera.Source) (camera.Frame, error)
}

// Config holds loop configuration.
type Config struct {
	// Interval is the capture period.
	Interval time.Duration

	// Logger receives skip, failure and stale-result events.
	Logger *slog.Logger

	// OnError is called for every failed prediction.
	OnError func(error)
}

// Option is a functional option for configuring a Loop.
type Option func(*Config)

// WithInterval sets the capture period.
func WithInterval(d time.Duration) Option {
	return func(c *Config) { c.Interval = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithErrorHandler sets a hook for failed predictions.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Config) { c.OnError = fn }
}

// Loop is the capture state machine. It is safe for concurrent use.
type Loop struct {
	frames    FrameSource
	predictor inference.Predictor
	interval  time.Duration
	logger    *slog.Logger
	onError   func(error)
	state     *State

	// mu guards the fields below and serialises state writes so a stale
	// result can never land after Stop has published Idle. State
	// subscribers therefore must not call back into the Loop.
	mu         sync.Mutex
	ctx        context.Context
	task       *task
	source     camera.Source
	inFlight   bool
	generation uint64
}

// New creates an idle loop with no source selected.
func New(frames FrameSource, predictor inference.Predictor, opts ...Option) *Loop {
	cfg := Config{Interval: DefaultInterval, Logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Loop{
		frames:    frames,
		predictor: predictor,
		interval:  cfg.Interval,
		logger:    cfg.Logger.With("component", "capture.loop"),
		onError:   cfg.OnError,
		state:     newState(),
		ctx:       context.Background(),
	}
}

// State returns the observable state.
func (l *Loop) State() *State { return l.state }

// Interval returns the capture period.
func (l *Loop) Interval() time.Duration { return l.interval }

// Running reports whether ticks are scheduled.
func (l *Loop) Running() bool {
	return l.state.Snapshot().Status == StatusRunning
}

// Source returns the selected camera source.
func (l *Loop) Source() camera.Source {
	return l.state.Snapshot().Source
}

// Start schedules capturing. Calling Start while running is a no-op.
// ctx bounds the loop and every prediction it makes; cancelling it has the
// same effect on scheduling as Stop.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.task != nil {
		return
	}

	t := startTask(ctx, l.interval, l.tick)
	t.unwatch = context.AfterFunc(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.task == t {
			l.stopLocked()
		}
	})

	l.ctx = ctx
	l.task = t
	l.state.update(func(s *Snapshot) { s.Status = StatusRunning })
	l.logger.Info("capture started", "interval", l.interval, "source", l.source.String())
}

// Stop cancels the schedule. A prediction already in flight is not
// cancelled, but its result is discarded. Calling Stop while idle is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Loop) stopLocked() {
	if l.task == nil {
		return
	}

	l.task.stop()
	l.task = nil
	l.generation++
	// InFlight stays set until the abandoned call returns and frees the
	// slot; ticks after a restart are skipped until then.
	l.state.update(func(s *Snapshot) { s.Status = StatusIdle })
	l.logger.Info("capture stopped")
}

// Reset stops the loop and clears the source and caption.
func (l *Loop) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopLocked()
	l.source = camera.None()
	l.generation++
	l.state.update(func(s *Snapshot) {
		s.Source = camera.None()
		s.Caption = ""
		s.HasCaption = false
		s.LastError = ""
	})
}

// SetSource selects the camera. While running, the change applies from the
// next tick and any result still pending for the old source is discarded.
func (l *Loop) SetSource(src camera.Source) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if src == l.source {
		return
	}
	l.source = src
	l.generation++
	l.state.update(func(s *Snapshot) { s.Source = src })
	l.logger.Info("source selected", "source", src.String())
}

// tick runs one capture cycle. It never panics and never returns an error:
// every failure is handled here.
func (l *Loop) tick() {
	gen, src, ctx, ok := l.acquire()
	if !ok {
		return
	}
	defer l.release()

	frame, err := l.frames.Capture(src)
	if err != nil {
		l.skip(err)
		return
	}

	l.state.update(func(s *Snapshot) { s.InFlight = true })

	res, err := l.predict(ctx, frame)
	l.apply(gen, res, err)
}

// acquire reserves the in-flight slot. It fails when the loop is idle,
// busy, or has no usable source.
func (l *Loop) acquire() (uint64, camera.Source, context.Context, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.task == nil {
		return 0, camera.Source{}, nil, false
	}
	if l.inFlight {
		l.logger.Debug("tick skipped", "reason", "busy")
		return 0, camera.Source{}, nil, false
	}
	if err := l.source.Validate(); err != nil {
		l.logger.Debug("tick skipped", "reason", err)
		return 0, camera.Source{}, nil, false
	}

	l.inFlight = true
	return l.generation, l.source, l.ctx, true
}

// release frees the in-flight slot. A stale call's result is discarded
// by apply, so InFlight is cleared here.
func (l *Loop) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inFlight = false
	if l.state.Snapshot().InFlight {
		l.state.update(func(s *Snapshot) { s.InFlight = false })
	}
}

func (l *Loop) skip(err error) {
	switch {
	case errors.Is(err, camera.ErrNoFrame), errors.Is(err, camera.ErrInvalidSource):
		l.logger.Debug("tick skipped", "reason", err)
	default:
		l.logger.Warn("capture failed", "error", err)
	}
}

// predict calls the predictor, turning panics into errors.
func (l *Loop) predict(ctx context.Context, frame camera.Frame) (res *inference.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: predictor panic: %v", inference.ErrInferenceFailure, r)
		}
	}()

	res, err = l.predictor.Predict(ctx, frame)
	if err == nil && res == nil {
		err = fmt.Errorf("%w: empty result", inference.ErrInferenceFailure)
	}
	return res, err
}

func (l *Loop) apply(gen uint64, res *inference.Result, err error) {
	l.mu.Lock()

	if gen != l.generation || l.task == nil {
		l.mu.Unlock()
		l.logger.Debug("stale result discarded", "error", err)
		return
	}

	if err != nil {
		l.state.update(func(s *Snapshot) {
			s.InFlight = false
			s.LastError = err.Error()
			s.Failures++
		})
		l.mu.Unlock()

		l.logger.Warn("prediction failed", "error", err)
		if l.onError != nil {
			l.onError(err)
		}
		return
	}

	l.state.update(func(s *Snapshot) {
		s.InFlight = false
		s.Caption = res.Caption
		s.HasCaption = true
		s.LastError = ""
		s.Predicted++
	})
	l.mu.Unlock()

	l.logger.Debug("caption updated", "caption", res.Caption, "latency_ms", res.Latency.Milliseconds())
}
