package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/go-caption/pkg/camera"
	"github.com/teslashibe/go-caption/pkg/inference"
)

type fakeFrames struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeFrames) Capture(src camera.Source) (camera.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return camera.Frame{}, f.err
	}
	if err := src.Validate(); err != nil {
		return camera.Frame{}, err
	}
	return camera.Frame{Source: src, URL: "http://cam/shot.jpg", CapturedAt: time.Now()}, nil
}

func (f *fakeFrames) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// blockingMock answers with the next caption sent on release.
func blockingMock(release <-chan string) *inference.Mock {
	return &inference.Mock{
		PredictFunc: func(ctx context.Context, frame camera.Frame) (*inference.Result, error) {
			select {
			case caption := <-release:
				return &inference.Result{Caption: caption}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// manualLoop returns a running loop whose ticker never fires on its own,
// so tests drive ticks by hand.
func manualLoop(t *testing.T, predictor inference.Predictor) (*Loop, *fakeFrames) {
	t.Helper()
	frames := &fakeFrames{}
	l := New(frames, predictor, WithInterval(time.Hour))
	l.SetSource(camera.Remote("http://cam"))
	l.Start(context.Background())
	t.Cleanup(l.Stop)
	return l, frames
}

func TestStartIsIdempotent(t *testing.T) {
	l := New(&fakeFrames{}, inference.NewMock("x"), WithInterval(time.Hour))
	defer l.Stop()

	l.Start(context.Background())
	first := l.task

	l.Start(context.Background())
	if l.task != first {
		t.Error("second Start should keep the existing task")
	}
	if !l.Running() {
		t.Error("loop should be running")
	}
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	l := New(&fakeFrames{}, inference.NewMock("x"))

	var notified atomic.Int32
	l.State().Subscribe(func(Snapshot) { notified.Add(1) })

	l.Stop()
	l.Stop()

	if notified.Load() != 0 {
		t.Errorf("Stop on idle loop notified %d times", notified.Load())
	}
	if l.Running() {
		t.Error("loop should be idle")
	}
}

func TestTickUpdatesCaption(t *testing.T) {
	mock := inference.NewMock("a person waving")
	l, _ := manualLoop(t, mock)

	l.tick()

	snap := l.State().Snapshot()
	if snap.Caption != "a person waving" || !snap.HasCaption {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.InFlight {
		t.Error("InFlight should be cleared after the tick")
	}
	if snap.Predicted != 1 {
		t.Errorf("Predicted = %d, want 1", snap.Predicted)
	}

	call := mock.Calls()[0]
	if call.Frame.URL != "http://cam/shot.jpg" {
		t.Errorf("frame URL = %q", call.Frame.URL)
	}
}

func TestTickSkipsWithoutSource(t *testing.T) {
	mock := inference.NewMock("x")
	frames := &fakeFrames{}
	l := New(frames, mock, WithInterval(time.Hour))
	l.Start(context.Background())
	defer l.Stop()

	l.tick()
	l.SetSource(camera.Selecting())
	l.tick()
	l.SetSource(camera.Remote(" "))
	l.tick()

	if mock.CallCount() != 0 {
		t.Errorf("predict called %d times without a usable source", mock.CallCount())
	}
	if frames.calls != 0 {
		t.Errorf("capture called %d times without a usable source", frames.calls)
	}
}

func TestTickSkipsWhenIdle(t *testing.T) {
	mock := inference.NewMock("x")
	l := New(&fakeFrames{}, mock)
	l.SetSource(camera.Remote("http://cam"))

	l.tick()

	if mock.CallCount() != 0 {
		t.Error("idle loop should not predict")
	}
}

func TestTickSkipsNoFrame(t *testing.T) {
	mock := inference.NewMock("x")
	l, frames := manualLoop(t, mock)

	frames.setErr(camera.ErrNoFrame)
	l.tick()
	if mock.CallCount() != 0 {
		t.Fatal("predict should not run without a frame")
	}
	if l.State().Snapshot().LastError != "" {
		t.Error("a missing frame is not an error")
	}

	// The slot must be released so the next tick proceeds.
	frames.setErr(nil)
	l.tick()
	if mock.CallCount() != 1 {
		t.Errorf("CallCount = %d, want 1", mock.CallCount())
	}
}

func TestTickSkipsWhileBusy(t *testing.T) {
	release := make(chan string)
	mock := blockingMock(release)
	l, _ := manualLoop(t, mock)

	done := make(chan struct{})
	go func() {
		l.tick()
		close(done)
	}()
	waitFor(t, "first prediction", func() bool { return mock.InFlight() == 1 })

	l.tick() // dropped
	l.tick() // dropped

	release <- "done"
	<-done

	if mock.CallCount() != 1 {
		t.Errorf("CallCount = %d, want 1", mock.CallCount())
	}
	if mock.MaxInFlight() != 1 {
		t.Errorf("MaxInFlight = %d, want 1", mock.MaxInFlight())
	}
}

func TestFailureKeepsPreviousCaption(t *testing.T) {
	var fail atomic.Bool
	mock := &inference.Mock{
		PredictFunc: func(ctx context.Context, frame camera.Frame) (*inference.Result, error) {
			if fail.Load() {
				return nil, &inference.APIError{StatusCode: 500, Message: "boom"}
			}
			return &inference.Result{Caption: "A"}, nil
		},
	}

	var reported []error
	frames := &fakeFrames{}
	l := New(frames, mock, WithInterval(time.Hour), WithErrorHandler(func(err error) {
		reported = append(reported, err)
	}))
	l.SetSource(camera.Remote("http://cam"))
	l.Start(context.Background())
	defer l.Stop()

	l.tick()
	fail.Store(true)
	l.tick()

	snap := l.State().Snapshot()
	if snap.Caption != "A" {
		t.Errorf("Caption = %q, want A", snap.Caption)
	}
	if snap.LastError == "" || snap.Failures != 1 {
		t.Errorf("failure not recorded: %+v", snap)
	}
	if len(reported) != 1 || !errors.Is(reported[0], inference.ErrInferenceFailure) {
		t.Errorf("reported = %v", reported)
	}

	// Loop keeps working after the failure.
	fail.Store(false)
	l.tick()
	if l.State().Snapshot().LastError != "" {
		t.Error("LastError should clear after a success")
	}
}

func TestPredictorPanicIsContained(t *testing.T) {
	mock := &inference.Mock{
		PredictFunc: func(ctx context.Context, frame camera.Frame) (*inference.Result, error) {
			panic("model exploded")
		},
	}
	l, _ := manualLoop(t, mock)

	l.tick()

	snap := l.State().Snapshot()
	if snap.Failures != 1 {
		t.Errorf("Failures = %d, want 1", snap.Failures)
	}

	l.tick()
	if mock.CallCount() != 2 {
		t.Errorf("in-flight slot not released after panic, CallCount = %d", mock.CallCount())
	}
}

func TestStopDiscardsInFlightResult(t *testing.T) {
	release := make(chan string)
	mock := blockingMock(release)
	l, _ := manualLoop(t, mock)

	go func() { release <- "A" }()
	l.tick()
	if got := l.State().Snapshot().Caption; got != "A" {
		t.Fatalf("Caption = %q, want A", got)
	}

	done := make(chan struct{})
	go func() {
		l.tick()
		close(done)
	}()
	waitFor(t, "second prediction", func() bool { return mock.InFlight() == 1 })

	l.Stop()
	release <- "B"
	<-done

	snap := l.State().Snapshot()
	if snap.Caption != "A" {
		t.Errorf("Caption = %q after Stop, want A", snap.Caption)
	}
	if snap.Status != StatusIdle {
		t.Errorf("Status = %v, want idle", snap.Status)
	}
}

func TestInFlightOutlivesStop(t *testing.T) {
	release := make(chan string)
	mock := blockingMock(release)
	l, _ := manualLoop(t, mock)

	done := make(chan struct{})
	go func() {
		l.tick()
		close(done)
	}()
	waitFor(t, "prediction", func() bool { return mock.InFlight() == 1 })

	l.Stop()
	l.Start(context.Background())
	if !l.State().Snapshot().InFlight {
		t.Error("InFlight should stay set while the abandoned call runs")
	}

	// The slot is still held, so this tick is skipped.
	l.tick()
	if mock.CallCount() != 1 {
		t.Errorf("CallCount = %d, want 1", mock.CallCount())
	}

	release <- "late"
	<-done

	snap := l.State().Snapshot()
	if snap.InFlight {
		t.Error("InFlight should clear once the call returns")
	}
	if snap.HasCaption {
		t.Error("stale caption should be discarded")
	}

	go func() { release <- "fresh" }()
	l.tick()
	if got := l.State().Snapshot().Caption; got != "fresh" {
		t.Errorf("Caption = %q, want fresh", got)
	}
}

func TestSourceChangeDiscardsInFlightResult(t *testing.T) {
	release := make(chan string)
	mock := blockingMock(release)
	l, _ := manualLoop(t, mock)

	done := make(chan struct{})
	go func() {
		l.tick()
		close(done)
	}()
	waitFor(t, "prediction", func() bool { return mock.InFlight() == 1 })

	l.SetSource(camera.Remote("http://other-cam"))
	release <- "from old camera"
	<-done

	if snap := l.State().Snapshot(); snap.HasCaption {
		t.Errorf("stale caption applied: %+v", snap)
	}

	go func() { release <- "from new camera" }()
	l.tick()

	if got := l.State().Snapshot().Caption; got != "from new camera" {
		t.Errorf("Caption = %q", got)
	}
	if got := mock.Calls()[1].Frame.Source.BaseURL(); got != "http://other-cam" {
		t.Errorf("second frame from %q, want new camera", got)
	}
}

func TestReset(t *testing.T) {
	l, _ := manualLoop(t, inference.NewMock("A"))
	l.tick()

	l.Reset()

	snap := l.State().Snapshot()
	if snap.Status != StatusIdle {
		t.Error("Reset should stop the loop")
	}
	if !snap.Source.IsZero() {
		t.Errorf("Source = %v, want none", snap.Source)
	}
	if snap.HasCaption || snap.Caption != "" {
		t.Errorf("caption not cleared: %+v", snap)
	}
}

func TestTickerDrivesCapture(t *testing.T) {
	mock := inference.NewMock("x")
	l := New(&fakeFrames{}, mock, WithInterval(5*time.Millisecond))
	l.SetSource(camera.Remote("http://cam"))
	l.Start(context.Background())

	waitFor(t, "three predictions", func() bool { return mock.CallCount() >= 3 })

	l.Stop()
	settled := mock.CallCount()
	time.Sleep(30 * time.Millisecond)
	if mock.CallCount() > settled+1 {
		t.Errorf("ticks continued after Stop: %d -> %d", settled, mock.CallCount())
	}
}

func TestNoOverlapUnderStartStopChurn(t *testing.T) {
	mock := &inference.Mock{
		PredictFunc: func(ctx context.Context, frame camera.Frame) (*inference.Result, error) {
			time.Sleep(8 * time.Millisecond)
			return &inference.Result{Caption: "x"}, nil
		},
	}
	l := New(&fakeFrames{}, mock, WithInterval(2*time.Millisecond))
	l.SetSource(camera.Remote("http://cam"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for ctx.Err() == nil {
				if i%2 == 0 {
					l.Start(context.Background())
				} else {
					l.Stop()
				}
				time.Sleep(time.Duration(i+1) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()
	l.Stop()

	if mock.MaxInFlight() > 1 {
		t.Errorf("MaxInFlight = %d, want at most 1", mock.MaxInFlight())
	}
}

func TestSlowPredictorBoundsCallRate(t *testing.T) {
	const latency = 40 * time.Millisecond
	mock := &inference.Mock{
		PredictFunc: func(ctx context.Context, frame camera.Frame) (*inference.Result, error) {
			time.Sleep(latency)
			return &inference.Result{Caption: "x"}, nil
		},
	}
	l := New(&fakeFrames{}, mock, WithInterval(5*time.Millisecond))
	l.SetSource(camera.Remote("http://cam"))

	l.Start(context.Background())
	time.Sleep(400 * time.Millisecond)
	l.Stop()

	// 400ms / 40ms = 10 calls at most, plus one already in flight at Stop.
	if n := mock.CallCount(); n > 11 || n < 3 {
		t.Errorf("CallCount = %d, want roughly 10", n)
	}
	if mock.MaxInFlight() != 1 {
		t.Errorf("MaxInFlight = %d, want 1", mock.MaxInFlight())
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	l := New(&fakeFrames{}, inference.NewMock("x"), WithInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	l.Start(ctx)
	cancel()

	waitFor(t, "loop to stop", func() bool { return !l.Running() })

	// A fresh Start works after the old context is gone.
	l.Start(context.Background())
	defer l.Stop()
	if !l.Running() {
		t.Error("loop should restart")
	}
}
