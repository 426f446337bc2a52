package inference

import (
	"context"
	"sync"
	"time"

	"github.com/teslashibe/go-caption/pkg/camera"
)

// Mock implements Predictor for testing.
// It records every call and tracks how many calls overlap.
type Mock struct {
	// PredictFunc is called when Predict is invoked.
	PredictFunc func(ctx context.Context, frame camera.Frame) (*Result, error)

	mu          sync.Mutex
	calls       []MockCall
	inFlight    int
	maxInFlight int
}

// MockCall records a Predict invocation.
type MockCall struct {
	Frame camera.Frame
	Time  time.Time
}

// NewMock creates a mock that always answers with caption.
func NewMock(caption string) *Mock {
	return &Mock{
		PredictFunc: func(ctx context.Context, frame camera.Frame) (*Result, error) {
			return &Result{Caption: caption}, nil
		},
	}
}

// NewFailingMock creates a mock that always fails with err.
func NewFailingMock(err error) *Mock {
	return &Mock{
		PredictFunc: func(ctx context.Context, frame camera.Frame) (*Result, error) {
			return nil, err
		},
	}
}

// Predict calls PredictFunc and records the call.
func (m *Mock) Predict(ctx context.Context, frame camera.Frame) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Frame: frame, Time: time.Now()})
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	fn := m.PredictFunc
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if fn == nil {
		return nil, ErrInferenceFailure
	}
	return fn(ctx, frame)
}

// Calls returns all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of Predict calls.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// InFlight returns the number of calls currently running.
func (m *Mock) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// MaxInFlight returns the highest number of calls that ever overlapped.
func (m *Mock) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// Reset clears all recorded calls and counters.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.maxInFlight = m.inFlight
}
