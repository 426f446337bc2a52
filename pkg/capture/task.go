package capture

import (
	"context"
	"time"
)

// task is a cancellable repeating job. Each Start creates a new task so
// ownership of the ticker is never shared.
type task struct {
	cancel  context.CancelFunc
	done    chan struct{}
	unwatch func() bool
}

func startTask(ctx context.Context, interval time.Duration, fn func()) *task {
	ctx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Stop may race with a tick that already fired.
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}()

	return t
}

// stop cancels future ticks. It does not wait for a running tick.
func (t *task) stop() {
	if t.unwatch != nil {
		t.unwatch()
	}
	t.cancel()
}
