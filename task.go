package batteryprofiletest

import (
	"context"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// motionTask runs one blocking motion on its own goroutine.
// onComplete is called with the result before done is closed.
type motionTask struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startMotionTask(ctx context.Context, fn func(context.Context) error, onComplete func(*motionTask, error)) *motionTask {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &motionTask{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	goutils.PanicCapturingGo(func() {
		defer close(t.done)
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("motion task panicked: %v", r)
			}
			t.err = err
			cancel()
			if onComplete != nil {
				onComplete(t, err)
			}
		}()
		err = fn(taskCtx)
	})
	return t
}

// wait blocks until the task and its completion callback have returned.
func (t *motionTask) wait() error {
	<-t.done
	return t.err
}

func (t *motionTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
