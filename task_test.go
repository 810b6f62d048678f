package batteryprofiletest

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMotionTaskCompletion(t *testing.T) {
	var completedWith error
	called := false
	task := startMotionTask(context.Background(), func(ctx context.Context) error {
		return errors.New("done badly")
	}, func(mt *motionTask, err error) {
		called = true
		completedWith = err
	})

	err := task.wait()
	if err == nil {
		t.Fatal("expected the motion error from wait")
	}
	if !called {
		t.Error("completion callback was not called")
	}
	if completedWith != err {
		t.Errorf("callback saw %v, wait returned %v", completedWith, err)
	}
	if !task.finished() {
		t.Error("expected task finished after wait")
	}
}

func TestMotionTaskCancel(t *testing.T) {
	started := make(chan struct{})
	task := startMotionTask(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	}, nil)

	<-started
	if task.finished() {
		t.Error("task finished before cancel")
	}
	task.cancel()
	if err := task.wait(); err != nil {
		t.Errorf("expected clean exit after cancel, got %v", err)
	}
}

func TestMotionTaskPanic(t *testing.T) {
	var completedWith error
	task := startMotionTask(context.Background(), func(ctx context.Context) error {
		panic("gear stripped")
	}, func(mt *motionTask, err error) {
		completedWith = err
	})

	err := task.wait()
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
	if !strings.Contains(err.Error(), "gear stripped") {
		t.Errorf("expected panic value in error, got %v", err)
	}
	if completedWith != err {
		t.Errorf("callback saw %v, wait returned %v", completedWith, err)
	}
}
