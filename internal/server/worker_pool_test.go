package server

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWorkerPoolStartStopSerial(t *testing.T) {
	testWorkerPoolStartStop(t)
}

func TestWorkerPoolStartStopConcurrent(t *testing.T) {
	concurrency := 10
	ch := make(chan struct{}, concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			testWorkerPoolStartStop(t)
			ch <- struct{}{}
		}()
	}
	for i := 0; i < concurrency; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timeout")
		}
	}
}

func testWorkerPoolStartStop(t *testing.T) {
	t.Helper()
	wp := &workerPool{
		WorkerFunc:      func(c *context) error { return nil },
		MaxWorkersCount: 10,
		Logger:          zap.NewNop(),
	}
	for i := 0; i < 10; i++ {
		wp.Start()
		wp.Stop()
	}
}

func TestWorkerPool_ServeRunsWorker(t *testing.T) {
	done := make(chan *context, 1)
	wp := &workerPool{
		WorkerFunc:      func(c *context) error { done <- c; return nil },
		MaxWorkersCount: 2,
		Logger:          zap.NewNop(),
	}
	wp.Start()
	defer wp.Stop()

	ctx := &context{}
	if !wp.Serve(ctx) {
		t.Fatal("Serve returned false with capacity available")
	}
	select {
	case got := <-done:
		if got != ctx {
			t.Error("worker ran with the wrong context")
		}
	case <-time.After(time.Second):
		t.Fatal("worker never ran")
	}
}

func TestWorkerPool_SaturatedReturnsFalse(t *testing.T) {
	block := make(chan struct{})
	release := make(chan struct{})
	wp := &workerPool{
		WorkerFunc: func(c *context) error {
			close(block)
			<-release
			return nil
		},
		MaxWorkersCount: 1,
		Logger:          zap.NewNop(),
	}
	wp.Start()
	defer func() {
		close(release)
		wp.Stop()
	}()

	if !wp.Serve(&context{}) {
		t.Fatal("first Serve should succeed")
	}
	<-block
	if wp.Serve(&context{}) {
		t.Error("Serve should fail once MaxWorkersCount is reached and the one worker is busy")
	}
}
