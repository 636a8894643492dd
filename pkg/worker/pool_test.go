package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tabletraft/pkg/rafterrors"
)

func TestPool_RunsAllTasks(t *testing.T) {
	p := NewPool("test", 4, 16)

	var counter atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := p.SubmitWait(context.Background(), func() {
			defer wg.Done()
			counter.Add(1)
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	wg.Wait()
	p.Close()

	if counter.Load() != 100 {
		t.Fatalf("expected 100 tasks, got %d", counter.Load())
	}
}

func TestPool_QueueFull(t *testing.T) {
	p := NewPool("test", 1, 1)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	if err := p.Submit(func() { close(started); <-block }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	if err := p.Submit(func() {}); err != nil {
		t.Fatalf("second submit should fit in the queue: %v", err)
	}
	if err := p.Submit(func() {}); !errors.Is(err, rafterrors.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(block)
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := NewPool("test", 1, 1)
	p.Close()
	if err := p.Submit(func() {}); !errors.Is(err, rafterrors.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestPool_RecoversFromPanic(t *testing.T) {
	p := NewPool("test", 1, 4)
	defer p.Close()

	_ = p.Submit(func() { panic("boom") })
	done := make(chan struct{})
	_ = p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stopped after panic")
	}
}

func TestDrainer_HandlesValuesInOrder(t *testing.T) {
	in := make(chan int, 8)
	var mu sync.Mutex
	var got []int
	d := NewDrainer(in, DrainerOptions[int]{
		Name:     "order",
		MaxBatch: 4,
		Handle: func(batch []int) error {
			if len(batch) == 0 || len(batch) > 4 {
				t.Errorf("unexpected batch size %d", len(batch))
			}
			mu.Lock()
			got = append(got, batch...)
			mu.Unlock()
			return nil
		},
	})
	d.Start(context.Background())
	for i := 1; i <= 6; i++ {
		in <- i
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 6 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 6 {
		t.Fatalf("expected 6 values, got %v", got)
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("out of order: %v", got)
		}
	}
}

func TestDrainer_BatchesQueuedValues(t *testing.T) {
	in := make(chan int, 8)
	for i := 0; i < 5; i++ {
		in <- i
	}
	batches := make(chan int, 8)
	d := NewDrainer(in, DrainerOptions[int]{
		MaxBatch: 3,
		Handle: func(batch []int) error {
			batches <- len(batch)
			return nil
		},
	})
	d.Start(context.Background())

	for _, want := range []int{3, 2} {
		select {
		case n := <-batches:
			if n != want {
				t.Fatalf("expected a batch of %d, got %d", want, n)
			}
		case <-time.After(time.Second):
			t.Fatal("batch never handled")
		}
	}
	d.Stop()
}

func TestDrainer_StopHandsOverQueuedValues(t *testing.T) {
	in := make(chan int, 8)
	release := make(chan struct{})
	entered := make(chan struct{})
	var rest []int
	d := NewDrainer(in, DrainerOptions[int]{
		Handle: func(batch []int) error {
			close(entered)
			<-release
			return errors.New("boom")
		},
		OnStop: func(r []int) { rest = r },
	})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	in <- 1
	<-entered
	in <- 2
	in <- 3

	cancel()
	close(release)
	d.Stop()
	if len(rest) != 2 || rest[0] != 2 || rest[1] != 3 {
		t.Fatalf("expected [2 3] handed to OnStop, got %v", rest)
	}
}

func TestDrainer_StopWithoutStart(t *testing.T) {
	called := false
	d := NewDrainer(make(chan int), DrainerOptions[int]{OnStop: func([]int) { called = true }})
	d.Stop()
	d.Stop()
	if !called {
		t.Fatal("OnStop not called")
	}
}
