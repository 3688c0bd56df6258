package stream

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/spatial-bottleneck/internal/errs"
)

func TestStreamRunsInIssueOrder(t *testing.T) {
	s := New("test")
	defer s.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		s.Enqueue(func() error {
			got = append(got, i)
			return nil
		})
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("op %d ran at position %d", v, i)
		}
	}
	if st := s.Stats(); st.Issued != 100 || st.Ran != 100 || st.Skipped != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestStreamErrorIsSticky(t *testing.T) {
	s := New("test")
	defer s.Close()

	boom := errors.New("boom")
	ranAfter := false
	s.Enqueue(func() error { return boom })
	s.Enqueue(func() error { ranAfter = true; return nil })

	if err := s.Synchronize(); !errors.Is(err, boom) {
		t.Fatalf("Synchronize = %v, want boom", err)
	}
	if ranAfter {
		t.Error("op after failure ran")
	}

	// Synchronize clears the error for the next call.
	ok := false
	s.Enqueue(func() error { ok = true; return nil })
	if err := s.Synchronize(); err != nil || !ok {
		t.Errorf("after clear: err=%v ran=%v", err, ok)
	}
}

func TestStreamRecoversPanic(t *testing.T) {
	s := New("test")
	defer s.Close()

	s.Enqueue(func() error { panic("shape") })
	err := s.Synchronize()
	if err == nil || !strings.Contains(err.Error(), "panic: shape") {
		t.Fatalf("Synchronize = %v, want recovered panic", err)
	}
}

func TestWaitOrdersAcrossStreams(t *testing.T) {
	a, b := New("a"), New("b")
	defer a.Close()
	defer b.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	mark := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	a.Enqueue(func() error { <-release; mark("a"); return nil })
	b.Wait(a.Record())
	b.Enqueue(func() error { mark("b"); return nil })

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	if len(order) != 0 {
		t.Fatalf("b ran before a: %v", order)
	}
	mu.Unlock()

	close(release)
	if err := b.Synchronize(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v", order)
	}
}

func TestEventCarriesError(t *testing.T) {
	a, b := New("a"), New("b")
	defer a.Close()
	defer b.Close()

	boom := errors.New("exchange failed")
	a.Enqueue(func() error { return boom })
	b.Wait(a.Record())
	skipped := true
	b.Enqueue(func() error { skipped = false; return nil })

	if err := b.Synchronize(); !errors.Is(err, boom) {
		t.Fatalf("waiting stream error = %v, want %v", err, boom)
	}
	if !skipped {
		t.Error("op after failed event ran")
	}
	if err := a.Synchronize(); !errors.Is(err, boom) {
		t.Errorf("recording stream error = %v", err)
	}
}

func TestClosedStream(t *testing.T) {
	s := New("test")
	s.Close()
	s.Enqueue(func() error { return nil })
	if err := s.Synchronize(); !errors.Is(err, errs.ErrClosed) {
		t.Errorf("Synchronize after Close = %v, want ErrClosed", err)
	}
}

func TestOverlapModesIssueSameWork(t *testing.T) {
	for _, overlap := range []bool{false, true} {
		sched := NewScheduler(overlap)

		buf := make([]int, 4)
		sched.Compute.Enqueue(func() error { buf[0] = 1; return nil })
		sched.Overlap(
			func() error { buf[1] = buf[0] + 10; return nil },
			func() error { buf[2] = buf[0] + 20; return nil },
			func() error { buf[3] = buf[1] + buf[2]; return nil },
		)
		if err := sched.Synchronize(); err != nil {
			t.Fatalf("overlap=%v: %v", overlap, err)
		}
		if buf[3] != 32 {
			t.Errorf("overlap=%v: merged %v, want 32", overlap, buf)
		}
		sched.Close()
	}
}

func TestOverlapRunsSideAndMainConcurrently(t *testing.T) {
	sched := NewScheduler(true)
	defer sched.Close()

	// Each half blocks until the other has started.
	sideIn, mainIn := make(chan struct{}), make(chan struct{})
	sched.Overlap(
		func() error {
			close(sideIn)
			select {
			case <-mainIn:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("main never started")
			}
		},
		func() error {
			close(mainIn)
			select {
			case <-sideIn:
				return nil
			case <-time.After(2 * time.Second):
				return errors.New("side never started")
			}
		},
		nil,
	)
	if err := sched.Synchronize(); err != nil {
		t.Fatal(err)
	}
}

func TestOverlapSideFailureSkipsMerge(t *testing.T) {
	sched := NewScheduler(true)
	defer sched.Close()

	boom := errors.New("peer lost")
	merged := false
	sched.Overlap(
		func() error { return boom },
		func() error { return nil },
		func() error { merged = true; return nil },
	)
	if err := sched.Synchronize(); !errors.Is(err, boom) {
		t.Fatalf("Synchronize = %v", err)
	}
	if merged {
		t.Error("merge ran after side failure")
	}
}
