package kb

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDocDedupeCoalescesConcurrentIngests(t *testing.T) {
	var d docDedupe
	var calls atomic.Int32
	started := make(chan struct{})

	fn := func() error {
		calls.Add(1)
		close(started)
		time.Sleep(50 * time.Millisecond)
		return nil
	}

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)

	wg.Go(func() {
		errs[0] = <-d.run("doc-1", fn)
	})

	<-started
	for i := 1; i < n; i++ {
		wg.Go(func() {
			errs[i] = <-d.run("doc-1", fn)
		})
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d got error: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn called %d times for one document, want 1", got)
	}
}

func TestDocDedupeIndependentDocuments(t *testing.T) {
	var d docDedupe
	var calls atomic.Int32

	fn := func() error {
		calls.Add(1)
		return nil
	}

	var wg sync.WaitGroup
	for _, docID := range []string{"doc-1", "doc-2", "doc-3"} {
		wg.Go(func() {
			<-d.run(docID, fn)
		})
	}
	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("fn called %d times, want 3 (one per document)", got)
	}
}

func TestDocDedupePropagatesError(t *testing.T) {
	var d docDedupe
	sentinel := errors.New("ingest failed")
	started := make(chan struct{})

	ch1 := d.run("doc-1", func() error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return sentinel
	})
	<-started

	ch2 := d.run("doc-1", func() error {
		t.Error("second call should not execute while the first is in flight")
		return nil
	})

	if err := <-ch1; !errors.Is(err, sentinel) {
		t.Errorf("first caller: got %v, want %v", err, sentinel)
	}
	if err := <-ch2; !errors.Is(err, sentinel) {
		t.Errorf("second caller: got %v, want %v", err, sentinel)
	}
}

func TestDocDedupeReusableAfterCompletion(t *testing.T) {
	var d docDedupe
	var calls atomic.Int32

	fn := func() error {
		calls.Add(1)
		return nil
	}

	if err := <-d.run("doc-1", fn); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := <-d.run("doc-1", fn); err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	if got := calls.Load(); got != 2 {
		t.Errorf("fn called %d times, want 2 (one per ingest)", got)
	}
}
