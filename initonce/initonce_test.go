package initonce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cerrors "github.com/wippyai/cffi-runtime/errors"
)

func TestDo_RunsOncePerTag(t *testing.T) {
	g := New(nil)
	var calls atomic.Int32
	fn := func() (any, error) {
		calls.Add(1)
		return 42, nil
	}

	for range 3 {
		v, err := g.Do("a", fn)
		if err != nil {
			t.Fatalf("Do failed: %v", err)
		}
		if v != 42 {
			t.Errorf("v = %v, want 42", v)
		}
	}
	if _, err := g.Do("b", fn); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("fn ran %d times, want 2", n)
	}
	if !g.Done("a") || g.Done("c") {
		t.Error("Done reports wrong tags")
	}
}

func TestDo_ConcurrentCallersShareResult(t *testing.T) {
	g := New(nil)
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func() (any, error) {
		calls.Add(1)
		<-release
		return "ready", nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = g.Do("tag", fn)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if c := calls.Load(); c != 1 {
		t.Errorf("fn ran %d times, want 1", c)
	}
	for i, r := range results {
		if r != "ready" {
			t.Errorf("caller %d got %v", i, r)
		}
	}
}

func TestDo_RetriesAfterFailure(t *testing.T) {
	g := New(nil)
	boom := errors.New("boom")
	attempt := 0
	fn := func() (any, error) {
		attempt++
		if attempt == 1 {
			return nil, boom
		}
		return attempt, nil
	}

	if _, err := g.Do("x", fn); !errors.Is(err, boom) {
		t.Fatalf("first call err = %v, want boom", err)
	}
	if g.Done("x") {
		t.Error("failed tag marked done")
	}
	v, err := g.Do("x", fn)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if v != 2 {
		t.Errorf("v = %v, want 2", v)
	}
}

func TestDo_PanicIsRetried(t *testing.T) {
	g := New(nil)
	attempt := 0
	fn := func() (any, error) {
		attempt++
		if attempt == 1 {
			panic("half initialized")
		}
		return "ready", nil
	}

	_, err := g.Do("p", fn)
	var e *cerrors.Error
	if !errors.As(err, &e) || e.Kind != cerrors.KindCallbackFault || e.Value != "half initialized" {
		t.Fatalf("panicking init: err = %v", err)
	}
	if g.Done("p") {
		t.Error("panicked tag marked done")
	}
	if v, err := g.Do("p", fn); err != nil || v != "ready" {
		t.Errorf("retry = %v, %v", v, err)
	}

	_, err = g.DoContext(context.Background(), "q", func() (any, error) {
		panic("again")
	})
	if !errors.Is(err, cerrors.ErrCallbackFault) {
		t.Errorf("DoContext panic: err = %v", err)
	}
}

func TestDoContext_Cancelled(t *testing.T) {
	g := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	cancel()
	_, err := g.DoContext(ctx, "slow", func() (any, error) {
		<-release
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestForget(t *testing.T) {
	g := New(nil)
	n := 0
	fn := func() (any, error) { n++; return n, nil }
	g.Do("k", fn)
	g.Forget("k")
	v, _ := g.Do("k", fn)
	if v != 2 {
		t.Errorf("v = %v after Forget, want 2", v)
	}
}
