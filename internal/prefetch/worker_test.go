package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitdocs/spacebio/internal/resource"
	"github.com/orbitdocs/spacebio/internal/storage"
)

type mockFetcher struct {
	calls   atomic.Int32
	fetchFn func(url string) (string, error)
}

func (m *mockFetcher) Fetch(_ context.Context, url string) (string, error) {
	m.calls.Add(1)
	return m.fetchFn(url)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newResources(f resource.Fetcher, n int) *resource.Store {
	entries := make([]resource.Resource, n)
	for i := range entries {
		entries[i] = resource.Resource{Title: fmt.Sprintf("Study %d", i+1), URL: fmt.Sprintf("https://example.org/%d", i+1)}
	}
	return resource.New(entries, f, zerolog.Nop())
}

func jobStatus(t *testing.T, store *storage.Store, id string) (string, int) {
	t.Helper()
	j, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j.Status, j.Attempts
}

func TestEnqueue_Deduplicates(t *testing.T) {
	store := openTestStore(t)

	first, created, err := Enqueue(store, 1, false)
	if err != nil || !created {
		t.Fatalf("Enqueue = %v, %v", created, err)
	}
	again, created, err := Enqueue(store, 1, false)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if created || again.ID != first.ID {
		t.Errorf("duplicate enqueue created %s, want existing %s", again.ID, first.ID)
	}
	if _, created, _ := Enqueue(store, 1, true); !created {
		t.Error("a refresh is a different job")
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	fetcher := &mockFetcher{fetchFn: func(string) (string, error) { return "<p>warm</p>", nil }}
	resources := newResources(fetcher, 2)

	job, _, err := Enqueue(store, 2, false)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := NewWorker(store, resources, 0, zerolog.Nop())
	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	if c, ok := resources.CachedContent(2); !ok || c != "<p>warm</p>" {
		t.Errorf("content not memoized: %q, %v", c, ok)
	}
	if status, _ := jobStatus(t, store, job.ID); status != storage.JobCompleted {
		t.Errorf("status = %q, want completed", status)
	}

	didWork, err = w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("empty queue: didWork=%v err=%v", didWork, err)
	}
}

func TestWorker_RetryRefetches(t *testing.T) {
	store := openTestStore(t)
	var fail atomic.Bool
	fail.Store(true)
	fetcher := &mockFetcher{fetchFn: func(string) (string, error) {
		if fail.Load() {
			return "", errors.New("connection reset")
		}
		return "<p>fresh</p>", nil
	}}
	resources := newResources(fetcher, 1)

	job, _, err := Enqueue(store, 1, false)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	w := NewWorker(store, resources, 0, zerolog.Nop())

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	status, attempts := jobStatus(t, store, job.ID)
	if status != storage.JobPending || attempts != 1 {
		t.Errorf("after failure: status=%q attempts=%d, want pending/1", status, attempts)
	}

	// The retry must not settle for the memoized fallback.
	fail.Store(false)
	claimed, err := store.ClaimNextJob([]string{JobType})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed != nil {
		t.Fatal("job should be backing off")
	}
	j, _ := store.GetJob(job.ID)
	if err := w.processJob(context.Background(), j); err != nil {
		t.Fatalf("processJob: %v", err)
	}
	if c, _ := resources.CachedContent(1); c != "<p>fresh</p>" {
		t.Errorf("content = %q, want refetched", c)
	}
	if n := fetcher.calls.Load(); n != 2 {
		t.Errorf("fetch calls = %d, want 2", n)
	}
}

func TestWorker_RetriesEarlierFailedFetch(t *testing.T) {
	store := openTestStore(t)
	var fail atomic.Bool
	fail.Store(true)
	fetcher := &mockFetcher{fetchFn: func(string) (string, error) {
		if fail.Load() {
			return "", errors.New("no route to host")
		}
		return "<p>back online</p>", nil
	}}
	resources := newResources(fetcher, 1)

	if _, err := resources.Content(context.Background(), 1); err == nil {
		t.Fatal("expected the first fetch to fail")
	}
	fail.Store(false)

	job, _, err := Enqueue(store, 1, false)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	w := NewWorker(store, resources, 0, zerolog.Nop())
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	if c, _ := resources.CachedContent(1); c != "<p>back online</p>" {
		t.Errorf("content = %q, want refetched page", c)
	}
	if resources.Failed(1) {
		t.Error("resource still marked failed")
	}
	if status, _ := jobStatus(t, store, job.ID); status != storage.JobCompleted {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_UnknownResourceFails(t *testing.T) {
	store := openTestStore(t)
	resources := newResources(&mockFetcher{fetchFn: func(string) (string, error) { return "x", nil }}, 1)

	j := storage.Job{ID: "job-missing", Type: JobType, PayloadJSON: `{"resource_id":7}`, MaxAttempts: 1}
	if err := store.EnqueueJob(j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := NewWorker(store, resources, 0, zerolog.Nop()).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if status, _ := jobStatus(t, store, "job-missing"); status != storage.JobFailed {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	resources := newResources(&mockFetcher{fetchFn: func(string) (string, error) { return "x", nil }}, 3)
	for id := 1; id <= 3; id++ {
		if _, _, err := Enqueue(store, id, false); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewWorker(store, resources, 10*time.Millisecond, zerolog.Nop()).Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := resources.CachedContent(3); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("jobs were not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAll_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	var mu sync.Mutex
	fetcher := &mockFetcher{fetchFn: func(url string) (string, error) {
		n := inFlight.Add(1)
		mu.Lock()
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		if url == "https://example.org/4" {
			return "", errors.New("gone")
		}
		return "<p>ok</p>", nil
	}}
	resources := newResources(fetcher, 8)

	warmed, failed, err := All(context.Background(), resources, 2, zerolog.Nop())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if warmed != 7 || failed != 1 {
		t.Errorf("warmed=%d failed=%d, want 7/1", warmed, failed)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestAll_Cancelled(t *testing.T) {
	resources := newResources(&mockFetcher{fetchFn: func(string) (string, error) { return "x", nil }}, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := All(ctx, resources, 2, zerolog.Nop()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
