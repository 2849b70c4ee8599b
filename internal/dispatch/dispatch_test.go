package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dripflow/internal/domain"
)

type fakeJobStore struct {
	mu       sync.Mutex
	attempts map[string]int
	sent     map[string]bool
	failed   map[string]string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{attempts: map[string]int{}, sent: map[string]bool{}, failed: map[string]string{}}
}

func (f *fakeJobStore) IncrementJobAttempt(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id]++
	return nil
}

func (f *fakeJobStore) MarkJobSent(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = true
	return nil
}

func (f *fakeJobStore) MarkJobFailed(ctx context.Context, id, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = lastError
	return nil
}

func (f *fakeJobStore) snapshot(id string) (attempts int, sent bool, failed string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id], f.sent[id], f.failed[id]
}

// scriptedSender returns the queued errors in order, then succeeds.
type scriptedSender struct {
	channel domain.Channel
	mu      sync.Mutex
	errs    []error
	calls   int
}

func (s *scriptedSender) Channel() domain.Channel { return s.channel }

func (s *scriptedSender) Send(ctx context.Context, rcpt domain.Recipient, content domain.ContentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testJob() domain.SendJob {
	return domain.SendJob{ID: "job_1", DropID: "drp_1", UserID: "u1", Channel: domain.ChannelPush}
}

func TestDispatchSuccessFirstAttempt(t *testing.T) {
	jobs := newFakeJobStore()
	sender := &scriptedSender{channel: domain.ChannelPush}
	d := NewDispatcher(jobs, NewPool(2), sender).WithRetryPolicy(3, time.Millisecond)

	d.Dispatch(testJob(), domain.Recipient{UserID: "u1"}, domain.ContentItem{Title: "hi"}, nil)
	d.Wait()

	attempts, sent, _ := jobs.snapshot("job_1")
	if !sent {
		t.Fatal("job not marked sent")
	}
	if attempts != 1 {
		t.Fatalf("want 1 attempt, got %d", attempts)
	}
}

func TestDispatchTransientRetriesThenFails(t *testing.T) {
	jobs := newFakeJobStore()
	sender := &scriptedSender{channel: domain.ChannelPush, errs: []error{
		Transient(errors.New("timeout")),
		Transient(errors.New("timeout")),
		Transient(errors.New("timeout")),
		Transient(errors.New("timeout")),
		Transient(errors.New("timeout")),
	}}
	d := NewDispatcher(jobs, NewPool(2), sender).WithRetryPolicy(3, time.Millisecond)

	d.Dispatch(testJob(), domain.Recipient{}, domain.ContentItem{}, nil)
	d.Wait()

	// Initial attempt plus 3 retries, then terminal failure.
	attempts, sent, failed := jobs.snapshot("job_1")
	if attempts != 4 {
		t.Fatalf("want 4 attempts, got %d", attempts)
	}
	if sent {
		t.Fatal("exhausted job must not be sent")
	}
	if failed == "" {
		t.Fatal("exhausted job must carry last_error")
	}
}

func TestDispatchTransientThenSuccess(t *testing.T) {
	jobs := newFakeJobStore()
	sender := &scriptedSender{channel: domain.ChannelPush, errs: []error{
		Transient(errors.New("connection reset")),
	}}
	d := NewDispatcher(jobs, NewPool(2), sender).WithRetryPolicy(3, time.Millisecond)

	d.Dispatch(testJob(), domain.Recipient{}, domain.ContentItem{}, nil)
	d.Wait()

	attempts, sent, _ := jobs.snapshot("job_1")
	if !sent {
		t.Fatal("job not marked sent after recovery")
	}
	if attempts != 2 {
		t.Fatalf("want 2 attempts, got %d", attempts)
	}
}

func TestDispatchRejectedIsTerminal(t *testing.T) {
	jobs := newFakeJobStore()
	sender := &scriptedSender{channel: domain.ChannelPush, errs: []error{
		Rejected(errors.New("invalid token")),
	}}
	d := NewDispatcher(jobs, NewPool(2), sender).WithRetryPolicy(3, time.Millisecond)

	d.Dispatch(testJob(), domain.Recipient{}, domain.ContentItem{}, nil)
	d.Wait()

	attempts, _, failed := jobs.snapshot("job_1")
	if attempts != 1 {
		t.Fatalf("rejected must fail on first attempt, got %d attempts", attempts)
	}
	if failed == "" {
		t.Fatal("rejected job must be marked failed")
	}
	if sender.callCount() != 1 {
		t.Fatalf("rejected must not be retried, sender called %d times", sender.callCount())
	}
}

func TestDispatchUnreachableIsTerminal(t *testing.T) {
	jobs := newFakeJobStore()
	sender := &scriptedSender{channel: domain.ChannelPush, errs: []error{
		Unreachable(errors.New("no device token")),
	}}
	d := NewDispatcher(jobs, NewPool(2), sender).WithRetryPolicy(3, time.Millisecond)

	d.Dispatch(testJob(), domain.Recipient{}, domain.ContentItem{}, nil)
	d.Wait()

	if sender.callCount() != 1 {
		t.Fatalf("unreachable must not be retried, sender called %d times", sender.callCount())
	}
	if _, _, failed := jobs.snapshot("job_1"); failed == "" {
		t.Fatal("unreachable job must be marked failed")
	}
}

func TestDispatchNoSenderForChannel(t *testing.T) {
	jobs := newFakeJobStore()
	d := NewDispatcher(jobs, NewPool(1)).WithRetryPolicy(3, time.Millisecond)

	d.Dispatch(testJob(), domain.Recipient{}, domain.ContentItem{}, nil)
	d.Wait()

	if _, _, failed := jobs.snapshot("job_1"); failed == "" {
		t.Fatal("job without a sender must be marked failed")
	}
}

// A job waiting out its backoff must not hold a pool slot. With a pool
// of one, a second job dispatched behind a transient failure has to
// complete while the first job is still waiting to retry.
func TestDispatchBackoffReleasesPoolSlot(t *testing.T) {
	jobs := newFakeJobStore()
	sender := &scriptedSender{channel: domain.ChannelPush, errs: []error{
		Transient(errors.New("timeout")),
	}}
	d := NewDispatcher(jobs, NewPool(1), sender).WithRetryPolicy(3, 200*time.Millisecond)

	start := time.Now()
	otherDone := make(chan time.Time, 1)
	d.Dispatch(testJob(), domain.Recipient{}, domain.ContentItem{}, nil)
	d.Dispatch(domain.SendJob{ID: "job_2", DropID: "drp_1", UserID: "u2", Channel: domain.ChannelPush},
		domain.Recipient{}, domain.ContentItem{}, func() { otherDone <- time.Now() })
	d.Wait()

	if elapsed := (<-otherDone).Sub(start); elapsed >= 200*time.Millisecond {
		t.Fatalf("second job waited out the first job's backoff: settled after %v", elapsed)
	}
	_, sent1, _ := jobs.snapshot("job_1")
	_, sent2, _ := jobs.snapshot("job_2")
	if !sent1 || !sent2 {
		t.Fatalf("want both jobs sent, got job_1=%v job_2=%v", sent1, sent2)
	}
}

// The done callback fires once per job, on the terminal attempt.
func TestDispatchDoneFiresOnSettle(t *testing.T) {
	jobs := newFakeJobStore()
	sender := &scriptedSender{channel: domain.ChannelPush, errs: []error{
		Transient(errors.New("timeout")),
	}}
	d := NewDispatcher(jobs, NewPool(1), sender).WithRetryPolicy(3, time.Millisecond)

	var mu sync.Mutex
	calls := 0
	d.Dispatch(testJob(), domain.Recipient{}, domain.ContentItem{}, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("want done called once, got %d", calls)
	}
	if _, sent, _ := jobs.snapshot("job_1"); !sent {
		t.Fatal("job not marked sent")
	}
}

func TestClassifyWrapsUnknownAsTransient(t *testing.T) {
	se := Classify(errors.New("something odd"))
	if se.Reason != ReasonTransient {
		t.Fatalf("want transient, got %s", se.Reason)
	}
	se = Classify(Rejected(errors.New("nope")))
	if se.Reason != ReasonRejected {
		t.Fatalf("want rejected preserved, got %s", se.Reason)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var mu sync.Mutex
	running, peak := 0, 0
	for i := 0; i < 10; i++ {
		p.Submit(func() {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		})
	}
	p.Wait()
	if peak > 2 {
		t.Fatalf("pool of 2 reached %d concurrent tasks", peak)
	}
}
