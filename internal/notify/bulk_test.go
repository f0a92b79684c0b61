package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cwygoda/herald/internal/domain"
)

// fakeProvider records when each send starts and ends.
type fakeProvider struct {
	mu       sync.Mutex
	latency  time.Duration
	failFor  map[string]bool
	starts   map[string]time.Time
	ends     map[string]time.Time
	inFlight int
	peak     int
}

func newFakeProvider(latency time.Duration) *fakeProvider {
	return &fakeProvider{
		latency: latency,
		failFor: make(map[string]bool),
		starts:  make(map[string]time.Time),
		ends:    make(map[string]time.Time),
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) SendSMS(ctx context.Context, to, message string) domain.SendResult {
	f.mu.Lock()
	f.starts[to] = time.Now()
	f.inFlight++
	f.peak = max(f.peak, f.inFlight)
	f.mu.Unlock()

	time.Sleep(f.latency)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.ends[to] = time.Now()
	if f.failFor[to] {
		return domain.SendResult{Error: "gateway rejected " + to, Err: errors.New("rejected")}
	}
	return domain.SendResult{Success: true, MessageID: "m-" + to, Cost: 0.5}
}

func (f *fakeProvider) ValidateCredentials(context.Context) error { return nil }

type fakeBulkProvider struct {
	*fakeProvider
	bulkCalls int
}

func (f *fakeBulkProvider) SendBulkSMS(ctx context.Context, recipients []domain.Recipient, message string) []domain.DeliveryResult {
	f.bulkCalls++
	out := make([]domain.DeliveryResult, len(recipients))
	for i, r := range recipients {
		out[i] = domain.DeliveryResult{CustomerID: r.CustomerID, Phone: r.Phone, Success: true}
	}
	return out
}

func recipients(n int) []domain.Recipient {
	rs := make([]domain.Recipient, n)
	for i := range rs {
		rs[i] = domain.Recipient{Phone: fmt.Sprintf("0171000%04d", i), CustomerID: fmt.Sprintf("cust-%d", i)}
	}
	return rs
}

func TestBulkDispatcher_Batches(t *testing.T) {
	const delay = 40 * time.Millisecond
	p := newFakeProvider(5 * time.Millisecond)
	d := NewBulkDispatcher(p, WithBatchDelay(delay))

	rs := recipients(25)
	results := d.Send(context.Background(), rs, "hello")

	if len(results) != 25 {
		t.Fatalf("len(results) = %d, want 25", len(results))
	}
	if p.peak > DefaultBatchSize {
		t.Errorf("peak concurrency = %d, want <= %d", p.peak, DefaultBatchSize)
	}

	// Batches: [0,10) [10,20) [20,25)
	batchOf := func(i int) int { return i / DefaultBatchSize }
	var batchEnd [3]time.Time
	var batchStart [3]time.Time
	for i, r := range rs {
		b := batchOf(i)
		if e := p.ends[r.Phone]; e.After(batchEnd[b]) {
			batchEnd[b] = e
		}
		if s := p.starts[r.Phone]; batchStart[b].IsZero() || s.Before(batchStart[b]) {
			batchStart[b] = s
		}
	}
	for b := 1; b < 3; b++ {
		if batchStart[b].Before(batchEnd[b-1]) {
			t.Errorf("batch %d started before batch %d finished", b, b-1)
		}
		if gap := batchStart[b].Sub(batchEnd[b-1]); gap < delay {
			t.Errorf("gap before batch %d = %v, want >= %v", b, gap, delay)
		}
	}

	for i, r := range results {
		if r.CustomerID != rs[i].CustomerID {
			t.Errorf("results[%d].CustomerID = %q, want %q", i, r.CustomerID, rs[i].CustomerID)
		}
	}
	if got := TotalCost(results); got != 12.5 {
		t.Errorf("TotalCost() = %v, want 12.5", got)
	}
}

func TestBulkDispatcher_PartialFailure(t *testing.T) {
	p := newFakeProvider(0)
	rs := recipients(12)
	p.failFor[rs[7].Phone] = true

	d := NewBulkDispatcher(p, WithBatchDelay(0))
	results := d.Send(context.Background(), rs, "hello")

	if len(results) != 12 {
		t.Fatalf("len(results) = %d, want 12", len(results))
	}
	if got := Delivered(results); got != 11 {
		t.Errorf("Delivered() = %d, want 11", got)
	}
	if results[7].Success || results[7].Error == "" {
		t.Errorf("results[7] = %+v, want failure with error", results[7])
	}
	if results[7].CustomerID != "cust-7" {
		t.Errorf("results[7].CustomerID = %q", results[7].CustomerID)
	}
	if got := TotalCost(results); got != 5.5 {
		t.Errorf("TotalCost() = %v, want 5.5 (failed sends excluded)", got)
	}
}

func TestBulkDispatcher_NativeBulk(t *testing.T) {
	p := &fakeBulkProvider{fakeProvider: newFakeProvider(0)}
	d := NewBulkDispatcher(p)

	results := d.Send(context.Background(), recipients(25), "hello")
	if p.bulkCalls != 1 {
		t.Errorf("bulk calls = %d, want 1", p.bulkCalls)
	}
	if len(p.starts) != 0 {
		t.Errorf("SendSMS called %d times, want 0", len(p.starts))
	}
	if len(results) != 25 {
		t.Errorf("len(results) = %d, want 25", len(results))
	}
}

func TestBulkDispatcher_CancelledBetweenBatches(t *testing.T) {
	p := newFakeProvider(0)
	d := NewBulkDispatcher(p, WithBatchSize(5), WithBatchDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	results := d.Send(ctx, recipients(12), "hello")
	if len(results) != 12 {
		t.Fatalf("len(results) = %d, want 12", len(results))
	}
	if got := Delivered(results); got != 5 {
		t.Errorf("Delivered() = %d, want 5 (first batch only)", got)
	}
	for i := 5; i < 12; i++ {
		if results[i].Success || results[i].Error == "" || results[i].CustomerID == "" {
			t.Errorf("results[%d] = %+v, want cancelled failure", i, results[i])
		}
	}
}

func TestBulkDispatcher_Empty(t *testing.T) {
	d := NewBulkDispatcher(newFakeProvider(0))
	if got := d.Send(context.Background(), nil, "x"); len(got) != 0 {
		t.Errorf("Send(nil) = %v, want empty", got)
	}
}
