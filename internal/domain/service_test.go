package domain

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockRepo implements JobRepository for testing.
type mockRepo struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	seq       map[string]int
	next      int
	createErr error
	findErr   error
	// beforeClaim runs once, before the next Claim takes effect.
	beforeClaim func()
}

func newMockRepo() *mockRepo {
	return &mockRepo{jobs: make(map[string]*Job), seq: make(map[string]int)}
}

func (m *mockRepo) Create(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *job
	m.jobs[job.ID] = &cp
	m.seq[job.ID] = m.next
	m.next++
	return nil
}

func (m *mockRepo) Get(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *mockRepo) sorted(match func(*Job) bool) []Job {
	var result []Job
	for _, job := range m.jobs {
		if match(job) {
			result = append(result, *job)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return m.seq[result[i].ID] < m.seq[result[j].ID]
	})
	return result
}

func (m *mockRepo) FindPending(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	result := m.sorted(func(j *Job) bool {
		return j.Status == StatusPending && !j.AvailableAt.After(now)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *mockRepo) Claim(ctx context.Context, id string) (*Job, error) {
	m.mu.Lock()
	hook := m.beforeClaim
	m.beforeClaim = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusPending {
		return nil, ErrJobNotClaimable
	}
	job.Status = StatusProcessing
	job.Attempts++
	cp := *job
	return &cp, nil
}

func (m *mockRepo) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusProcessing {
		return ErrJobNotFound
	}
	job.Status = StatusPending
	job.Attempts--
	return nil
}

func (m *mockRepo) Complete(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusCompleted
	job.ProcessedAt = &at
	return nil
}

func (m *mockRepo) Retry(ctx context.Context, id string, reason string, availableAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusPending
	job.LastError = reason
	job.AvailableAt = availableAt
	return nil
}

func (m *mockRepo) Dead(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusDead
	job.LastError = reason
	return nil
}

func (m *mockRepo) Requeue(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusDead {
		return ErrJobNotDead
	}
	job.Status = StatusPending
	job.Attempts = 0
	return nil
}

func (m *mockRepo) List(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := m.sorted(func(j *Job) bool { return j.Status == status })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *mockRepo) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[JobStatus]int)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (m *mockRepo) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, job := range m.jobs {
		if job.Status == StatusProcessing {
			job.Status = StatusPending
			count++
		}
	}
	return count, nil
}

func (m *mockRepo) Ping(ctx context.Context) error { return nil }
func (m *mockRepo) Close() error                   { return nil }

func (m *mockRepo) status(id string) JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Status
}

// tickingClock returns strictly increasing times so created_at order is stable.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestService(repo *mockRepo, registry *Registry, opts ...ServiceOption) *JobService {
	opts = append([]ServiceOption{WithClock(tickingClock())}, opts...)
	return NewJobService(repo, registry, opts...)
}

func TestJobService_Enqueue(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo, NewRegistry())
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, TypeSendEmail, SendEmail{To: "a@example.com", Template: "generic"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue() returned empty id")
	}

	job, err := svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.Status != StatusPending {
		t.Errorf("Status = %q, want %q", job.Status, StatusPending)
	}
	if job.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", job.Attempts)
	}
	if job.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", job.MaxAttempts, DefaultMaxAttempts)
	}
	if !strings.Contains(string(job.Payload), "a@example.com") {
		t.Errorf("Payload = %s, want recipient", job.Payload)
	}
}

func TestJobService_Enqueue_UniqueIDs(t *testing.T) {
	svc := newTestService(newMockRepo(), NewRegistry())
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := svc.Enqueue(context.Background(), TypeSendEmail, map[string]int{"i": i})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestJobService_Enqueue_StoreFailure(t *testing.T) {
	repo := newMockRepo()
	repo.createErr = errors.New("disk full")
	svc := newTestService(repo, NewRegistry())

	_, err := svc.Enqueue(context.Background(), TypeSendEmail, SendEmail{To: "a@example.com", Template: "x"})

	var qe *QueueIntegrityError
	if !errors.As(err, &qe) {
		t.Fatalf("Enqueue() error = %v, want QueueIntegrityError", err)
	}
	if qe.Op != "enqueue" {
		t.Errorf("Op = %q, want enqueue", qe.Op)
	}
}

func TestJobService_EnqueuePayload_Validates(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo, NewRegistry())

	_, err := svc.EnqueuePayload(context.Background(), SendEmail{Template: "generic"})

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("EnqueuePayload() error = %v, want ValidationError", err)
	}
	if len(repo.jobs) != 0 {
		t.Errorf("invalid payload was persisted")
	}
}

func TestJobService_EnqueueOverrideMaxAttempts(t *testing.T) {
	svc := newTestService(newMockRepo(), NewRegistry())
	id, _ := svc.Enqueue(context.Background(), TypeSendEmail, struct{}{}, WithJobMaxAttempts(7))
	job, _ := svc.Get(context.Background(), id)
	if job.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", job.MaxAttempts)
	}
}

func TestJobService_ProcessJobs_Empty(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo, NewRegistry())

	res := svc.ProcessJobs(context.Background(), 5)
	if res != (ProcessResult{}) {
		t.Errorf("ProcessJobs() = %+v, want zero", res)
	}
	if len(repo.jobs) != 0 {
		t.Errorf("ProcessJobs() created jobs on empty store")
	}
}

func TestJobService_ProcessJobs_RetryThenSucceed(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()

	var notifyCalls atomic.Int32
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error { return nil })
	Register(registry, func(ctx context.Context, job *Job, p NewOrderNotification) error {
		if notifyCalls.Add(1) == 1 {
			return errors.New("smtp unavailable")
		}
		return nil
	})

	svc := newTestService(repo, registry)
	ctx := context.Background()

	e1, _ := svc.EnqueuePayload(ctx, SendEmail{To: "a@example.com", Template: "generic"})
	e2, _ := svc.EnqueuePayload(ctx, SendEmail{To: "b@example.com", Template: "generic"})
	n1, _ := svc.EnqueuePayload(ctx, NewOrderNotification{OrderID: "o1", OrderNumber: "1001"})

	first := svc.ProcessJobs(ctx, 5)
	if first.Processed != 2 || first.Failed != 1 {
		t.Errorf("first ProcessJobs() = %+v, want {2 1}", first)
	}

	second := svc.ProcessJobs(ctx, 5)
	if second.Processed != 1 || second.Failed != 0 {
		t.Errorf("second ProcessJobs() = %+v, want {1 0}", second)
	}

	for _, id := range []string{e1, e2, n1} {
		if got := repo.status(id); got != StatusCompleted {
			t.Errorf("job %s status = %q, want %q", id, got, StatusCompleted)
		}
	}

	job, _ := svc.Get(ctx, n1)
	if job.Attempts != 2 {
		t.Errorf("notification attempts = %d, want 2", job.Attempts)
	}
	if job.ProcessedAt == nil {
		t.Error("notification ProcessedAt = nil, want set")
	}
}

func TestJobService_ProcessJobs_AlwaysFailingBecomesDead(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()

	var calls atomic.Int32
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error {
		calls.Add(1)
		return errors.New("provider down")
	})

	svc := newTestService(repo, registry, WithMaxAttempts(3))
	ctx := context.Background()
	id, _ := svc.EnqueuePayload(ctx, SendEmail{To: "a@example.com", Template: "generic"})

	var statuses []JobStatus
	for i := 0; i < 5; i++ {
		svc.ProcessJobs(ctx, 10)
		statuses = append(statuses, repo.status(id))
	}

	want := []JobStatus{StatusPending, StatusPending, StatusDead, StatusDead, StatusDead}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("after call %d status = %q, want %q", i+1, statuses[i], want[i])
		}
	}
	if calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", calls.Load())
	}

	job, _ := svc.Get(ctx, id)
	if job.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", job.Attempts)
	}
	if !strings.Contains(job.LastError, "provider down") {
		t.Errorf("LastError = %q, want handler error", job.LastError)
	}
}

func TestJobService_ProcessJobs_FIFOLimit(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()

	var mu sync.Mutex
	var order []string
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error {
		mu.Lock()
		order = append(order, p.To)
		mu.Unlock()
		return nil
	})

	svc := newTestService(repo, registry)
	ctx := context.Background()

	var ids []string
	for _, to := range []string{"1@x", "2@x", "3@x", "4@x", "5@x"} {
		id, _ := svc.EnqueuePayload(ctx, SendEmail{To: to, Template: "generic"})
		ids = append(ids, id)
	}

	res := svc.ProcessJobs(ctx, 2)
	if res.Processed != 2 {
		t.Fatalf("ProcessJobs(2) processed = %d, want 2", res.Processed)
	}
	if len(order) != 2 || order[0] != "1@x" || order[1] != "2@x" {
		t.Errorf("processed order = %v, want [1@x 2@x]", order)
	}
	for _, id := range ids[2:] {
		if got := repo.status(id); got != StatusPending {
			t.Errorf("job %s status = %q, want pending", id, got)
		}
	}

	res = svc.ProcessJobs(ctx, 10)
	if res.Processed != 3 {
		t.Errorf("second ProcessJobs processed = %d, want 3", res.Processed)
	}
}

func TestJobService_ProcessJobs_UnknownType(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo, NewRegistry())
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, JobType("REFUND_CUSTOMER"), map[string]string{"orderId": "o1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	res := svc.ProcessJobs(ctx, 1)
	if res.Failed != 1 {
		t.Errorf("ProcessJobs() = %+v, want one failure", res)
	}

	job, _ := svc.Get(ctx, id)
	if job.Status != StatusDead {
		t.Errorf("status = %q, want %q", job.Status, StatusDead)
	}
	if !strings.Contains(job.LastError, "REFUND_CUSTOMER") {
		t.Errorf("LastError = %q, want it to name the type", job.LastError)
	}
	if !strings.Contains(job.LastError, ErrUnknownJobType.Error()) {
		t.Errorf("LastError = %q, want missing handler", job.LastError)
	}
}

func TestJobService_ProcessJobs_InvalidPayloadCountsAsFailure(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error { return nil })
	svc := newTestService(repo, registry, WithMaxAttempts(1))
	ctx := context.Background()

	id, _ := svc.Enqueue(ctx, TypeSendEmail, map[string]string{"subject": "no recipient"})
	svc.ProcessJobs(ctx, 1)

	job, _ := svc.Get(ctx, id)
	if job.Status != StatusDead {
		t.Errorf("status = %q, want dead", job.Status)
	}
	if !strings.Contains(job.LastError, "to:") {
		t.Errorf("LastError = %q, want field name", job.LastError)
	}
}

func TestJobService_ProcessJobs_RecoversPanic(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error {
		panic("template exploded")
	})
	svc := newTestService(repo, registry)
	ctx := context.Background()

	id, _ := svc.EnqueuePayload(ctx, SendEmail{To: "a@x", Template: "t"})
	res := svc.ProcessJobs(ctx, 1)
	if res.Failed != 1 {
		t.Fatalf("ProcessJobs() = %+v, want one failure", res)
	}

	job, _ := svc.Get(ctx, id)
	if job.Status != StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if !strings.Contains(job.LastError, "template exploded") {
		t.Errorf("LastError = %q, want panic value", job.LastError)
	}
}

func TestJobService_ProcessJobs_HandlerTimeout(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error {
		<-ctx.Done()
		return ctx.Err()
	})
	svc := newTestService(repo, registry, WithHandlerTimeout(20*time.Millisecond))
	ctx := context.Background()

	id, _ := svc.EnqueuePayload(ctx, SendEmail{To: "a@x", Template: "t"})

	done := make(chan ProcessResult, 1)
	go func() { done <- svc.ProcessJobs(ctx, 1) }()

	select {
	case res := <-done:
		if res.Failed != 1 {
			t.Errorf("ProcessJobs() = %+v, want one failure", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hung handler was not bounded by the timeout")
	}

	job, _ := svc.Get(ctx, id)
	if !strings.Contains(job.LastError, context.DeadlineExceeded.Error()) {
		t.Errorf("LastError = %q, want deadline exceeded", job.LastError)
	}
}

func TestJobService_ProcessJobs_BackoffDelaysRetry(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error {
		return errors.New("fail")
	})
	svc := newTestService(repo, registry, WithBackoff(ConstantBackoff{Interval: time.Hour}))
	ctx := context.Background()

	svc.EnqueuePayload(ctx, SendEmail{To: "a@x", Template: "t"})

	if res := svc.ProcessJobs(ctx, 1); res.Failed != 1 {
		t.Fatalf("first ProcessJobs() = %+v", res)
	}
	if res := svc.ProcessJobs(ctx, 1); res != (ProcessResult{}) {
		t.Errorf("second ProcessJobs() = %+v, want nothing claimable yet", res)
	}
}

func TestJobService_ProcessJobs_ConcurrentCallersClaimOnce(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()

	var mu sync.Mutex
	runs := make(map[string]int)
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error {
		mu.Lock()
		runs[job.ID]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	})

	svc := newTestService(repo, registry)
	ctx := context.Background()
	for i := 0; i < 40; i++ {
		svc.EnqueuePayload(ctx, SendEmail{To: "a@x", Template: "t"})
	}

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res := svc.ProcessJobs(ctx, 5)
				if res.Processed == 0 && res.Failed == 0 {
					return
				}
				total.Add(int32(res.Processed))
			}
		}()
	}
	wg.Wait()

	if total.Load() != 40 {
		t.Errorf("processed %d jobs, want 40", total.Load())
	}
	for id, n := range runs {
		if n != 1 {
			t.Errorf("job %s ran %d times, want 1", id, n)
		}
	}
}

func TestJobService_ProcessJobs_ConcurrentFailuresRespectMaxAttempts(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()

	var mu sync.Mutex
	runs := make(map[string]int)
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error {
		mu.Lock()
		runs[job.ID]++
		mu.Unlock()
		return errors.New("smtp down")
	})

	svc := newTestService(repo, registry)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		svc.EnqueuePayload(ctx, SendEmail{To: "a@x", Template: "t"})
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res := svc.ProcessJobs(ctx, 2)
				if res.Processed == 0 && res.Failed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	for id, job := range repo.jobs {
		if job.Status != StatusDead {
			t.Errorf("job %s status = %s, want dead", id, job.Status)
		}
		if job.Attempts > job.MaxAttempts {
			t.Errorf("job %s attempts %d > max %d", id, job.Attempts, job.MaxAttempts)
		}
		if runs[id] > job.MaxAttempts {
			t.Errorf("job %s ran %d times, max %d", id, runs[id], job.MaxAttempts)
		}
	}
}

func TestJobService_ProcessJobs_ClaimUsesStoredAttempts(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()

	var runs atomic.Int32
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error {
		runs.Add(1)
		return errors.New("smtp down")
	})

	svc := newTestService(repo, registry)
	other := newTestService(repo, registry)
	ctx := context.Background()
	id, _ := svc.EnqueuePayload(ctx, SendEmail{To: "a@x", Template: "t"})

	// Between svc's FindPending and its Claim, another caller runs the job twice.
	repo.beforeClaim = func() {
		other.ProcessJobs(ctx, 1)
		other.ProcessJobs(ctx, 1)
	}

	res := svc.ProcessJobs(ctx, 1)
	if res.Failed != 1 {
		t.Errorf("ProcessJobs() = %+v, want 1 failed", res)
	}

	job, _ := repo.Get(ctx, id)
	if job.Status != StatusDead || job.Attempts != DefaultMaxAttempts {
		t.Errorf("job = %s/%d, want dead/%d", job.Status, job.Attempts, DefaultMaxAttempts)
	}
	if n := runs.Load(); n != DefaultMaxAttempts {
		t.Errorf("handler ran %d times, want %d", n, DefaultMaxAttempts)
	}
}

func TestJobService_ProcessJobs_CancelledBeforeClaim(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error { return nil })
	svc := newTestService(repo, registry)

	id, _ := svc.EnqueuePayload(context.Background(), SendEmail{To: "a@x", Template: "t"}, WithJobMaxAttempts(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := svc.ProcessJobs(ctx, 5); res != (ProcessResult{}) {
		t.Errorf("ProcessJobs() = %+v, want nothing run", res)
	}

	job, _ := repo.Get(context.Background(), id)
	if job.Status != StatusPending || job.Attempts != 0 {
		t.Errorf("job = %s/%d, want pending/0", job.Status, job.Attempts)
	}
}

func TestJobService_ProcessJobs_CancelReleasesUnrunJobs(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var runs atomic.Int32
	Register(registry, func(context.Context, *Job, SendEmail) error {
		runs.Add(1)
		cancel()
		return nil
	})
	svc := newTestService(repo, registry)

	first, _ := svc.EnqueuePayload(context.Background(), SendEmail{To: "a@x", Template: "t"}, WithJobMaxAttempts(1))
	second, _ := svc.EnqueuePayload(context.Background(), SendEmail{To: "b@x", Template: "t"}, WithJobMaxAttempts(1))

	res := svc.ProcessJobs(ctx, 2)
	if res.Processed != 1 || res.Failed != 0 {
		t.Errorf("ProcessJobs() = %+v, want 1 processed", res)
	}
	if runs.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", runs.Load())
	}
	if got := repo.status(first); got != StatusCompleted {
		t.Errorf("first job status = %s, want completed", got)
	}

	job, _ := repo.Get(context.Background(), second)
	if job.Status != StatusPending || job.Attempts != 0 {
		t.Errorf("second job = %s/%d, want pending/0", job.Status, job.Attempts)
	}
}

func TestJobService_EventuallyDrains(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()

	var calls atomic.Int32
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error {
		if calls.Add(1)%3 == 0 {
			return errors.New("flaky")
		}
		return nil
	})
	svc := newTestService(repo, registry)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		svc.EnqueuePayload(ctx, SendEmail{To: "a@x", Template: "t"})
	}
	svc.Enqueue(ctx, JobType("UNKNOWN"), struct{}{})

	for i := 0; i < 20; i++ {
		svc.ProcessJobs(ctx, 4)
	}

	stats, _ := svc.Stats(ctx)
	if stats[StatusPending] != 0 || stats[StatusProcessing] != 0 {
		t.Errorf("stats = %v, want nothing pending or processing", stats)
	}
	if stats[StatusCompleted]+stats[StatusDead] != 13 {
		t.Errorf("stats = %v, want 13 terminal jobs", stats)
	}
	for _, job := range repo.jobs {
		if job.Attempts > job.MaxAttempts {
			t.Errorf("job %s attempts %d > max %d", job.ID, job.Attempts, job.MaxAttempts)
		}
	}
}

func TestJobService_Replay(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo, NewRegistry())
	ctx := context.Background()

	id, _ := svc.Enqueue(ctx, JobType("NOPE"), struct{}{})

	if _, err := svc.Replay(ctx, id); !errors.Is(err, ErrJobNotDead) {
		t.Errorf("Replay() pending job error = %v, want %v", err, ErrJobNotDead)
	}

	svc.ProcessJobs(ctx, 1)

	job, err := svc.Replay(ctx, id)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if job.Status != StatusPending || job.Attempts != 0 {
		t.Errorf("Replay() job = %s/%d, want pending/0", job.Status, job.Attempts)
	}

	if _, err := svc.Replay(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Replay() missing error = %v, want %v", err, ErrJobNotFound)
	}
}

func TestJobService_List_InvalidStatus(t *testing.T) {
	svc := newTestService(newMockRepo(), NewRegistry())
	_, err := svc.List(context.Background(), JobStatus("lost"), 10)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("List() error = %v, want ValidationError", err)
	}
}

func TestJobService_EnqueueAndFlush(t *testing.T) {
	repo := newMockRepo()
	registry := NewRegistry()
	Register(registry, func(ctx context.Context, job *Job, p SendEmail) error { return nil })
	svc := newTestService(repo, registry)

	ids, res, err := svc.EnqueueAndFlush(context.Background(), []Payload{
		SendEmail{To: "a@x", Template: "t"},
		SendEmail{Template: "t"},
		SendEmail{To: "b@x", Template: "t"},
	}, 10)

	if err == nil {
		t.Error("EnqueueAndFlush() error = nil, want validation error")
	}
	if len(ids) != 2 {
		t.Errorf("ids = %d, want 2", len(ids))
	}
	if res.Processed != 2 {
		t.Errorf("Processed = %d, want 2", res.Processed)
	}
}

func TestJobService_RecoverStale(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo, NewRegistry())
	ctx := context.Background()

	id, _ := svc.Enqueue(ctx, TypeSendEmail, struct{}{})
	repo.Claim(ctx, id)

	n, err := svc.RecoverStale(ctx, 0)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RecoverStale() = %d, want 1", n)
	}
	if got := repo.status(id); got != StatusPending {
		t.Errorf("status = %q, want pending", got)
	}
}
