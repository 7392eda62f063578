package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/retry"
	"github.com/lalithlochan/courier/internal/signing"
)

// fakeStore is an in-memory job store with the same state rules as the
// Postgres repository: claims move pending to processing and outcome writes
// require processing.
type fakeStore struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*db.ClaimedJob
	failures    map[uuid.UUID]int
	claimErr    error
	staleCutoff time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[uuid.UUID]*db.ClaimedJob),
		failures: make(map[uuid.UUID]int),
	}
}

func (s *fakeStore) add(job *db.ClaimedJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *fakeStore) get(id uuid.UUID) db.DeliveryJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].DeliveryJob
}

func (s *fakeStore) ReleaseStaleClaims(ctx context.Context, ch db.Channel, cutoff time.Time, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleCutoff = cutoff
	var n int64
	for _, j := range s.jobs {
		if j.Channel == ch && j.Status == db.StatusProcessing && j.UpdatedAt.Before(cutoff) {
			j.AttemptNumber++
			j.Status = db.StatusPending
			if j.AttemptNumber > maxRetries {
				j.Status = db.StatusFailed
			}
			msg := db.StaleClaimError
			j.ErrorMessage = &msg
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ClaimDueJobs(ctx context.Context, ch db.Channel, limit int, now time.Time) ([]*db.ClaimedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	var due []*db.ClaimedJob
	for _, j := range s.jobs {
		if j.Channel == ch && j.Status == db.StatusPending && !j.NextRetryAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].CreatedAt.Before(due[b].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*db.ClaimedJob, len(due))
	for i, j := range due {
		j.Status = db.StatusProcessing
		j.UpdatedAt = now
		cp := *j
		out[i] = &cp
	}
	return out, nil
}

func (s *fakeStore) claimed(id uuid.UUID) (*db.ClaimedJob, error) {
	j, ok := s.jobs[id]
	if !ok || j.Status != db.StatusProcessing {
		return nil, db.ErrJobNotClaimed
	}
	return j, nil
}

func (s *fakeStore) CompleteJob(ctx context.Context, ch db.Channel, id uuid.UUID, out db.DeliveryOutcome, deliveredAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.claimed(id)
	if err != nil {
		return err
	}
	j.Status = db.StatusSuccess
	j.ResponseStatus = intPtr(out.ResponseStatus)
	j.ResponseBody = &out.ResponseBody
	j.ErrorMessage = nil
	j.DeliveredAt = &deliveredAt
	return nil
}

func (s *fakeStore) RescheduleJob(ctx context.Context, ch db.Channel, id uuid.UUID, attempt int, next time.Time, out db.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.claimed(id)
	if err != nil {
		return err
	}
	if attempt <= j.AttemptNumber {
		return db.ErrJobNotClaimed
	}
	j.Status = db.StatusPending
	j.AttemptNumber = attempt
	j.NextRetryAt = next
	j.ResponseStatus = intPtr(out.ResponseStatus)
	j.ErrorMessage = &out.ErrorMessage
	return nil
}

func (s *fakeStore) FailJob(ctx context.Context, ch db.Channel, id uuid.UUID, attempt int, out db.DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.claimed(id)
	if err != nil {
		return err
	}
	j.Status = db.StatusFailed
	j.AttemptNumber = attempt
	j.ResponseStatus = intPtr(out.ResponseStatus)
	j.ErrorMessage = &out.ErrorMessage
	return nil
}

func (s *fakeStore) MarkTargetHealthy(ctx context.Context, targetID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[targetID] = 0
	return nil
}

func (s *fakeStore) RecordTargetFailure(ctx context.Context, targetID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[targetID]++
	return s.failures[targetID], nil
}

func intPtr(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// funcChannel adapts a function to Channel.
type funcChannel struct {
	name db.Channel
	fn   func(ctx context.Context, job *db.ClaimedJob) (Response, error)
}

func (c *funcChannel) Name() db.Channel { return c.name }
func (c *funcChannel) Deliver(ctx context.Context, job *db.ClaimedJob, _ Payload) (Response, error) {
	return c.fn(ctx, job)
}

type recordingDeadLetter struct {
	mu   sync.Mutex
	jobs []uuid.UUID
}

func (r *recordingDeadLetter) PublishDeadLetter(ctx context.Context, job *db.DeliveryJob, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job.ID)
	return nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []int
}

func (r *recordingAlerter) AlertTargetUnhealthy(ctx context.Context, target *db.WebhookTarget, failures int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, failures)
	return nil
}

func webhookJob(target *db.WebhookTarget, createdAt time.Time) *db.ClaimedJob {
	return &db.ClaimedJob{
		DeliveryJob: db.DeliveryJob{
			ID:          uuid.New(),
			TenantID:    target.TenantID,
			Channel:     db.ChannelWebhook,
			Status:      db.StatusPending,
			NextRetryAt: createdAt,
			EventType:   "booking.confirmed",
			Payload:     json.RawMessage(`{"booking_id":"b-1","status":"confirmed"}`),
			TargetID:    target.ID,
			CreatedAt:   createdAt,
			UpdatedAt:   createdAt,
		},
		Webhook: target,
	}
}

func newWebhookTarget(url string) *db.WebhookTarget {
	return &db.WebhookTarget{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		URL:      url,
		Secret:   "whsec-test-secret",
		Events:   []string{"*"},
		Active:   true,
	}
}

func newTestDispatcher(store Store, ch Channel, clock *fakeClock, cfg Config, opts ...Option) *Dispatcher {
	d := New(store, ch, cfg, zap.NewNop(), opts...)
	d.now = clock.Now
	return d
}

// Endpoint always answers 500: five retries on the fixed table, then failed
// on the sixth failure, and never pending again.
func TestDispatcher_RetriesThenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	store := newFakeStore()
	clock := newFakeClock()
	target := newWebhookTarget(srv.URL)
	job := webhookJob(target, clock.Now())
	store.add(job)

	dlq := &recordingDeadLetter{}
	d := newTestDispatcher(store, NewWebhookChannel(time.Second), clock, Config{}, WithDeadLetter(dlq))

	wantDelays := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, time.Minute, 5 * time.Minute}

	for i, delay := range wantDelays {
		ranAt := clock.Now()
		summary, err := d.RunBatch(context.Background())
		if err != nil {
			t.Fatalf("batch %d: unexpected error: %v", i+1, err)
		}
		if summary.Processed != 1 || summary.Results[0].Status != ResultRetryScheduled {
			t.Fatalf("batch %d: expected one retry_scheduled result, got %+v", i+1, summary)
		}

		got := store.get(job.ID)
		if got.Status != db.StatusPending {
			t.Fatalf("batch %d: expected pending, got %s", i+1, got.Status)
		}
		if got.AttemptNumber != i+1 {
			t.Errorf("batch %d: expected attempt %d, got %d", i+1, i+1, got.AttemptNumber)
		}
		if want := ranAt.Add(delay); !got.NextRetryAt.Equal(want) {
			t.Errorf("batch %d: expected next_retry_at %s, got %s", i+1, want, got.NextRetryAt)
		}
		if got.ResponseStatus == nil || *got.ResponseStatus != 500 {
			t.Errorf("batch %d: expected response status 500", i+1)
		}

		// Not due yet: an early batch claims nothing.
		early, _ := d.RunBatch(context.Background())
		if early.Processed != 0 {
			t.Fatalf("batch %d: job claimed before next_retry_at", i+1)
		}

		clock.Set(got.NextRetryAt)
	}

	summary, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("final batch: unexpected error: %v", err)
	}
	if summary.Results[0].Status != ResultFailed || summary.Results[0].AttemptNumber != 6 {
		t.Fatalf("expected failed at attempt 6, got %+v", summary.Results[0])
	}

	got := store.get(job.ID)
	if got.Status != db.StatusFailed || got.AttemptNumber != 6 {
		t.Fatalf("expected failed/6, got %s/%d", got.Status, got.AttemptNumber)
	}

	clock.Set(clock.Now().Add(time.Hour))
	after, _ := d.RunBatch(context.Background())
	if after.Processed != 0 || store.get(job.ID).Status != db.StatusFailed {
		t.Fatal("failed job must never be claimed again")
	}

	if store.failures[target.ID] != 6 {
		t.Errorf("expected failure_count 6, got %d", store.failures[target.ID])
	}
	if len(dlq.jobs) != 1 || dlq.jobs[0] != job.ID {
		t.Errorf("expected one dead letter for the job, got %v", dlq.jobs)
	}
}

// One 500 then a 200: the job ends in success with the error cleared and the
// target's failure streak reset.
func TestDispatcher_RecoversAfterOneFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	store := newFakeStore()
	clock := newFakeClock()
	target := newWebhookTarget(srv.URL)
	job := webhookJob(target, clock.Now())
	store.add(job)

	d := newTestDispatcher(store, NewWebhookChannel(time.Second), clock, Config{})

	if _, err := d.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := store.get(job.ID)
	if first.Status != db.StatusPending || first.AttemptNumber != 1 {
		t.Fatalf("expected pending/1, got %s/%d", first.Status, first.AttemptNumber)
	}
	if want := clock.Now().Add(time.Second); !first.NextRetryAt.Equal(want) {
		t.Errorf("expected retry at +1s, got %s", first.NextRetryAt)
	}
	if store.failures[target.ID] != 1 {
		t.Errorf("expected failure_count 1, got %d", store.failures[target.ID])
	}

	clock.Set(first.NextRetryAt)
	summary, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Results[0].Status != ResultSuccess {
		t.Fatalf("expected success, got %+v", summary.Results[0])
	}

	got := store.get(job.ID)
	if got.Status != db.StatusSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}
	if got.ErrorMessage != nil {
		t.Errorf("expected error_message cleared, got %q", *got.ErrorMessage)
	}
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(clock.Now()) {
		t.Errorf("expected delivered_at stamped")
	}
	if got.ResponseBody == nil || *got.ResponseBody != "ok" {
		t.Errorf("expected response body captured")
	}
	if store.failures[target.ID] != 0 {
		t.Errorf("expected failure_count reset, got %d", store.failures[target.ID])
	}
}

func TestDispatcher_SignsWebhookRequests(t *testing.T) {
	const secret = "whsec-test-secret"
	var gotErr atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		ts, err := strconv.ParseInt(r.Header.Get(signing.HeaderTimestamp), 10, 64)
		switch {
		case err != nil:
			gotErr.Store("bad timestamp header")
		case r.Header.Get(signing.HeaderSignature) != signing.Sign(secret, ts, body):
			gotErr.Store("signature mismatch")
		case r.Header.Get(signing.HeaderEvent) != "booking.confirmed":
			gotErr.Store("missing event header")
		case r.Header.Get("Content-Type") != "application/json":
			gotErr.Store("wrong content type")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newFakeStore()
	clock := newFakeClock()
	target := newWebhookTarget(srv.URL)
	target.Secret = secret
	store.add(webhookJob(target, clock.Now()))

	d := newTestDispatcher(store, NewWebhookChannel(time.Second), clock, Config{})
	summary, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v := gotErr.Load(); v != nil {
		t.Fatalf("receiver rejected request: %v", v)
	}
	if summary.Results[0].Status != ResultSuccess {
		t.Fatalf("expected success, got %+v", summary.Results[0])
	}
}

// One job panicking or failing must not stop the others from getting a decision.
func TestDispatcher_IsolatesJobs(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock()

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		target := newWebhookTarget("https://example.invalid/hook")
		job := webhookJob(target, clock.Now().Add(time.Duration(i)*time.Millisecond))
		store.add(job)
		ids = append(ids, job.ID)
	}

	ch := &funcChannel{name: db.ChannelWebhook, fn: func(ctx context.Context, job *db.ClaimedJob) (Response, error) {
		switch job.ID {
		case ids[1]:
			panic("renderer exploded")
		case ids[3]:
			return Response{StatusCode: 503}, &StatusError{StatusCode: 503}
		}
		return Response{StatusCode: 200}, nil
	}}

	d := newTestDispatcher(store, ch, clock, Config{Concurrency: 2})
	summary, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Processed != 5 {
		t.Fatalf("expected 5 results, got %d", summary.Processed)
	}

	want := map[uuid.UUID]string{
		ids[0]: db.StatusSuccess,
		ids[1]: db.StatusPending,
		ids[2]: db.StatusSuccess,
		ids[3]: db.StatusPending,
		ids[4]: db.StatusSuccess,
	}
	for id, status := range want {
		if got := store.get(id).Status; got != status {
			t.Errorf("job %s: expected %s, got %s", id, status, got)
		}
	}

	// Results keep claim order.
	for i, res := range summary.Results {
		if res.ID != ids[i] {
			t.Errorf("result %d: expected %s, got %s", i, ids[i], res.ID)
		}
	}
	if summary.Results[1].Status != ResultRetryScheduled {
		t.Errorf("panicking job should be scheduled for retry, got %s", summary.Results[1].Status)
	}
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock()
	for i := 0; i < 12; i++ {
		store.add(webhookJob(newWebhookTarget("https://example.invalid"), clock.Now()))
	}

	var inFlight, peak atomic.Int32
	ch := &funcChannel{name: db.ChannelWebhook, fn: func(ctx context.Context, job *db.ClaimedJob) (Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return Response{StatusCode: 200}, nil
	}}

	d := newTestDispatcher(store, ch, clock, Config{Concurrency: 3, BatchSize: 10})
	summary, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Processed != 10 {
		t.Errorf("expected batch size cap of 10, got %d", summary.Processed)
	}
	if peak.Load() > 3 {
		t.Errorf("expected at most 3 concurrent deliveries, saw %d", peak.Load())
	}
}

func TestDispatcher_MalformedPayloadRetries(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock()
	job := webhookJob(newWebhookTarget("https://example.invalid"), clock.Now())
	job.Channel = db.ChannelChat
	job.Payload = json.RawMessage(`{"fields":[]}`)
	job.Webhook = nil
	store.add(job)

	called := false
	ch := &funcChannel{name: db.ChannelChat, fn: func(ctx context.Context, job *db.ClaimedJob) (Response, error) {
		called = true
		return Response{StatusCode: 200}, nil
	}}

	d := newTestDispatcher(store, ch, clock, Config{})
	summary, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("channel must not be called with an undecodable payload")
	}
	if summary.Results[0].Status != ResultRetryScheduled {
		t.Errorf("expected retry_scheduled, got %s", summary.Results[0].Status)
	}
	if got := store.get(job.ID); got.ErrorMessage == nil || *got.ErrorMessage == "" {
		t.Error("expected error message recorded")
	}
}

func TestDispatcher_MissingTargetRetries(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock()
	job := webhookJob(newWebhookTarget("https://example.invalid"), clock.Now())
	job.Webhook = nil
	store.add(job)

	d := newTestDispatcher(store, NewWebhookChannel(time.Second), clock, Config{})
	summary, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Results[0].Status != ResultRetryScheduled {
		t.Fatalf("expected retry_scheduled, got %+v", summary.Results[0])
	}
}

func TestDispatcher_ClaimErrorIsReturned(t *testing.T) {
	store := newFakeStore()
	store.claimErr = errors.New("connection reset")

	d := newTestDispatcher(store, NewWebhookChannel(time.Second), newFakeClock(), Config{})
	summary, err := d.RunBatch(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if summary.Channel != db.ChannelWebhook || summary.Results == nil {
		t.Errorf("expected empty summary for the channel, got %+v", summary)
	}
}

func TestDispatcher_ReleasesStaleClaims(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock()

	job := webhookJob(newWebhookTarget("https://example.invalid"), clock.Now().Add(-time.Hour))
	job.Status = db.StatusProcessing
	job.UpdatedAt = clock.Now().Add(-10 * time.Minute)
	store.add(job)

	ch := &funcChannel{name: db.ChannelWebhook, fn: func(ctx context.Context, job *db.ClaimedJob) (Response, error) {
		return Response{StatusCode: 200}, nil
	}}

	d := newTestDispatcher(store, ch, clock, Config{ClaimLease: 5 * time.Minute})
	summary, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := clock.Now().Add(-5 * time.Minute); !store.staleCutoff.Equal(want) {
		t.Errorf("expected cutoff %s, got %s", want, store.staleCutoff)
	}
	if summary.Processed != 1 || store.get(job.ID).Status != db.StatusSuccess {
		t.Fatalf("stale job should be reclaimed and delivered, got %+v", summary)
	}
	if got := store.get(job.ID).AttemptNumber; got != 1 {
		t.Errorf("the lost invocation should count as an attempt, got %d", got)
	}
}

// A job that keeps killing its worker must reach failed instead of being
// released forever.
func TestDispatcher_StaleClaimPastMaxRetriesFails(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock()

	job := webhookJob(newWebhookTarget("https://example.invalid"), clock.Now().Add(-time.Hour))
	job.Status = db.StatusProcessing
	job.AttemptNumber = retry.MaxRetries
	job.UpdatedAt = clock.Now().Add(-10 * time.Minute)
	store.add(job)

	var calls atomic.Int32
	ch := &funcChannel{name: db.ChannelWebhook, fn: func(ctx context.Context, job *db.ClaimedJob) (Response, error) {
		calls.Add(1)
		return Response{StatusCode: 200}, nil
	}}

	d := newTestDispatcher(store, ch, clock, Config{ClaimLease: 5 * time.Minute})
	summary, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Processed != 0 || calls.Load() != 0 {
		t.Fatalf("exhausted job should not be delivered again, got %+v", summary)
	}

	got := store.get(job.ID)
	if got.Status != db.StatusFailed || got.AttemptNumber != retry.MaxRetries+1 {
		t.Errorf("expected failed at attempt %d, got %s at %d", retry.MaxRetries+1, got.Status, got.AttemptNumber)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != db.StaleClaimError {
		t.Errorf("expected stale claim error recorded, got %v", got.ErrorMessage)
	}
}

func TestDispatcher_AlertsOnceAtThreshold(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock()
	target := newWebhookTarget("https://example.invalid")
	for i := 0; i < 4; i++ {
		store.add(webhookJob(target, clock.Now().Add(time.Duration(i)*time.Millisecond)))
	}

	ch := &funcChannel{name: db.ChannelWebhook, fn: func(ctx context.Context, job *db.ClaimedJob) (Response, error) {
		return Response{StatusCode: 502}, &StatusError{StatusCode: 502}
	}}

	alerter := &recordingAlerter{}
	d := newTestDispatcher(store, ch, clock, Config{AlertThreshold: 3, Concurrency: 1}, WithAlerter(alerter))
	if _, err := d.RunBatch(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(alerter.alerts) != 1 || alerter.alerts[0] != 3 {
		t.Errorf("expected a single alert at 3 failures, got %v", alerter.alerts)
	}
}

func TestDispatcher_OutcomeWriteRequiresClaim(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock()
	job := webhookJob(newWebhookTarget("https://example.invalid"), clock.Now())
	store.add(job)

	// The row is finished by someone else while delivery is in flight.
	ch := &funcChannel{name: db.ChannelWebhook, fn: func(ctx context.Context, j *db.ClaimedJob) (Response, error) {
		store.mu.Lock()
		store.jobs[j.ID].Status = db.StatusSuccess
		store.mu.Unlock()
		return Response{StatusCode: 500}, &StatusError{StatusCode: 500}
	}}

	d := newTestDispatcher(store, ch, clock, Config{})
	summary, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := store.get(job.ID).Status; got != db.StatusSuccess {
		t.Fatalf("terminal row was mutated: %s", got)
	}
	if summary.Results[0].Error == "" {
		t.Error("expected store error reported in result")
	}
}

func TestDispatcher_CircuitBreakerFailsFast(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock()
	for i := 0; i < 3; i++ {
		store.add(webhookJob(newWebhookTarget("https://example.invalid"), clock.Now().Add(time.Duration(i)*time.Millisecond)))
	}

	var calls atomic.Int32
	inner := &funcChannel{name: db.ChannelWebhook, fn: func(ctx context.Context, job *db.ClaimedJob) (Response, error) {
		calls.Add(1)
		return Response{}, errors.New("dial tcp: connection refused")
	}}

	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "webhook", MaxFailures: 1, RecoveryTimeout: time.Hour}, zap.NewNop())
	d := newTestDispatcher(store, Protect(inner, breaker), clock, Config{Concurrency: 1})

	summary, err := d.RunBatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one provider call before the breaker opened, got %d", calls.Load())
	}
	for _, res := range summary.Results {
		if res.Status != ResultRetryScheduled {
			t.Errorf("expected every job scheduled for retry, got %s", res.Status)
		}
	}
}

func TestProtect_ConfigErrorsDoNotTrip(t *testing.T) {
	inner := &funcChannel{name: db.ChannelPush, fn: func(ctx context.Context, job *db.ClaimedJob) (Response, error) {
		return Response{}, fmt.Errorf("%w: endpoint missing", retry.ErrConfig)
	}}
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "push", MaxFailures: 1}, zap.NewNop())
	ch := Protect(inner, breaker)

	for i := 0; i < 3; i++ {
		_, err := ch.Deliver(context.Background(), &db.ClaimedJob{}, PushPayload{Body: "x"})
		if !errors.Is(err, retry.ErrConfig) {
			t.Fatalf("expected config error passthrough, got %v", err)
		}
	}
	if breaker.GetState() != circuitbreaker.StateClosed {
		t.Errorf("config errors should not open the breaker, state=%s", breaker.GetState())
	}
}

// ctxStore refuses writes on a done context, like pgx does.
type ctxStore struct {
	*fakeStore
}

func (s ctxStore) CompleteJob(ctx context.Context, ch db.Channel, id uuid.UUID, out db.DeliveryOutcome, deliveredAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeStore.CompleteJob(ctx, ch, id, out, deliveredAt)
}

func (s ctxStore) RescheduleJob(ctx context.Context, ch db.Channel, id uuid.UUID, attempt int, next time.Time, out db.DeliveryOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeStore.RescheduleJob(ctx, ch, id, attempt, next, out)
}

// The caller disconnecting after the provider accepted must not strand the
// job in processing.
func TestDispatcher_OutcomeWrittenAfterCancel(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status string
	}{
		{"delivered", nil, db.StatusSuccess},
		{"retry", &StatusError{StatusCode: 502}, db.StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			clock := newFakeClock()
			job := webhookJob(newWebhookTarget("https://example.invalid"), clock.Now())
			store.add(job)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch := &funcChannel{name: db.ChannelWebhook, fn: func(context.Context, *db.ClaimedJob) (Response, error) {
				cancel()
				if tt.err != nil {
					return Response{StatusCode: 502}, tt.err
				}
				return Response{StatusCode: 200}, nil
			}}

			d := newTestDispatcher(ctxStore{store}, ch, clock, Config{Concurrency: 1})
			summary, err := d.RunBatch(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if summary.Results[0].Error != "" && tt.err == nil {
				t.Fatalf("unexpected outcome error: %s", summary.Results[0].Error)
			}
			if got := store.get(job.ID).Status; got != tt.status {
				t.Errorf("expected %s, got %s", tt.status, got)
			}
		})
	}
}

// One tenant's revoked credentials must not block delivery for the rest.
func TestProtect_ClientErrorsDoNotTrip(t *testing.T) {
	revoked := uuid.New()
	inner := &funcChannel{name: db.ChannelCalendar, fn: func(ctx context.Context, job *db.ClaimedJob) (Response, error) {
		if job.TenantID == revoked {
			return Response{StatusCode: 401}, &StatusError{StatusCode: 401}
		}
		return Response{StatusCode: 200}, nil
	}}
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "calendar", MaxFailures: 5, RecoveryTimeout: time.Hour}, zap.NewNop())
	ch := Protect(inner, breaker)

	for i := 0; i < 10; i++ {
		resp, err := ch.Deliver(context.Background(), &db.ClaimedJob{DeliveryJob: db.DeliveryJob{TenantID: revoked}}, CalendarPayload{})
		var se *StatusError
		if !errors.As(err, &se) || se.StatusCode != 401 || resp.StatusCode != 401 {
			t.Fatalf("expected the 401 to reach the caller, got %v (%d)", err, resp.StatusCode)
		}
	}
	if breaker.GetState() != circuitbreaker.StateClosed {
		t.Fatalf("4xx replies should not open the breaker, state=%s", breaker.GetState())
	}

	resp, err := ch.Deliver(context.Background(), &db.ClaimedJob{DeliveryJob: db.DeliveryJob{TenantID: uuid.New()}}, CalendarPayload{})
	if err != nil || resp.StatusCode != 200 {
		t.Fatalf("healthy tenant should still be delivered, got %v (%d)", err, resp.StatusCode)
	}
}

func TestProtect_OutageSignalsTrip(t *testing.T) {
	tests := []struct {
		name string
		resp Response
		err  error
	}{
		{"server error", Response{StatusCode: 503}, &StatusError{StatusCode: 503}},
		{"rate limited", Response{StatusCode: 429}, &StatusError{StatusCode: 429}},
		{"transport", Response{}, errors.New("dial tcp: connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &funcChannel{name: db.ChannelPush, fn: func(ctx context.Context, job *db.ClaimedJob) (Response, error) {
				return tt.resp, tt.err
			}}
			breaker := circuitbreaker.New(circuitbreaker.Config{Name: "push", MaxFailures: 2, RecoveryTimeout: time.Hour}, zap.NewNop())
			ch := Protect(inner, breaker)

			for i := 0; i < 2; i++ {
				if _, err := ch.Deliver(context.Background(), &db.ClaimedJob{}, PushPayload{Body: "x"}); err == nil {
					t.Fatal("expected delivery error")
				}
			}
			if breaker.GetState() != circuitbreaker.StateOpen {
				t.Fatalf("expected open breaker, state=%s", breaker.GetState())
			}
			_, err := ch.Deliver(context.Background(), &db.ClaimedJob{}, PushPayload{Body: "x"})
			if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
				t.Errorf("expected fail-fast while open, got %v", err)
			}
		})
	}
}

func TestSummary_JSONShape(t *testing.T) {
	status := 500
	s := Summary{
		Channel:   db.ChannelWebhook,
		Processed: 1,
		Results: []Result{{
			ID:             uuid.MustParse("7d1f7a8e-8f7e-4a55-9d7d-8d1f0c6c2b11"),
			Status:         ResultRetryScheduled,
			AttemptNumber:  1,
			ResponseStatus: &status,
			Error:          "destination returned status 500",
		}},
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"channel":"webhook","processed":1,"results":[{"id":"7d1f7a8e-8f7e-4a55-9d7d-8d1f0c6c2b11","status":"retry_scheduled","attempt_number":1,"response_status":500,"error":"destination returned status 500"}]}`
	if string(data) != want {
		t.Errorf("unexpected summary JSON:\n got %s\nwant %s", data, want)
	}
}
