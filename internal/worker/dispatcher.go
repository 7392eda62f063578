package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/retry"
	"github.com/lalithlochan/courier/internal/tracing"
)

// Result statuses reported in a Summary.
const (
	ResultSuccess        = "success"
	ResultRetryScheduled = "retry_scheduled"
	ResultFailed         = "failed"
)

// outcomeWriteTimeout bounds the store writes that follow a delivery
// attempt. Those writes run even after the batch context is cancelled so a
// claimed job never stays in processing because its caller went away.
const outcomeWriteTimeout = 5 * time.Second

// Store is the slice of the job store a dispatcher needs.
type Store interface {
	ReleaseStaleClaims(ctx context.Context, ch db.Channel, cutoff time.Time, maxRetries int) (int64, error)
	ClaimDueJobs(ctx context.Context, ch db.Channel, limit int, now time.Time) ([]*db.ClaimedJob, error)
	CompleteJob(ctx context.Context, ch db.Channel, id uuid.UUID, out db.DeliveryOutcome, deliveredAt time.Time) error
	RescheduleJob(ctx context.Context, ch db.Channel, id uuid.UUID, attempt int, nextRetryAt time.Time, out db.DeliveryOutcome) error
	FailJob(ctx context.Context, ch db.Channel, id uuid.UUID, attempt int, out db.DeliveryOutcome) error
	MarkTargetHealthy(ctx context.Context, targetID uuid.UUID) error
	RecordTargetFailure(ctx context.Context, targetID uuid.UUID) (int, error)
}

// DeadLetterPublisher receives permanently failed jobs.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, job *db.DeliveryJob, lastError string) error
}

// TargetAlerter is told when a webhook registration reaches the failure
// threshold.
type TargetAlerter interface {
	AlertTargetUnhealthy(ctx context.Context, target *db.WebhookTarget, failures int) error
}

// Config tunes a Dispatcher.
type Config struct {
	BatchSize      int
	Concurrency    int
	RequestTimeout time.Duration
	ClaimLease     time.Duration
	AlertThreshold int
}

// Result is the decision taken for one claimed job.
type Result struct {
	ID             uuid.UUID `json:"id"`
	Status         string    `json:"status"`
	AttemptNumber  int       `json:"attempt_number"`
	ResponseStatus *int      `json:"response_status"`
	Error          string    `json:"error,omitempty"`
}

// Summary is the outcome of one RunBatch call.
type Summary struct {
	Channel   db.Channel `json:"channel"`
	Processed int        `json:"processed"`
	Results   []Result   `json:"results"`
}

// Dispatcher claims due jobs for one channel and delivers them.
type Dispatcher struct {
	store      Store
	channel    Channel
	deadLetter DeadLetterPublisher
	alerter    TargetAlerter
	config     Config
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures optional Dispatcher collaborators.
type Option func(*Dispatcher)

// WithDeadLetter publishes permanently failed jobs to p.
func WithDeadLetter(p DeadLetterPublisher) Option {
	return func(d *Dispatcher) { d.deadLetter = p }
}

// WithAlerter sends webhook target health alerts through a.
func WithAlerter(a TargetAlerter) Option {
	return func(d *Dispatcher) { d.alerter = a }
}

// New creates a dispatcher for ch.
func New(store Store, ch Channel, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.BatchSize > 50 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 10
	}

	d := &Dispatcher{
		store:   store,
		channel: ch,
		config:  cfg,
		logger:  logger.With(zap.String("channel", string(ch.Name()))),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Channel returns the channel this dispatcher serves.
func (d *Dispatcher) Channel() db.Channel {
	return d.channel.Name()
}

// RunBatch claims up to BatchSize due jobs and records a decision for every
// one of them. It only returns an error when nothing could be claimed.
func (d *Dispatcher) RunBatch(ctx context.Context) (Summary, error) {
	ch := d.channel.Name()
	summary := Summary{Channel: ch, Results: []Result{}}

	ctx, span := tracing.StartSpan(ctx, "dispatch.batch", attribute.String("channel", string(ch)))
	defer span.End()

	now := d.now()

	released, err := d.store.ReleaseStaleClaims(ctx, ch, now.Add(-d.config.ClaimLease), retry.MaxRetries)
	if err != nil {
		// Not fatal: due pending work can still be claimed.
		d.logger.Warn("failed to release stale claims", zap.Error(err))
	}
	metrics.RecordStaleClaimsReleased(string(ch), released)

	jobs, err := d.store.ClaimDueJobs(ctx, ch, d.config.BatchSize, now)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return summary, fmt.Errorf("claim due jobs: %w", err)
	}
	metrics.RecordBatchClaimed(string(ch), len(jobs))
	span.SetAttributes(attribute.Int("claimed", len(jobs)))

	if len(jobs) == 0 {
		return summary, nil
	}

	results := make([]Result, len(jobs))
	sem := make(chan struct{}, d.config.Concurrency)
	var wg sync.WaitGroup

	for i, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, job *db.ClaimedJob) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = d.processJob(ctx, job)
		}(i, job)
	}
	wg.Wait()

	summary.Processed = len(results)
	summary.Results = results

	d.logger.Info("dispatch batch complete",
		zap.Int("processed", summary.Processed),
		zap.Int64("stale_released", released),
	)
	return summary, nil
}

// processJob delivers one job and writes its outcome. A panic anywhere in
// delivery is converted into a failed attempt for this job only.
func (d *Dispatcher) processJob(ctx context.Context, job *db.ClaimedJob) (res Result) {
	ch := d.channel.Name()
	ctx, span := tracing.StartSpan(ctx, "dispatch.deliver",
		attribute.String("channel", string(ch)),
		attribute.String("job_id", job.ID.String()),
		attribute.String("tenant_id", job.TenantID.String()),
		attribute.Int("attempt_number", job.AttemptNumber),
	)
	defer span.End()

	start := d.now()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while delivering job",
				zap.String("job_id", job.ID.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			res = d.recordFailure(ctx, job, Response{}, fmt.Errorf("panic during delivery: %v", r), start)
		}
	}()

	resp, err := d.deliver(ctx, job)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return d.recordFailure(ctx, job, resp, err, start)
	}
	return d.recordSuccess(ctx, job, resp, start)
}

func (d *Dispatcher) deliver(ctx context.Context, job *db.ClaimedJob) (Response, error) {
	payload, err := DecodePayload(job.Channel, job.Payload)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", retry.ErrConfig, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	return d.channel.Deliver(ctx, job, payload)
}

// outcomeContext detaches ctx from its cancellation while keeping its values.
func outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
}

func (d *Dispatcher) recordSuccess(ctx context.Context, job *db.ClaimedJob, resp Response, start time.Time) Result {
	ctx, cancel := outcomeContext(ctx)
	defer cancel()

	ch := d.channel.Name()
	now := d.now()
	res := Result{
		ID:             job.ID,
		Status:         ResultSuccess,
		AttemptNumber:  job.AttemptNumber,
		ResponseStatus: statusPtr(resp.StatusCode),
	}

	out := db.DeliveryOutcome{ResponseStatus: resp.StatusCode, ResponseBody: resp.Body}
	if err := d.store.CompleteJob(ctx, ch, job.ID, out, now); err != nil {
		d.logger.Error("failed to record delivery success",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		res.Error = "record outcome: " + err.Error()
	}

	if ch == db.ChannelWebhook {
		if err := d.store.MarkTargetHealthy(ctx, job.TargetID); err != nil {
			d.logger.Warn("failed to reset webhook failure count",
				zap.String("target_id", job.TargetID.String()),
				zap.Error(err),
			)
		}
	}

	metrics.RecordDelivery(string(ch), ResultSuccess, now.Sub(start))
	d.logger.Info("job delivered",
		zap.String("job_id", job.ID.String()),
		zap.Int("response_status", resp.StatusCode),
	)
	return res
}

func (d *Dispatcher) recordFailure(ctx context.Context, job *db.ClaimedJob, resp Response, deliveryErr error, start time.Time) Result {
	ctx, cancel := outcomeContext(ctx)
	defer cancel()

	ch := d.channel.Name()
	now := d.now()
	attempt := job.AttemptNumber + 1
	reason := retry.ClassifyFailure(deliveryErr, resp.StatusCode)
	errMsg := Truncate(deliveryErr.Error(), MaxResponseBody)

	res := Result{
		ID:             job.ID,
		AttemptNumber:  attempt,
		ResponseStatus: statusPtr(resp.StatusCode),
		Error:          errMsg,
	}

	out := db.DeliveryOutcome{
		ResponseStatus: resp.StatusCode,
		ResponseBody:   resp.Body,
		ErrorMessage:   errMsg,
	}

	var storeErr error
	if retry.ShouldRetry(attempt) {
		res.Status = ResultRetryScheduled
		next := now.Add(retry.NextDelay(attempt))
		storeErr = d.store.RescheduleJob(ctx, ch, job.ID, attempt, next, out)
		d.logger.Warn("delivery failed, retry scheduled",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempt", attempt),
			zap.Time("next_retry_at", next),
			zap.String("reason", reason),
			zap.Error(deliveryErr),
		)
	} else {
		res.Status = ResultFailed
		storeErr = d.store.FailJob(ctx, ch, job.ID, attempt, out)
		d.logger.Error("delivery failed permanently",
			zap.String("job_id", job.ID.String()),
			zap.Int("attempt", attempt),
			zap.String("reason", reason),
			zap.Error(deliveryErr),
		)
		if storeErr == nil {
			d.publishDeadLetter(ctx, &job.DeliveryJob, errMsg)
		}
	}

	if storeErr != nil {
		d.logger.Error("failed to record delivery failure",
			zap.String("job_id", job.ID.String()),
			zap.Error(storeErr),
		)
		res.Error = fmt.Sprintf("%s; record outcome: %v", errMsg, storeErr)
	}

	if ch == db.ChannelWebhook {
		d.trackTargetFailure(ctx, job)
	}

	metrics.RecordDelivery(string(ch), res.Status, now.Sub(start))
	metrics.RecordDeliveryFailure(string(ch), reason)
	return res
}

func (d *Dispatcher) publishDeadLetter(ctx context.Context, job *db.DeliveryJob, lastError string) {
	if d.deadLetter == nil {
		return
	}
	if err := d.deadLetter.PublishDeadLetter(ctx, job, lastError); err != nil {
		d.logger.Warn("failed to publish dead letter",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.RecordDeadLetter(string(job.Channel))
}

// trackTargetFailure bumps the registration's failure streak and alerts
// exactly once, when the streak reaches the threshold.
func (d *Dispatcher) trackTargetFailure(ctx context.Context, job *db.ClaimedJob) {
	failures, err := d.store.RecordTargetFailure(ctx, job.TargetID)
	if err != nil {
		d.logger.Warn("failed to increment webhook failure count",
			zap.String("target_id", job.TargetID.String()),
			zap.Error(err),
		)
		return
	}

	if d.alerter == nil || job.Webhook == nil || failures != d.config.AlertThreshold {
		return
	}
	if err := d.alerter.AlertTargetUnhealthy(ctx, job.Webhook, failures); err != nil {
		d.logger.Warn("failed to send target health alert",
			zap.String("target_id", job.TargetID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.RecordTargetAlert()
}

func statusPtr(code int) *int {
	if code == 0 {
		return nil
	}
	return &code
}
