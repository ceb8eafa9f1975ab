package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Handler processes one claimed job. Returning nil acks the job, ErrContended
// releases it, a Permanent error dead-letters it, anything else is retried.
type Handler func(ctx context.Context, job *Job) error

// ConsumerOptions configures a Consumer
type ConsumerOptions struct {
	Concurrency     int
	RatePerSecond   float64
	Visibility      time.Duration
	PollInterval    time.Duration
	ContentionDelay time.Duration
	Policy          RetryPolicy
	Logger          *slog.Logger
}

// DefaultConsumerOptions returns options matching the worker defaults
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		Concurrency:     5,
		RatePerSecond:   5,
		Visibility:      5 * time.Minute,
		PollInterval:    time.Second,
		ContentionDelay: 10 * time.Second,
		Policy:          DefaultRetryPolicy(),
	}
}

// Consumer claims jobs of one kind and runs them through a handler with a
// bounded number of concurrent workers
type Consumer struct {
	queue   Queue
	kind    string
	handler Handler
	opts    ConsumerOptions
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewConsumer creates a consumer. Zero option fields take defaults.
func NewConsumer(q Queue, kind string, handler Handler, opts ConsumerOptions) *Consumer {
	def := DefaultConsumerOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = def.RatePerSecond
	}
	if opts.Visibility <= 0 {
		opts.Visibility = def.Visibility
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.ContentionDelay <= 0 {
		opts.ContentionDelay = def.ContentionDelay
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = def.Policy
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:   q,
		kind:    kind,
		handler: handler,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Concurrency),
		logger:  logger.With("component", "consumer", "kind", kind),
	}
}

// Run polls until ctx is cancelled. In-flight jobs are settled before Run
// returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started", "concurrency", c.opts.Concurrency, "rate", c.opts.RatePerSecond)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.opts.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			return c.poll(gctx, worker)
		})
	}
	err := g.Wait()
	c.logger.Info("consumer stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) poll(ctx context.Context, worker int) error {
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		processed, err := c.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("claim failed", "worker", worker, "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// ProcessOne claims and handles at most one job. It reports whether a job was
// claimed.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	job, err := c.queue.Claim(ctx, c.kind, c.opts.Visibility)
	if err != nil {
		return false, fmt.Errorf("failed to claim %s job: %w", c.kind, err)
	}
	if job == nil {
		return false, nil
	}
	c.handle(ctx, job)
	return true, nil
}

func (c *Consumer) handle(ctx context.Context, job *Job) {
	log := c.logger.With("job_id", job.ID, "project_id", job.ProjectID, "attempt", job.Attempts)
	log.Info("job claimed")

	jobsInFlight.WithLabelValues(c.kind).Inc()
	defer jobsInFlight.WithLabelValues(c.kind).Dec()

	jobCtx, cancel := context.WithCancel(ctx)
	extendDone := make(chan struct{})
	go func() {
		defer close(extendDone)
		c.extend(jobCtx, job, cancel, log)
	}()

	start := time.Now()
	err := c.safeHandle(jobCtx, job)
	jobDuration.WithLabelValues(c.kind).Observe(time.Since(start).Seconds())
	cancel()
	<-extendDone

	// settle even when the consumer is shutting down
	interrupted := ctx.Err() != nil && errors.Is(err, context.Canceled)
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer settleCancel()
	outcome, serr := c.settle(settleCtx, job, err, interrupted)
	if serr != nil {
		if errors.Is(serr, ErrClaimLost) {
			outcome = "claim_lost"
			log.Warn("job claim lost before settling", "error", serr)
		} else {
			log.Error("failed to settle job", "outcome", outcome, "error", serr)
		}
	}
	jobOutcomes.WithLabelValues(c.kind, outcome).Inc()
}

func (c *Consumer) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return c.handler(ctx, job)
}

// extend keeps the claim alive while the handler runs
func (c *Consumer) extend(ctx context.Context, job *Job, cancel context.CancelFunc, log *slog.Logger) {
	interval := c.opts.Visibility / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.queue.ExtendClaim(ctx, job, c.opts.Visibility); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("failed to extend job claim", "error", err)
				if errors.Is(err, ErrClaimLost) || errors.Is(err, ErrJobNotFound) {
					cancel()
					return
				}
			}
		}
	}
}

// settle records the handler's outcome. A job interrupted by consumer
// shutdown is released without spending an attempt.
func (c *Consumer) settle(ctx context.Context, job *Job, err error, interrupted bool) (string, error) {
	log := c.logger.With("job_id", job.ID, "project_id", job.ProjectID, "attempt", job.Attempts)
	switch {
	case err == nil:
		log.Info("job completed")
		return "ack", c.queue.Ack(ctx, job)
	case interrupted:
		log.Info("consumer stopping, releasing interrupted job")
		return "release", c.queue.Release(ctx, job, 0)
	case errors.Is(err, ErrContended):
		log.Info("project busy, releasing job", "delay", c.opts.ContentionDelay)
		return "release", c.queue.Release(ctx, job, c.opts.ContentionDelay)
	case IsPermanent(err):
		log.Error("job failed permanently", "error", err)
		return "dead", c.queue.DeadLetter(ctx, job, err)
	case c.opts.Policy.Exhausted(job):
		log.Error("job exhausted its attempts", "max_attempts", job.MaxAttempts, "error", err)
		return "dead", c.queue.DeadLetter(ctx, job, err)
	default:
		delay := c.opts.Policy.Delay(job.Attempts)
		log.Warn("job failed, scheduling retry", "delay", delay, "error", err)
		return "retry", c.queue.Retry(ctx, job, delay, err)
	}
}
