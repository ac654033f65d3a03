// Package poll drives a submitted LiblibAI job to a terminal state.
package poll

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/dmorgan81/liblibbot/internal/liblib"
	"github.com/dmorgan81/liblibbot/internal/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxWait      = 300 * time.Second
	DefaultBaseInterval = 5 * time.Second
	DefaultMaxInterval  = 30 * time.Second

	// MaxConsecutiveFailures is how many transport failures in a row end the
	// loop.
	MaxConsecutiveFailures = 6

	backoffFactor = 1.2
	maxJitter     = 0.1
)

// StatusQuerier is satisfied by *liblib.Client.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, generateUUID string) (*liblib.JobStatus, error)
}

type Config struct {
	MaxWait      time.Duration
	BaseInterval time.Duration
	MaxInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.BaseInterval <= 0 {
		c.BaseInterval = DefaultBaseInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	return c
}

// TimeoutDetails is attached to a timeout error when at least one status was
// observed.
type TimeoutDetails struct {
	LastStatus     *liblib.JobStatus `json:"lastStatus"`
	Attempts       int               `json:"attempts"`
	ElapsedSeconds int               `json:"elapsedTime"`
}

type Option func(*Poller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// WithJitter replaces the jitter source. f must return values in [0, 1).
func WithJitter(f func() float64) Option {
	return func(p *Poller) { p.jitter = f }
}

type Poller struct {
	querier StatusQuerier
	cfg     Config
	now     func() time.Time
	jitter  func() float64
}

func New(querier StatusQuerier, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		querier: querier,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		jitter:  rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PollUntilComplete queries the job until it completes, fails, or the
// configured wait elapses. Queries are strictly sequential. onProgress, when
// non-nil, sees every status returned by the service.
func (p *Poller) PollUntilComplete(ctx context.Context, generateUUID string, onProgress func(*liblib.JobStatus)) (*liblib.JobStatus, error) {
	logger := log.FromContextOrDiscard(ctx).WithGroup("poller").With("generateUuid", generateUUID)

	start := p.now()
	deadline := start.Add(p.cfg.MaxWait)

	var (
		attempt  int
		failures int
		last     *liblib.JobStatus
	)
	for p.now().Before(deadline) {
		status, err := p.query(ctx, generateUUID, deadline)
		if err != nil {
			if ctx.Err() != nil {
				return nil, p.interrupted(ctx.Err(), last, attempt+1, start)
			}
			if !liblib.IsRetryable(err) {
				return nil, err
			}
			failures++
			logger.Warn("status query failed", "attempt", attempt+1, "consecutiveFailures", failures, "error", err)
			if failures >= MaxConsecutiveFailures {
				e := &liblib.Error{
					Kind:    liblib.KindTransport,
					Code:    liblib.CodePollingFailed,
					Message: fmt.Sprintf("polling job status failed after %d consecutive attempts", failures),
					Err:     err,
				}
				if last != nil {
					e.Details = last
				}
				return nil, e
			}
			if err := p.sleep(ctx, p.cfg.BaseInterval, deadline); err != nil {
				return nil, p.interrupted(err, last, attempt+1, start)
			}
			attempt++
			continue
		}

		failures = 0
		last = status
		if onProgress != nil {
			onProgress(status)
		}

		switch status.GenerateStatus {
		case liblib.StatusCompleted:
			logger.Info("job completed", "attempts", attempt+1, "images", len(status.Images))
			return status, nil
		case liblib.StatusFailed:
			return nil, &liblib.Error{
				Kind:    liblib.KindGenerationFailed,
				Code:    liblib.CodeGenerationFailed,
				Message: "generation failed: " + orUnknown(status.GenerateMsg),
				Details: status,
			}
		case liblib.StatusQueued, liblib.StatusProcessing:
		default:
			logger.Warn("unknown generate status, continuing", "status", int(status.GenerateStatus))
		}

		if err := p.sleep(ctx, p.Delay(attempt), deadline); err != nil {
			return nil, p.interrupted(err, last, attempt+1, start)
		}
		attempt++
	}

	e := &liblib.Error{
		Kind:    liblib.KindTimeout,
		Code:    liblib.CodePollingTimeout,
		Message: fmt.Sprintf("polling timed out, max wait %s", p.cfg.MaxWait),
	}
	p.attachDetails(e, last, attempt, start)
	return nil, e
}

// interrupted reports a poll ended by the caller's context, for example an
// invocation deadline shorter than the configured wait.
func (p *Poller) interrupted(err error, last *liblib.JobStatus, attempts int, start time.Time) error {
	e := &liblib.Error{
		Kind:    liblib.KindTimeout,
		Code:    liblib.CodePollingTimeout,
		Message: "polling interrupted before the job finished",
		Err:     err,
	}
	p.attachDetails(e, last, attempts, start)
	return e
}

func (p *Poller) attachDetails(e *liblib.Error, last *liblib.JobStatus, attempts int, start time.Time) {
	if last == nil {
		return
	}
	e.Details = TimeoutDetails{
		LastStatus:     last,
		Attempts:       attempts,
		ElapsedSeconds: int(math.Round(p.now().Sub(start).Seconds())),
	}
}

// query bounds a single status call by the poll deadline.
func (p *Poller) query(ctx context.Context, generateUUID string, deadline time.Time) (*liblib.JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline.Sub(p.now()))
	defer cancel()
	return p.querier.QueryStatus(ctx, generateUUID)
}

// sleep waits for d, cut short at the deadline. It returns only the parent
// context's error.
func (p *Poller) sleep(ctx context.Context, d time.Duration, deadline time.Time) error {
	if remaining := deadline.Sub(p.now()); remaining < d {
		d = remaining
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Delay is the wait before the next query after attempt:
// min(base * 1.2^attempt, max) scaled by a jitter factor in [1.0, 1.1).
func (p *Poller) Delay(attempt int) time.Duration {
	return time.Duration(float64(p.backoff(attempt)) * (1 + p.jitter()*maxJitter))
}

func (p *Poller) backoff(attempt int) time.Duration {
	d := float64(p.cfg.BaseInterval) * math.Pow(backoffFactor, float64(attempt))
	return time.Duration(math.Min(d, float64(p.cfg.MaxInterval)))
}

// PollOnce performs a single status query.
func (p *Poller) PollOnce(ctx context.Context, generateUUID string) (*liblib.JobStatus, error) {
	return p.querier.QueryStatus(ctx, generateUUID)
}

// PollMultiple queries every job concurrently. Results are in input order. A
// failed query leaves a nil slot and does not cancel the others; all failures
// are joined into the returned error.
func (p *Poller) PollMultiple(ctx context.Context, generateUUIDs []string) ([]*liblib.JobStatus, error) {
	results := make([]*liblib.JobStatus, len(generateUUIDs))
	errs := make([]error, len(generateUUIDs))

	var group errgroup.Group
	for i, id := range generateUUIDs {
		i, id := i, id
		group.Go(func() error {
			status, err := p.PollOnce(ctx, id)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", id, err)
				return nil
			}
			results[i] = status
			return nil
		})
	}
	_ = group.Wait()

	return results, errors.Join(errs...)
}

func IsTaskFinished(status liblib.GenerateStatus) bool {
	return status == liblib.StatusCompleted || status == liblib.StatusFailed
}

func IsTaskSuccessful(status liblib.GenerateStatus) bool {
	return status == liblib.StatusCompleted
}

// DescribeStatus returns a human readable phrase for logs and progress output.
func DescribeStatus(status liblib.GenerateStatus) string {
	switch status {
	case liblib.StatusQueued:
		return "job queued, waiting to be processed"
	case liblib.StatusProcessing:
		return "generating images"
	case liblib.StatusCompleted:
		return "images generated"
	case liblib.StatusFailed:
		return "generation failed, check the parameters"
	default:
		return fmt.Sprintf("unknown status (%d)", int(status))
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown reason"
	}
	return s
}
