// Package worker is the pull-consumer runtime shared by the pipeline
// workers. It fetches job batches from a durable consumer, dispatches each
// message to a handler with cancellation, and turns handler errors into
// explicit ACK or NAK decisions with a delivery cap.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dorchlabs/archiver/pkg/metrics"
)

// Msg is the slice of a JetStream message the runtime needs. The narrow
// interface keeps the dispatch loop testable without a broker.
type Msg interface {
	Subject() string
	Data() []byte
	// Deliveries is the 1-based delivery attempt for this message.
	Deliveries() uint64
	Ack() error
	Nak() error
}

// Fetcher pulls the next batch of messages, blocking up to maxWait.
// A fetch that finds nothing returns nats.ErrTimeout.
type Fetcher interface {
	Fetch(batch int, maxWait time.Duration) ([]Msg, error)
}

// Handler processes one job. A nil return ACKs the message. Returning a
// *Error controls the retry decision; any other error is treated as
// retryable.
type Handler func(ctx context.Context, m Msg) error

// Options tunes a Runner.
type Options struct {
	// Name prefixes the runner's metric families, e.g. "dorch_meta".
	Name          string
	Batch         int
	FetchTimeout  time.Duration
	MaxDeliveries int
	// ReadyFile, when set, is touched once the consumer is fetching.
	ReadyFile string
	Logger    *slog.Logger
	Registry  *metrics.Registry
}

// Runner drives one durable consumer.
type Runner struct {
	fetch  Fetcher
	handle Handler
	opt    Options
	log    *slog.Logger

	duration   *metrics.Histogram
	inProgress *metrics.Gauge
}

// NewRunner wires a fetcher to a handler.
func NewRunner(fetch Fetcher, handle Handler, opt Options) *Runner {
	if opt.Batch <= 0 {
		opt.Batch = 1
	}
	if opt.FetchTimeout <= 0 {
		opt.FetchTimeout = time.Second
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Registry == nil {
		opt.Registry = metrics.New()
	}
	if opt.Name == "" {
		opt.Name = "dorch_worker"
	}
	return &Runner{
		fetch:  fetch,
		handle: handle,
		opt:    opt,
		log:    opt.Logger,
		duration: opt.Registry.Histogram(opt.Name+"_job_duration_seconds",
			"Time spent processing one job", nil),
		inProgress: opt.Registry.Gauge(opt.Name+"_jobs_in_progress",
			"Jobs currently being processed"),
	}
}

func (r *Runner) jobs(result string) *metrics.Counter {
	return r.opt.Registry.Counter(
		metrics.WithLabels(r.opt.Name+"_jobs_total", "result", result),
		"Jobs by terminal result")
}

func (r *Runner) exceptions(kind string) *metrics.Counter {
	return r.opt.Registry.Counter(
		metrics.WithLabels(r.opt.Name+"_exceptions_total", "exception", kind),
		"Handler failures by kind")
}

// Run fetches and dispatches until ctx is cancelled. Returns nil on a
// clean shutdown.
func (r *Runner) Run(ctx context.Context) error {
	if r.opt.ReadyFile != "" {
		if err := os.WriteFile(r.opt.ReadyFile, []byte("ready\n"), 0o644); err != nil {
			r.log.Warn("cannot write ready file", "path", r.opt.ReadyFile, "error", err)
		}
	}
	r.log.Info("worker loop started",
		"batch", r.opt.Batch, "fetch_timeout", r.opt.FetchTimeout,
		"max_deliveries", r.opt.MaxDeliveries)

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := r.fetch.Fetch(r.opt.Batch, r.opt.FetchTimeout)
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for i, m := range msgs {
			if ctx.Err() != nil {
				// Shutdown arrived mid-batch; hand the rest back.
				for _, rest := range msgs[i:] {
					rest.Nak()
				}
				return nil
			}
			if !r.dispatch(ctx, m) {
				return nil
			}
		}
	}
}

// dispatch runs the handler for one message and settles it. Returns false
// when the loop should stop because shutdown interrupted the job.
func (r *Runner) dispatch(ctx context.Context, m Msg) bool {
	start := time.Now()
	r.inProgress.Inc()
	defer r.inProgress.Dec()

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.safeHandle(hctx, m)
	}()

	select {
	case <-ctx.Done():
		cancel()
		<-done
		m.Nak()
		r.log.Info("job interrupted by shutdown", "subject", m.Subject())
		return false
	case err := <-done:
		r.duration.Since(start)
		r.settle(m, err)
		return true
	}
}

func (r *Runner) settle(m Msg, err error) {
	if err == nil {
		r.jobs("ok").Inc()
		if ackErr := m.Ack(); ackErr != nil {
			r.log.Warn("ack failed", "subject", m.Subject(), "error", ackErr)
		}
		return
	}

	kind := KindOf(err)
	r.exceptions(kind).Inc()

	if !IsRetryable(err) {
		r.log.Warn("dropping job", "subject", m.Subject(), "kind", kind, "error", err)
		r.jobs("dropped").Inc()
		m.Ack()
		return
	}
	if r.opt.MaxDeliveries > 0 && m.Deliveries() >= uint64(r.opt.MaxDeliveries) {
		r.log.Error("delivery cap reached, dropping job",
			"subject", m.Subject(), "deliveries", m.Deliveries(), "kind", kind, "error", err)
		r.jobs("dropped").Inc()
		m.Ack()
		return
	}
	r.log.Warn("job failed, returning for redelivery",
		"subject", m.Subject(), "deliveries", m.Deliveries(), "kind", kind, "error", err)
	r.jobs("failure").Inc()
	m.Nak()
}

func (r *Runner) safeHandle(ctx context.Context, m Msg) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Retryable("Panic", fmt.Errorf("handler panic: %v", p))
		}
	}()
	return r.handle(ctx, m)
}
