package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/ledger"
	"github.com/bcnelson/provisioner/internal/observability"
)

// Delivery describes the attempt a handler is running in.
type Delivery struct {
	MessageID string
	Command   *int64
	Attempt   int
}

type deliveryKey struct{}

// FromContext returns the delivery a handler was invoked for.
func FromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}

// Worker drains a queue with a fixed number of consumers.
type Worker struct {
	queue  *Queue
	ledger *ledger.Ledger
	logger *slog.Logger

	Concurrency  int
	Lease        time.Duration
	PollInterval time.Duration
	Now          func() time.Time
	// Rand returns a uniform value in [0, bound) for backoff jitter.
	Rand func(bound int64) int64
}

// NewWorker creates a worker with one consumer, a ten minute lease and a
// half second idle poll.
func NewWorker(q *Queue, l *ledger.Ledger, logger *slog.Logger) *Worker {
	return &Worker{
		queue:        q,
		ledger:       l,
		logger:       logger,
		Concurrency:  1,
		Lease:        10 * time.Minute,
		PollInterval: 500 * time.Millisecond,
		Now:          time.Now,
	}
}

// Run consumes messages until ctx is cancelled. Idle consumers share one
// poll budget so an empty queue is checked about once per PollInterval.
func (w *Worker) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(w.PollInterval), 1)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < max(w.Concurrency, 1); i++ {
		g.Go(func() error {
			for {
				processed, err := w.ProcessOne(ctx)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					w.logger.Error("queue delivery failed", "error", err)
				}
				if processed {
					continue
				}
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
			}
		})
	}
	w.logger.Info("queue worker started", "consumers", max(w.Concurrency, 1))
	return g.Wait()
}

// Drain processes due messages until none remain.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
}

// ProcessOne claims and delivers one due message. It reports whether a
// message was claimed. Handler failures are recorded, not returned; the
// error is for broker and ledger failures.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	now := w.Now().UTC()
	msg, err := w.queue.broker.Claim(ctx, now, now.Add(w.Lease))
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		w.logger.Warn("dropping malformed message", "message_id", msg.ID, "error", err)
		observability.MessagesDeadLettered.WithLabelValues("", "", "malformed").Inc()
		return true, w.queue.broker.DeadLetter(ctx, msg.ID, msg.Payload, err.Error(), now)
	}

	d := &delivery{worker: w, id: msg.ID, env: env, attempt: env.Retries + 1}
	return true, d.run(ctx)
}

type delivery struct {
	worker  *Worker
	id      string
	env     *Envelope
	attempt int
}

func (d *delivery) command() *int64 {
	if d.env.Command == nil {
		return nil
	}
	id := d.env.Command.ID
	return &id
}

func (d *delivery) run(ctx context.Context) error {
	w := d.worker
	log := w.logger.With("message_id", d.id, "entity", d.env.Class,
		"instance", d.env.Instance.ID, "operation", d.env.Message, "attempt", d.attempt)

	if cmd := d.command(); cmd != nil {
		if entry, err := w.ledger.Get(ctx, *cmd); err == nil && entry.Status == domain.CommandCancelled {
			log.Info("dropping message of cancelled command", "command_id", *cmd)
			if err := w.queue.broker.Complete(ctx, d.id); err != nil {
				return fmt.Errorf("completing message %s: %w", d.id, err)
			}
			return nil
		}
		if err := w.ledger.Started(ctx, *cmd); err != nil {
			log.Warn("could not mark command running", "command_id", *cmd, "error", err)
		}
	}

	op, err := w.queue.registry.lookup(d.env.Class, d.env.Message)
	if err == nil && len(d.env.Arguments) != op.arity {
		err = fmt.Errorf("%s.%s takes %d arguments, got %d",
			d.env.Class, d.env.Message, op.arity, len(d.env.Arguments))
	}
	if err != nil {
		return d.fail(ctx, log, Permanent(err), nil)
	}

	start := time.Now()
	hctx := context.WithValue(ctx, deliveryKey{}, Delivery{MessageID: d.id, Command: d.command(), Attempt: d.attempt})
	backtrace, err := invoke(hctx, op, d.env)
	observability.DeliveryDuration.WithLabelValues(d.env.Class, d.env.Message).Observe(time.Since(start).Seconds())

	if err != nil {
		return d.fail(ctx, log, err, backtrace)
	}

	if err := w.queue.broker.Complete(ctx, d.id); err != nil {
		return fmt.Errorf("completing message %s: %w", d.id, err)
	}
	observability.MessagesDelivered.WithLabelValues(d.env.Class, d.env.Message).Inc()
	log.Debug("message delivered")
	if cmd := d.command(); cmd != nil {
		if err := w.ledger.Finish(ctx, *cmd); err != nil {
			return fmt.Errorf("finishing command %d: %w", *cmd, err)
		}
	}
	return nil
}

// invoke runs the handler, turning a panic into an error with its stack.
func invoke(ctx context.Context, op *operation, env *Envelope) (backtrace []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			backtrace = strings.Split(strings.TrimSpace(string(debug.Stack())), "\n")
		}
	}()
	return nil, op.invoke(ctx, env.Instance.ID, env.Arguments)
}

func (d *delivery) fail(ctx context.Context, log *slog.Logger, cause error, backtrace []string) error {
	w := d.worker
	now := w.Now().UTC()
	kind := errorKind(cause)
	if backtrace == nil {
		backtrace = []string{}
	}

	d.env.Exceptions = append(d.env.Exceptions, Exception{
		Exception:   kind,
		Message:     cause.Error(),
		Backtrace:   backtrace,
		AttemptedAt: now,
	})
	cmd := d.command()
	if cmd != nil {
		if err := w.ledger.RecordFailure(ctx, *cmd, d.attempt, kind, cause.Error(), backtrace); err != nil {
			log.Warn("could not record command failure", "command_id", *cmd, "error", err)
		}
	}

	reason := ""
	switch {
	case IsPermanent(cause):
		reason = "permanent"
	case d.attempt >= MaxAttempts:
		reason = "exhausted"
	}

	if reason == "" {
		d.env.Retries++
		payload, err := d.env.Encode()
		if err != nil {
			return fmt.Errorf("encoding message %s: %w", d.id, err)
		}
		delay := Backoff(d.env.Retries, w.Rand)
		if err := w.queue.broker.Reschedule(ctx, d.id, payload, now.Add(delay)); err != nil {
			return fmt.Errorf("rescheduling message %s: %w", d.id, err)
		}
		observability.MessagesRetried.WithLabelValues(d.env.Class, d.env.Message).Inc()
		log.Info("message will be retried", "error", cause, "kind", kind, "delay", delay)
		return nil
	}

	payload, err := d.env.Encode()
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", d.id, err)
	}
	if err := w.queue.broker.DeadLetter(ctx, d.id, payload, reason+": "+cause.Error(), now); err != nil {
		return fmt.Errorf("dead-lettering message %s: %w", d.id, err)
	}
	observability.MessagesDeadLettered.WithLabelValues(d.env.Class, d.env.Message, reason).Inc()
	log.Warn("message dead-lettered", "error", cause, "kind", kind, "reason", reason)

	if cmd != nil {
		if err := w.ledger.Fail(ctx, *cmd); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("failing command %d: %w", *cmd, err)
		}
	}
	return nil
}
