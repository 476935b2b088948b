package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"taskbeat/internal/broker"
	"taskbeat/internal/job"
	"taskbeat/internal/retry"
	logx "taskbeat/pkg/logx"
)

// errShutdown marks an attempt interrupted because the pool is stopping.
var errShutdown = errors.New("worker shutdown")

const (
	reasonLeaseExpired = "lease expired"
	reasonShutdown     = "worker shutdown"
)

// step handles at most one delivery. It reports whether a delivery was
// handled; errors are store or broker failures, never job failures.
func (p *Pool) step(ctx context.Context, wid string, rng *rand.Rand) (bool, error) {
	d, err := p.br.Dequeue(ctx, wid, p.cfg.Queues, p.cfg.VisibilityTimeout)
	if errors.Is(err, broker.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	return true, p.process(ctx, d, rng)
}

// detached returns a context for store and broker calls that must complete
// even when ctx is cancelled.
func (p *Pool) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinalizeTimeout)
}

func (p *Pool) process(ctx context.Context, d broker.Delivery, rng *rand.Rand) error {
	log := p.log.With(logx.String("job", d.JobID), logx.String("worker", d.WorkerID))

	bg, cancel := p.detached(ctx)
	j, proceed, err := p.claim(bg, d, log)
	cancel()
	if err != nil || !proceed {
		return err
	}

	start := time.Now()
	p.publish(job.EventStarted, job.EventOf(j))
	log.Debug("job.started", logx.String("kind", j.Kind), logx.Int("attempt", j.AttemptCount), logx.Int("deliveries", d.Deliveries))

	runErr := p.execute(ctx, d, j, log)
	dur := time.Since(start)

	bg, cancel = p.detached(ctx)
	defer cancel()
	outcome, err := p.finish(bg, d, j, runErr, dur, rng, log)
	p.record(HistoryItem{
		JobID:    j.ID,
		Kind:     j.Kind,
		Attempt:  j.AttemptCount,
		Started:  start,
		Duration: dur,
		Outcome:  outcome,
		Error:    errString(runErr),
	})
	return err
}

// claim moves the delivered job to RUNNING under the delivery's lease. It
// returns proceed=false when the delivery was settled without running.
func (p *Pool) claim(ctx context.Context, d broker.Delivery, log logx.Logger) (job.Job, bool, error) {
	j, err := p.st.Get(ctx, d.JobID)
	if errors.Is(err, job.ErrNotFound) {
		log.Warn("job.missing, dropping delivery")
		p.settle(ctx, d, log)
		return job.Job{}, false, nil
	}
	if err != nil {
		return job.Job{}, false, fmt.Errorf("get job: %w", err)
	}
	if j.State.Terminal() {
		log.Debug("job.duplicate_delivery", logx.String("state", j.State.String()))
		p.counters.duplicates.Add(1)
		p.settle(ctx, d, log)
		return job.Job{}, false, nil
	}

	if j.State == job.StateRunning {
		// The previous lease expired without an ack.
		var done bool
		j, done, err = p.recoverExpired(ctx, d, j, log)
		if err != nil || done {
			return job.Job{}, false, err
		}
	}

	if now := p.now(); j.NotBefore.After(now) {
		delay := j.NotBefore.Sub(now)
		log.Debug("job.not_due", logx.Duration("delay", delay))
		if err := p.br.Nack(ctx, d, delay); err != nil && !errors.Is(err, job.ErrLeaseExpired) {
			return job.Job{}, false, fmt.Errorf("nack: %w", err)
		}
		return job.Job{}, false, nil
	}

	running, err := p.st.Transition(ctx, j.ID, j.State, job.StateRunning, job.Fields{
		IncrementAttempt: true,
		LeaseToken:       job.Ptr(d.Token),
	})
	if job.IsConflict(err) {
		log.Debug("job.claim_conflict", logx.Err(err))
		p.counters.duplicates.Add(1)
		p.settle(ctx, d, log)
		return job.Job{}, false, nil
	}
	if err != nil {
		return job.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return running, true, nil
}

// recoverExpired puts back a job whose previous worker lost its lease. done
// reports that the delivery was settled.
func (p *Pool) recoverExpired(ctx context.Context, d broker.Delivery, j job.Job, log logx.Logger) (job.Job, bool, error) {
	if p.policy.Exhausted(j) {
		abandoned, err := p.st.Transition(ctx, j.ID, job.StateRunning, job.StateAbandoned, job.Fields{
			LastError:   job.Ptr(reasonLeaseExpired),
			LeaseToken:  job.Ptr(""),
			ExpectLease: j.LeaseToken,
		})
		if job.IsConflict(err) {
			p.settle(ctx, d, log)
			return job.Job{}, true, nil
		}
		if err != nil {
			return job.Job{}, true, fmt.Errorf("abandon expired job: %w", err)
		}
		p.counters.abandoned.Add(1)
		log.Warn("job.abandoned", logx.String("reason", reasonLeaseExpired), logx.Int("attempt", abandoned.AttemptCount))
		p.publish(job.EventAbandoned, job.EventOf(abandoned))
		p.settle(ctx, d, log)
		return job.Job{}, true, nil
	}

	back, err := p.st.Transition(ctx, j.ID, job.StateRunning, job.StateScheduled, job.Fields{
		LastError:   job.Ptr(reasonLeaseExpired),
		LeaseToken:  job.Ptr(""),
		ExpectLease: j.LeaseToken,
	})
	if job.IsConflict(err) {
		p.settle(ctx, d, log)
		return job.Job{}, true, nil
	}
	if err != nil {
		return job.Job{}, true, fmt.Errorf("recover expired job: %w", err)
	}
	p.counters.redelivered.Add(1)
	log.Info("job.redelivered", logx.Int("attempt", back.AttemptCount), logx.Int("deliveries", d.Deliveries))
	p.publish(job.EventRedelivered, job.EventOf(back))
	return back, false, nil
}

// execute runs the handler with the execution timeout while keeping the
// lease alive.
func (p *Pool) execute(ctx context.Context, d broker.Delivery, j job.Job, log logx.Logger) error {
	h, ok := p.reg.Lookup(j.Kind)
	if !ok {
		return job.Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, j.Kind))
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.ExecutionTimeout)
	defer cancel()
	stopKeepAlive := p.keepAlive(runCtx, d, log)
	defer stopKeepAlive()

	done := make(chan error, 1)
	go func() {
		// A panicking handler fails the attempt, never the worker.
		defer func() {
			if r := recover(); r != nil {
				log.Error("job.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- job.Transient(fmt.Errorf("panic: %v", r))
			}
		}()
		done <- h(runCtx, taskOf(j))
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return errShutdown
		}
		if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return job.Transient(fmt.Errorf("%w after %s: %w", ErrExecutionTimeout, p.cfg.ExecutionTimeout, err))
		}
		return err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return errShutdown
		}
		return job.Transient(fmt.Errorf("%w after %s", ErrExecutionTimeout, p.cfg.ExecutionTimeout))
	}
}

// keepAlive extends the lease every ExtendEvery until the returned func is
// called or ctx ends.
func (p *Pool) keepAlive(ctx context.Context, d broker.Delivery, log logx.Logger) func() {
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(p.cfg.ExtendEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
			}
			bg, cancel := p.detached(ctx)
			_, err := p.br.Extend(bg, d, p.cfg.VisibilityTimeout)
			cancel()
			if errors.Is(err, job.ErrLeaseExpired) {
				log.Warn("job.lease_lost")
				return
			}
			if err != nil {
				log.Warn("job.lease_extend_failed", logx.Err(err))
			}
		}
	}()
	return func() {
		close(stop)
		<-exited
	}
}

// finish records the attempt's outcome. A conflict on the final CAS means
// another worker took the job over; our result is dropped.
func (p *Pool) finish(ctx context.Context, d broker.Delivery, j job.Job, runErr error, dur time.Duration, rng *rand.Rand, log logx.Logger) (string, error) {
	p.counters.processed.Add(1)
	guard := job.Fields{LeaseToken: job.Ptr(""), ExpectLease: d.Token}

	switch {
	case runErr == nil:
		f := guard
		f.LastError = job.Ptr("")
		done, err := p.st.Transition(ctx, j.ID, job.StateRunning, job.StateSucceeded, f)
		if err != nil {
			return p.finishFailed(ctx, d, err, log)
		}
		p.counters.succeeded.Add(1)
		fields := []logx.Field{logx.String("kind", j.Kind), logx.Int("attempt", done.AttemptCount), logx.Duration("dur", dur)}
		if dur >= 750*time.Millisecond {
			log.Info("job.succeeded", fields...)
		} else {
			log.Debug("job.succeeded", fields...)
		}
		e := job.EventOf(done)
		e.Duration = dur
		p.publish(job.EventSucceeded, e)
		return outcomeSucceeded, p.ack(ctx, d, log)

	case errors.Is(runErr, errShutdown):
		return p.putBack(ctx, d, j, log)
	}

	msg := runErr.Error()
	dec := p.policy.Decide(j, runErr, rng)
	if dec.Action == retry.Retry {
		f := guard
		f.LastError = &msg
		f.NotBefore = job.Ptr(p.now().Add(dec.Delay))
		next, err := p.st.Transition(ctx, j.ID, job.StateRunning, job.StateScheduled, f)
		if err != nil {
			return p.finishFailed(ctx, d, err, log)
		}
		p.counters.retried.Add(1)
		log.Warn("job.retry_scheduled", logx.String("kind", j.Kind), logx.Int("attempt", next.AttemptCount), logx.Duration("delay", dec.Delay), logx.String("err", msg))
		e := job.EventOf(next)
		e.Delay, e.Duration = dec.Delay, dur
		p.publish(job.EventRetryScheduled, e)
		if err := p.br.Nack(ctx, d, dec.Delay); err != nil && !errors.Is(err, job.ErrLeaseExpired) {
			return outcomeRetried, fmt.Errorf("nack: %w", err)
		}
		return outcomeRetried, nil
	}

	f := guard
	f.LastError = &msg
	dead, err := p.st.Transition(ctx, j.ID, job.StateRunning, job.StateAbandoned, f)
	if err != nil {
		return p.finishFailed(ctx, d, err, log)
	}
	p.counters.abandoned.Add(1)
	log.Error("job.abandoned", logx.String("kind", j.Kind), logx.Int("attempt", dead.AttemptCount), logx.String("reason", dec.Reason), logx.String("err", msg))
	e := job.EventOf(dead)
	e.Duration = dur
	p.publish(job.EventAbandoned, e)
	return outcomeAbandoned, p.ack(ctx, d, log)
}

// putBack returns an interrupted attempt to the queue. A job on its last
// attempt is abandoned instead so attempt_count never exceeds the limit.
func (p *Pool) putBack(ctx context.Context, d broker.Delivery, j job.Job, log logx.Logger) (string, error) {
	next, outcome := job.StateScheduled, outcomeInterrupted
	if p.policy.Exhausted(j) {
		next, outcome = job.StateAbandoned, outcomeAbandoned
	}
	back, err := p.st.Transition(ctx, j.ID, job.StateRunning, next, job.Fields{
		LastError:   job.Ptr(reasonShutdown),
		LeaseToken:  job.Ptr(""),
		ExpectLease: d.Token,
	})
	if err != nil {
		return p.finishFailed(ctx, d, err, log)
	}
	log.Info("job.interrupted", logx.String("state", back.State.String()), logx.Int("attempt", back.AttemptCount))
	if next == job.StateAbandoned {
		p.counters.abandoned.Add(1)
		p.publish(job.EventAbandoned, job.EventOf(back))
		return outcome, p.ack(ctx, d, log)
	}
	if err := p.br.Nack(ctx, d, 0); err != nil && !errors.Is(err, job.ErrLeaseExpired) {
		return outcome, fmt.Errorf("nack: %w", err)
	}
	return outcome, nil
}

// finishFailed handles a failed final CAS: conflicts drop the result, other
// errors leave the delivery unacked so it is redelivered.
func (p *Pool) finishFailed(ctx context.Context, d broker.Delivery, err error, log logx.Logger) (string, error) {
	if job.IsConflict(err) {
		p.counters.duplicates.Add(1)
		log.Warn("job.result_dropped", logx.Err(err))
		p.settle(ctx, d, log)
		return outcomeDropped, nil
	}
	return outcomeError, fmt.Errorf("record result: %w", err)
}

func (p *Pool) ack(ctx context.Context, d broker.Delivery, log logx.Logger) error {
	err := p.br.Ack(ctx, d)
	if errors.Is(err, job.ErrLeaseExpired) {
		// The redelivery will find the job terminal and ack it.
		log.Warn("job.ack_after_lease_expiry")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// settle is a best-effort ack.
func (p *Pool) settle(ctx context.Context, d broker.Delivery, log logx.Logger) {
	if err := p.br.Ack(ctx, d); err != nil && !errors.Is(err, job.ErrLeaseExpired) {
		log.Warn("job.ack_failed", logx.Err(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
