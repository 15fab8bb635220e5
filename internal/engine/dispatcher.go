package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Call performs one store request. The idempotency key is stable across
// retries of the same job.
type Call func(ctx context.Context, idempotencyKey string) error

// Prepare builds a job's request when the worker dequeues it, so the payload
// always carries the latest delta and selection rather than values captured
// at enqueue time. A nil Call means there is nothing to send; finish, when
// non-nil, is invoked with the final result.
type Prepare func() (call Call, finish func(err error))

// RetryPolicy bounds the retries of a single job.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy retries a few times within roughly ten seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      4,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     3 * time.Second,
		MaxElapsed:      10 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = p.MaxElapsed
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
}

type job struct {
	name    string
	key     string
	prepare Prepare
	waiters []chan error
}

// Dispatcher applies store calls one at a time, in the order they were
// enqueued. Enqueueing a job whose key matches one still waiting in the queue
// merges the two, which debounces bursts of saves for the same question.
type Dispatcher struct {
	policy RetryPolicy
	log    zerolog.Logger

	mu      sync.Mutex
	queue   []*job
	closing bool
	errs    *multierror.Error
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher returns a stopped dispatcher; call Start before enqueueing.
func NewDispatcher(policy RetryPolicy, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		policy: policy,
		log:    log.With().Str("component", "sync_dispatcher").Logger(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (d *Dispatcher) Start() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	go d.run()
}

// Enqueue schedules a job and returns a channel that receives its result
// exactly once. An empty key never merges.
func (d *Dispatcher) Enqueue(name, key string, prepare Prepare) <-chan error {
	ch := make(chan error, 1)

	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		ch <- ErrDispatcherStopped
		close(ch)
		return ch
	}
	if key != "" {
		for _, j := range d.queue {
			if j.key == key {
				j.prepare = prepare
				j.waiters = append(j.waiters, ch)
				d.mu.Unlock()
				return ch
			}
		}
	}
	d.queue = append(d.queue, &job{name: name, key: key, prepare: prepare, waiters: []chan error{ch}})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return ch
}

// Do enqueues a job and waits for its result.
func (d *Dispatcher) Do(ctx context.Context, name, key string, prepare Prepare) error {
	select {
	case err := <-d.Enqueue(name, key, prepare):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits until every job enqueued before the call has finished.
func (d *Dispatcher) Drain(ctx context.Context) error {
	err := d.Do(ctx, "drain", "", func() (Call, func(error)) { return nil, nil })
	if errors.Is(err, ErrDispatcherStopped) {
		return nil
	}
	return err
}

// Close stops accepting jobs, waits for the queue to empty and returns the
// failures seen while draining. If ctx expires first the remaining jobs are
// abandoned with ErrDispatcherStopped.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		<-d.done
		return nil
	}
	d.closing = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	var result *multierror.Error
	select {
	case <-d.done:
	case <-ctx.Done():
		d.cancel()
		<-d.done
		result = multierror.Append(result, ctx.Err())
	}

	d.mu.Lock()
	if d.errs != nil {
		result = multierror.Append(result, d.errs.Errors...)
	}
	d.mu.Unlock()
	return result.ErrorOrNil()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer d.cancel()

	for {
		j, ok := d.next()
		if !ok {
			return
		}
		err := d.execute(j)
		for _, ch := range j.waiters {
			ch <- err
			close(ch)
		}
	}
}

// next blocks for the next job. It reports false once the dispatcher is
// closing and the queue is empty, or once the worker context is cancelled.
func (d *Dispatcher) next() (*job, bool) {
	for {
		d.mu.Lock()
		if d.ctx.Err() != nil {
			abandoned := d.queue
			d.queue = nil
			d.mu.Unlock()
			for _, j := range abandoned {
				for _, ch := range j.waiters {
					ch <- ErrDispatcherStopped
					close(ch)
				}
			}
			return nil, false
		}
		if len(d.queue) > 0 {
			j := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return j, true
		}
		closing := d.closing
		d.mu.Unlock()

		if closing {
			return nil, false
		}
		select {
		case <-d.wake:
		case <-d.ctx.Done():
		}
	}
}

func (d *Dispatcher) execute(j *job) error {
	call, finish := j.prepare()
	if call == nil {
		if finish != nil {
			finish(nil)
		}
		return nil
	}

	key := uuid.NewString()
	op := func() error {
		err := call(d.ctx, key)
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.log.Warn().Err(err).Str("job", j.name).Dur("retry_in", wait).Msg("Store call failed, retrying")
	}

	err := backoff.RetryNotify(op, d.policy.backOff(d.ctx), notify)
	if err != nil {
		d.log.Warn().Err(err).Str("job", j.name).Msg("Store call failed")
		d.mu.Lock()
		if d.closing {
			d.errs = multierror.Append(d.errs, err)
		}
		d.mu.Unlock()
	}
	if finish != nil {
		finish(err)
	}
	return err
}
