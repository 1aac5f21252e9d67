// Package dispatcher owns the job lifecycle: it turns submissions into
// queued jobs, times out stuck work, retries failures up to a bound and
// hands the oldest queued job to each free back-end.
package dispatcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rendergate/rendergate/internal/blob"
	"github.com/rendergate/rendergate/internal/job"
	"github.com/rendergate/rendergate/internal/telemetry"
)

// Policy constants.
const (
	// Timeout is how long a job may stay processing before it is failed.
	Timeout = 300 * time.Second
	// MaxAttempts bounds how many times a job is run.
	MaxAttempts = job.MaxAttempts

	// avgWeight is the weight of a new sample in the processing-time average.
	avgWeight = 0.2
)

var errShutdown = errors.New("dispatcher shutting down")

// Prober reports which back-ends are idle.
type Prober interface {
	Free(ctx context.Context, addrs []string) []string
}

// Generator runs one job on a back-end.
type Generator interface {
	Run(ctx context.Context, addr string, input []byte) ([]byte, error)
}

// Notifier is told about every job that reaches done.
type Notifier interface {
	MaybeNotify(ctx context.Context, j *job.Job) error
}

// Dispatcher drives the job state machine. Call Tick for a single pass or
// Run to pass on a fixed cadence.
type Dispatcher struct {
	store    job.Store
	prober   Prober
	gen      Generator
	blobs    blob.Store
	backends []string

	notifier   Notifier
	middleware telemetry.Middleware
	tick       time.Duration
	now        func() time.Time
	logger     *slog.Logger

	runCtx     context.Context
	cancelRuns context.CancelCauseFunc
	wg         sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTick sets the interval between passes in Run.
func WithTick(t time.Duration) Option {
	return func(d *Dispatcher) { d.tick = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithNotifier sets who is told about finished jobs.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithMiddleware wraps every generation run; the first is the outermost.
func WithMiddleware(mws ...telemetry.Middleware) Option {
	return func(d *Dispatcher) { d.middleware = telemetry.Chain(mws...) }
}

// New returns a Dispatcher assigning jobs to backends in the given order.
func New(store job.Store, prober Prober, gen Generator, blobs blob.Store, backends []string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		prober:     prober,
		gen:        gen,
		blobs:      blobs,
		backends:   slices.Clone(backends),
		middleware: telemetry.Chain(),
		tick:       500 * time.Millisecond,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	d.runCtx, d.cancelRuns = context.WithCancelCause(context.Background())
	return d
}

// Run passes every tick until ctx is cancelled. Store errors abort a pass
// and are logged; the next tick starts afresh. On return, in-flight runs
// are cancelled and their jobs recorded as failed; call Wait to let them
// finish writing.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "backends", d.backends, "tick", d.tick)

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch pass aborted", "error", err)
		}
		select {
		case <-ctx.Done():
			d.cancelRuns(errShutdown)
			d.logger.Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Wait blocks until every started run has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Tick performs one pass: intake, sweep, admission.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := d.now()
	if err := d.intake(ctx, now); err != nil {
		return err
	}
	p, err := d.sweep(ctx, now)
	if err != nil {
		return err
	}
	return d.admit(ctx, p)
}

// ETA returns the moving average of generation time. ok is false until a
// job has completed.
func (d *Dispatcher) ETA(ctx context.Context) (eta time.Duration, ok bool, err error) {
	v, ok, err := d.store.GetScalar(ctx, job.ScalarAvgProcessingTime)
	if err != nil || !ok {
		return 0, false, err
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s %q: %w", job.ScalarAvgProcessingTime, v, err)
	}
	return time.Duration(secs * float64(time.Second)), true, nil
}

// intake drains the pending queue into queued records. A submission lost
// between its pop and its write is recovered by adopt on a later sweep.
func (d *Dispatcher) intake(ctx context.Context, now time.Time) error {
	for {
		sub, err := d.store.DequeueSubmission(ctx)
		if errors.Is(err, job.ErrMalformedSubmission) {
			d.logger.Error("dropping malformed submission", "error", err)
			continue
		}
		if err != nil {
			return &StoreError{Op: "dequeue submission", Err: err}
		}
		if sub == nil {
			return nil
		}
		if sub.ID == "" {
			d.logger.Warn("dropping submission without job id", "input", sub.InputRef)
			continue
		}

		_, known, err := d.store.GetField(ctx, sub.ID, job.FieldStatus)
		if err != nil {
			return &StoreError{Op: "intake " + sub.ID, Err: err}
		}
		if known {
			d.logger.Warn("ignoring repeated submission", "job_id", sub.ID)
			continue
		}

		if err := d.enqueue(ctx, sub.ID, sub.InputRef, now); err != nil {
			return &StoreError{Op: "intake " + sub.ID, Err: err}
		}
		d.logger.Info("job queued", "job_id", sub.ID, "input", sub.InputRef)
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, id, input string, now time.Time) error {
	return d.store.Update(ctx, id, job.Fields{
		job.FieldStatus:     string(job.StatusQueued),
		job.FieldInput:      input,
		job.FieldAttempt:    "1",
		job.FieldEnqueuedAt: job.FormatTime(now),
	})
}

// pass is the scheduling state of one Tick. It is rebuilt every pass.
type pass struct {
	candidates map[string]*job.Job
	inUse      map[string]bool
}

// sweep walks every record, applying timeout and retry transitions and
// collecting queued jobs and busy back-ends. Records with an input but no
// status are adopted as fresh queued jobs.
func (d *Dispatcher) sweep(ctx context.Context, now time.Time) (*pass, error) {
	p := &pass{candidates: make(map[string]*job.Job), inUse: make(map[string]bool)}

	for id, err := range d.store.Scan(ctx, "") {
		if err != nil {
			return nil, &StoreError{Op: "scan", Err: err}
		}
		fields, err := d.store.GetAll(ctx, id)
		if err != nil {
			return nil, &StoreError{Op: "read " + id, Err: err}
		}
		j, err := job.FromFields(id, fields)
		if err != nil {
			d.logger.Warn("skipping unreadable job", "job_id", id, "error", err)
			continue
		}

		switch j.Status {
		case "":
			// Created by a submitter whose queue entry never made it
			// through intake.
			if j.InputRef == "" {
				continue
			}
			if err = d.enqueue(ctx, id, j.InputRef, now); err == nil {
				d.logger.Warn("adopted job without status", "job_id", id, "input", j.InputRef)
				j.Status, j.Attempt, j.EnqueuedAt = job.StatusQueued, 1, &now
				p.candidates[id] = j
			}
		case job.StatusProcessing:
			p.inUse[j.Backend] = true
			if j.StartedAt == nil || now.Sub(*j.StartedAt) > Timeout {
				err = d.store.Update(ctx, id, job.Fields{
					job.FieldStatus: string(job.StatusFailed),
					job.FieldError:  ErrTimeout.Error(),
				})
				d.logger.Warn("job timed out", "job_id", id, "backend", j.Backend, "attempt", j.Attempt)
			}
		case job.StatusFailed:
			err = d.retry(ctx, j)
		case job.StatusQueued:
			if _, seen := p.candidates[id]; !seen {
				p.candidates[id] = j
			}
		}
		if err != nil {
			return nil, &StoreError{Op: "update " + id, Err: err}
		}
	}
	return p, nil
}

// retry requeues a failed job or, past MaxAttempts, marks it as an error.
func (d *Dispatcher) retry(ctx context.Context, j *job.Job) error {
	next := j.Attempt + 1
	if next <= MaxAttempts {
		d.logger.Info("retrying job", "job_id", j.ID, "attempt", next, "last_error", j.Error)
		return d.store.Update(ctx, j.ID, job.Fields{
			job.FieldStatus:  string(job.StatusQueued),
			job.FieldAttempt: strconv.Itoa(next),
		})
	}

	msg := ErrRetryExhausted.Error()
	if j.Error != "" {
		msg += ": " + j.Error
	}
	d.logger.Error("job failed permanently", "job_id", j.ID, "attempts", j.Attempt, "error", j.Error)
	return d.store.Update(ctx, j.ID, job.Fields{
		job.FieldStatus: string(job.StatusError),
		job.FieldError:  msg,
	})
}

// admit gives each free back-end the oldest remaining candidate.
func (d *Dispatcher) admit(ctx context.Context, p *pass) error {
	if len(p.candidates) == 0 {
		return nil
	}

	var idle []string
	for _, addr := range d.backends {
		if !p.inUse[addr] {
			idle = append(idle, addr)
		}
	}
	if len(idle) == 0 {
		return nil
	}

	queue := slices.SortedFunc(maps.Values(p.candidates), byAge)
	for _, addr := range d.prober.Free(ctx, idle) {
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]

			if j.InputRef == "" {
				d.logger.Error("job has no input", "job_id", j.ID)
				err := d.store.Update(ctx, j.ID, job.Fields{
					job.FieldStatus: string(job.StatusError),
					job.FieldError:  ErrNoInput.Error(),
				})
				if err != nil {
					return &StoreError{Op: "update " + j.ID, Err: err}
				}
				continue
			}

			if err := d.assign(ctx, j, addr); err != nil {
				return &StoreError{Op: "assign " + j.ID, Err: err}
			}
			break
		}
	}
	return nil
}

// byAge orders jobs by enqueue time, then id.
func byAge(a, b *job.Job) int {
	ta, tb := enqueued(a), enqueued(b)
	if c := ta.Compare(tb); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func enqueued(j *job.Job) time.Time {
	if j.EnqueuedAt == nil {
		return time.Time{}
	}
	return *j.EnqueuedAt
}

// assign marks j processing on addr and starts its run. The start time is
// taken after probing so the timeout window is not shortened by it.
func (d *Dispatcher) assign(ctx context.Context, j *job.Job, addr string) error {
	now := d.now()
	err := d.store.Update(ctx, j.ID, job.Fields{
		job.FieldStatus:    string(job.StatusProcessing),
		job.FieldBackend:   addr,
		job.FieldStartedAt: job.FormatTime(now),
	})
	if err != nil {
		return err
	}

	j.Status = job.StatusProcessing
	j.Backend = addr
	j.StartedAt = &now
	d.logger.Info("job assigned", "job_id", j.ID, "backend", addr, "attempt", j.Attempt)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(j)
	}()
	return nil
}
