package dispatcher

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/rendergate/rendergate/internal/job"
)

// run executes one admitted job off the scheduling loop and records the
// outcome on the job record.
func (d *Dispatcher) run(j *job.Job) {
	ctx, cancel := context.WithTimeout(d.runCtx, Timeout)
	defer cancel()
	// Results are written even when the run itself was cancelled.
	wctx := context.WithoutCancel(ctx)

	start := d.now()
	var output []byte
	err := d.middleware(ctx, j, func(ctx context.Context) error {
		input, err := d.blobs.Get(ctx, j.InputRef)
		if err != nil {
			return fmt.Errorf("fetch input %s: %w", j.InputRef, err)
		}
		output, err = d.gen.Run(ctx, j.Backend, input)
		return err
	})
	elapsed := d.now().Sub(start)

	if !d.stillOwned(wctx, j) {
		return
	}

	if err != nil {
		d.fail(wctx, j, err)
		return
	}

	key := fmt.Sprintf("output/%s/%s.png", j.ID, uuid.NewString())
	if err := d.blobs.Put(wctx, key, output, "image/png"); err != nil {
		d.fail(wctx, j, fmt.Errorf("store output: %w", err))
		return
	}

	if _, err := d.updateAverage(wctx, elapsed.Seconds()); err != nil {
		d.logger.Warn("update processing time average", "job_id", j.ID, "error", err)
	}

	err = d.store.Update(wctx, j.ID, job.Fields{
		job.FieldStatus: string(job.StatusDone),
		job.FieldOutput: key,
		job.FieldError:  "",
	})
	if err != nil {
		d.logger.Error("record job done", "job_id", j.ID, "error", err)
		return
	}
	d.logger.Info("job done", "job_id", j.ID, "backend", j.Backend, "duration", elapsed)

	j.Status = job.StatusDone
	j.OutputRef = key
	d.notify(wctx, j)
}

// stillOwned reports whether the record still shows this run in progress.
// A run whose job was timed out (and possibly reassigned) meanwhile must
// not overwrite the record; its result is dropped.
func (d *Dispatcher) stillOwned(ctx context.Context, j *job.Job) bool {
	fields, err := d.store.GetAll(ctx, j.ID)
	if err != nil {
		d.logger.Error("re-read job after run", "job_id", j.ID, "error", err)
		return false
	}
	cur, err := job.FromFields(j.ID, fields)
	if err != nil {
		d.logger.Error("re-read job after run", "job_id", j.ID, "error", err)
		return false
	}

	owned := cur.Status == job.StatusProcessing &&
		cur.Backend == j.Backend &&
		cur.Attempt == j.Attempt &&
		cur.StartedAt != nil && cur.StartedAt.Equal(*j.StartedAt)
	if !owned {
		d.logger.Warn("discarding result of superseded run",
			"job_id", j.ID, "backend", j.Backend, "attempt", j.Attempt, "status", cur.Status)
	}
	return owned
}

func (d *Dispatcher) fail(ctx context.Context, j *job.Job, cause error) {
	err := d.store.Update(ctx, j.ID, job.Fields{
		job.FieldStatus: string(job.StatusFailed),
		job.FieldError:  cause.Error(),
	})
	if err != nil {
		d.logger.Error("record job failure", "job_id", j.ID, "error", err)
	}
}

// notify reads the contact after done is written, so a contact attached
// while the job was processing is not missed.
func (d *Dispatcher) notify(ctx context.Context, j *job.Job) {
	if d.notifier == nil {
		return
	}
	contact, ok, err := d.store.GetField(ctx, j.ID, job.FieldContact)
	if err != nil {
		d.logger.Warn("read contact", "job_id", j.ID, "error", err)
		return
	}
	if !ok || contact == "" {
		return
	}
	j.Contact = contact
	if err := d.notifier.MaybeNotify(ctx, j); err != nil {
		d.logger.Warn("notify", "job_id", j.ID, "error", err)
	}
}

// updateAverage folds sample (seconds) into the stored moving average.
func (d *Dispatcher) updateAverage(ctx context.Context, sample float64) (float64, error) {
	avg := sample
	prev, ok, err := d.store.GetScalar(ctx, job.ScalarAvgProcessingTime)
	if err != nil {
		return 0, err
	}
	if ok {
		if p, perr := strconv.ParseFloat(prev, 64); perr == nil {
			avg = p*(1-avgWeight) + sample*avgWeight
		}
	}
	if err := d.store.SetScalar(ctx, job.ScalarAvgProcessingTime, strconv.FormatFloat(avg, 'f', -1, 64)); err != nil {
		return 0, err
	}
	return avg, nil
}
