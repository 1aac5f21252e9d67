package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendergate/rendergate/internal/job"
)

// SMS outcomes recorded on the job record.
const (
	SMSSent   = "sent"
	SMSFailed = "failed"
)

// Linker builds a download link for a stored output.
type Linker interface {
	URL(key string, ttl time.Duration) (string, error)
}

// Notifier sends the completion message for finished jobs.
type Notifier struct {
	store  job.Store
	links  Linker
	sender Sender
	ttl    time.Duration
	logger *slog.Logger
}

// NewNotifier returns a Notifier whose links stay valid for ttl.
func NewNotifier(store job.Store, links Linker, sender Sender, ttl time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{store: store, links: links, sender: sender, ttl: ttl, logger: logger}
}

// MaybeNotify messages the job's contact if the job is done and has one.
// The outcome is written to the record's sms_status field; the job status
// is never touched. The returned error is informational.
func (n *Notifier) MaybeNotify(ctx context.Context, j *job.Job) error {
	if j.Status != job.StatusDone || j.Contact == "" || j.OutputRef == "" {
		return nil
	}

	err := n.send(ctx, j)
	outcome := SMSSent
	if err != nil {
		outcome = SMSFailed
		n.logger.Warn("notification failed", "job_id", j.ID, "error", err)
	} else {
		n.logger.Info("notification sent", "job_id", j.ID)
	}

	if uerr := n.store.Update(ctx, j.ID, job.Fields{job.FieldSMSStatus: outcome}); uerr != nil {
		return fmt.Errorf("record sms status for %s: %w", j.ID, uerr)
	}
	j.SMSStatus = outcome
	return err
}

func (n *Notifier) send(ctx context.Context, j *job.Job) error {
	link, err := n.links.URL(j.OutputRef, n.ttl)
	if err != nil {
		return fmt.Errorf("build link: %w", err)
	}
	return n.sender.Send(ctx, j.Contact, "Your render is ready:\n"+link)
}
