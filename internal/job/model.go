package job

import (
	"fmt"
	"strconv"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusError      Status = "error"
)

// IsTerminal returns true for statuses that never transition again.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// MaxAttempts bounds how many times a job is handed to a back-end.
const MaxAttempts = 3

// Field names of a job record.
const (
	FieldStatus     = "status"
	FieldInput      = "input"
	FieldOutput     = "output"
	FieldBackend    = "server"
	FieldAttempt    = "attempt"
	FieldEnqueuedAt = "enqueued_at"
	FieldStartedAt  = "proc_start_at"
	FieldContact    = "phone"
	FieldError      = "error"
	FieldSMSStatus  = "sms_status"
)

// ScalarAvgProcessingTime holds the moving average of generation time in seconds.
const ScalarAvgProcessingTime = "avg_processing_time"

// Fields is a hash-like job record. Updates merge field by field.
type Fields map[string]string

type Job struct {
	ID         string     `json:"job_id"`
	Status     Status     `json:"status"`
	InputRef   string     `json:"input,omitempty"`
	OutputRef  string     `json:"output,omitempty"`
	Backend    string     `json:"backend,omitempty"`
	Attempt    int        `json:"attempt,omitempty"`
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`
	StartedAt  *time.Time `json:"processing_started_at,omitempty"`
	Contact    string     `json:"-"`
	Error      string     `json:"error,omitempty"`
	SMSStatus  string     `json:"sms_status,omitempty"`
}

// Submission is one entry of the pending queue.
type Submission struct {
	ID       string `json:"id"`
	InputRef string `json:"input"`
}

// FromFields parses a stored record. A malformed attempt or timestamp is an error.
func FromFields(id string, f Fields) (*Job, error) {
	j := &Job{
		ID:        id,
		Status:    Status(f[FieldStatus]),
		InputRef:  f[FieldInput],
		OutputRef: f[FieldOutput],
		Backend:   f[FieldBackend],
		Contact:   f[FieldContact],
		Error:     f[FieldError],
		SMSStatus: f[FieldSMSStatus],
	}

	if v := f[FieldAttempt]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("job %s: invalid attempt %q", id, v)
		}
		j.Attempt = n
	}

	var err error
	if j.EnqueuedAt, err = parseTime(f[FieldEnqueuedAt]); err != nil {
		return nil, fmt.Errorf("job %s: %s: %w", id, FieldEnqueuedAt, err)
	}
	if j.StartedAt, err = parseTime(f[FieldStartedAt]); err != nil {
		return nil, fmt.Errorf("job %s: %s: %w", id, FieldStartedAt, err)
	}
	return j, nil
}

// FormatTime renders t the way records store timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
