package api

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rendergate/rendergate/internal/blob"
	"github.com/rendergate/rendergate/internal/job"
)

// Submit stores an input image and queues a new job for it. contact must
// already be normalized, or empty. The record is created before the
// submission so that lookups succeed while the job waits for intake.
func Submit(ctx context.Context, store job.Store, blobs blob.Store, image []byte, contentType, contact string) (string, error) {
	id := uuid.New().String()
	key := fmt.Sprintf("input/%s/%s.png", id, uuid.New().String())
	if err := blobs.Put(ctx, key, image, contentType); err != nil {
		return "", fmt.Errorf("store input for %s: %w", id, err)
	}

	fields := job.Fields{job.FieldInput: key}
	if contact != "" {
		fields[job.FieldContact] = contact
	}
	if err := store.Update(ctx, id, fields); err != nil {
		return "", fmt.Errorf("create record %s: %w", id, err)
	}
	if err := store.PushSubmission(ctx, job.Submission{ID: id, InputRef: key}); err != nil {
		return "", fmt.Errorf("push submission %s: %w", id, err)
	}
	return id, nil
}
