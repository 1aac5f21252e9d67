package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rendergate/rendergate/internal/blob"
	"github.com/rendergate/rendergate/internal/config"
	"github.com/rendergate/rendergate/internal/job"
	"github.com/rendergate/rendergate/internal/notify"
)

// MaxUploadBytes bounds the size of a submitted image.
const MaxUploadBytes = 10 << 20

// ETASource reports the expected generation time.
type ETASource interface {
	ETA(ctx context.Context) (eta time.Duration, ok bool, err error)
}

// Notifier messages a finished job's contact.
type Notifier interface {
	MaybeNotify(ctx context.Context, j *job.Job) error
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store    job.Store
	blobs    blob.Store
	signer   *blob.Signer
	eta      ETASource
	notifier Notifier
	cfg      *config.Config
	logger   *slog.Logger
}

// NewHandler constructs a Handler with the given dependencies. eta and
// notifier may be nil.
func NewHandler(store job.Store, blobs blob.Store, signer *blob.Signer, eta ETASource, notifier Notifier, cfg *config.Config) *Handler {
	return &Handler{
		store:    store,
		blobs:    blobs,
		signer:   signer,
		eta:      eta,
		notifier: notifier,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("PUT /api/v1/jobs/{id}/contact", h.SetContact)
	mux.HandleFunc("GET /files/{token}", h.ServeFile)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

type createResponse struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
}

// CreateJob handles POST /api/v1/jobs. The body is multipart with an
// "image" file and an optional "contact" field.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "image exceeds 10 MB")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read image")
		return
	}
	if len(data) > MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "image exceeds 10 MB")
		return
	}
	contentType := http.DetectContentType(data)
	if len(data) == 0 || !strings.HasPrefix(contentType, "image/") {
		writeError(w, http.StatusBadRequest, "image must be a PNG, JPEG, GIF or WebP file")
		return
	}

	var contact string
	if raw := strings.TrimSpace(r.FormValue("contact")); raw != "" {
		contact, err = notify.Normalize(raw, h.cfg.SMSRegion)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid contact number")
			return
		}
	}

	id, err := Submit(r.Context(), h.store, h.blobs, data, contentType, contact)
	if err != nil {
		h.logger.Error("submit job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	h.logger.Info("job submitted", "job_id", id, "bytes", len(data), "notify", contact != "")
	writeJSON(w, http.StatusAccepted, createResponse{JobID: id, Status: job.StatusQueued})
}

type jobResponse struct {
	*job.Job
	DownloadURL string   `json:"download_url,omitempty"`
	ETASeconds  *float64 `json:"eta_seconds,omitempty"`
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	resp := jobResponse{Job: j}
	switch j.Status {
	case job.StatusDone:
		if j.OutputRef != "" {
			u, err := h.signer.URL(j.OutputRef, h.cfg.ResultURLTTL)
			if err != nil {
				h.logger.Error("sign download url", "job_id", j.ID, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to sign download url")
				return
			}
			resp.DownloadURL = u
		}
	case job.StatusQueued, job.StatusProcessing, job.StatusFailed:
		if h.eta != nil {
			eta, ok, err := h.eta.ETA(r.Context())
			if err != nil {
				h.logger.Warn("read eta", "error", err)
			} else if ok {
				secs := eta.Seconds()
				resp.ETASeconds = &secs
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type contactRequest struct {
	Contact string `json:"contact"`
}

// SetContact handles PUT /api/v1/jobs/{id}/contact. A job that is already
// done is notified right away.
func (h *Handler) SetContact(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	contact, err := notify.Normalize(req.Contact, h.cfg.SMSRegion)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid contact number")
		return
	}

	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	if err := h.store.Update(r.Context(), j.ID, job.Fields{job.FieldContact: contact}); err != nil {
		h.logger.Error("attach contact", "job_id", j.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to attach contact")
		return
	}
	j.Contact = contact

	if j.Status == job.StatusDone && h.notifier != nil {
		if err := h.notifier.MaybeNotify(r.Context(), j); err != nil {
			h.logger.Warn("notify on contact", "job_id", j.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, j)
}

// ServeFile handles GET /files/{token}.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	key, err := h.signer.Verify(r.PathValue("token"))
	if err != nil {
		writeError(w, http.StatusForbidden, "invalid or expired link")
		return
	}

	data, err := h.blobs.Get(r.Context(), key)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		h.logger.Error("read blob", "key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(data) //nolint:errcheck
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadJob reads the job named by the {id} path value, writing 404 or 500
// itself when it returns false. A record without a status is still
// waiting for intake and reads as queued.
func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	id := r.PathValue("id")
	fields, err := h.store.GetAll(r.Context(), id)
	if err != nil {
		h.logger.Error("get job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil, false
	}
	if len(fields) == 0 {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	j, err := job.FromFields(id, fields)
	if err != nil {
		h.logger.Error("parse job", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read job")
		return nil, false
	}
	if j.Status == "" {
		j.Status = job.StatusQueued
	}
	return j, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
