package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/invoicecat/invoicecat/internal/apperr"
	"github.com/invoicecat/invoicecat/internal/batch"
	"github.com/invoicecat/invoicecat/internal/logging"
)

// StatusApplier records a job status pushed for a file.
type StatusApplier interface {
	ApplyJobStatus(ctx context.Context, owner, fileID, handle string, st batch.JobStatus) error
}

// Handler processes incoming job status webhooks.
type Handler struct {
	secret []byte
	files  StatusApplier
	log    *zap.Logger
}

// NewHandler creates a new webhook Handler.
func NewHandler(secret []byte, files StatusApplier, log *zap.Logger) *Handler {
	return &Handler{secret: secret, files: files, log: logging.OrNop(log)}
}

// ServeHTTP handles incoming webhook requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := VerifySignature(body, r.Header.Get(SignatureHeader), h.secret); err != nil {
		h.log.Warn("webhook signature verification failed", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get(EventHeader)
	if eventType == "" {
		http.Error(w, "missing "+EventHeader+" header", http.StatusBadRequest)
		return
	}

	event, err := ParseEvent(eventType, body)
	if err != nil {
		h.log.Warn("webhook parse error", zap.String("event", eventType), zap.Error(err))
		http.Error(w, "unsupported event", http.StatusBadRequest)
		return
	}

	switch e := event.(type) {
	case *PingEvent:
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return

	case *JobStatusEvent:
		if err := h.handleJobStatus(r.Context(), e); err != nil {
			msg, code := apperr.Public(err)
			if code >= http.StatusInternalServerError {
				h.log.Error("handle job_status event", zap.String("file_id", e.FileID), zap.Error(err))
			}
			writeJSON(w, code, map[string]string{"error": msg})
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) handleJobStatus(ctx context.Context, e *JobStatusEvent) error {
	if e.Owner == "" || e.FileID == "" || e.Job == "" {
		return apperr.Invalid("owner, file_id and job are required")
	}
	st, ok := batch.ParseJobStatus(e.Status)
	if !ok {
		return apperr.Invalid("unknown job status %q", e.Status)
	}
	if err := h.files.ApplyJobStatus(ctx, e.Owner, e.FileID, e.Job, st); err != nil {
		return err
	}
	h.log.Info("job status applied",
		zap.String("file_id", e.FileID),
		zap.String("job", e.Job),
		zap.String("status", string(st)))
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
