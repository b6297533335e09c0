package ledger

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/invoicecat/invoicecat/internal/apperr"
	"github.com/invoicecat/invoicecat/internal/logging"
)

// Ledger enforces ownership on top of a Store. Every user-facing read and
// write goes through it.
type Ledger struct {
	store Store
	now   func() time.Time
	log   *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// New creates a Ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logging.OrNop(l.log)
	return l
}

// GetOwned returns the record for fileID if owner owns it.
func (l *Ledger) GetOwned(ctx context.Context, fileID, owner string) (*Record, error) {
	rec, err := l.store.Get(ctx, fileID)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NoFile(fileID)
	}
	if err != nil {
		return nil, apperr.Storage(err, "read file record")
	}
	if rec.Owner != owner {
		return nil, apperr.NotOwner(fileID)
	}
	return rec, nil
}

// Create inserts a NotProcessed record with no job. It never overwrites an
// existing record.
func (l *Ledger) Create(ctx context.Context, fileID, owner, filename string) (*Record, error) {
	now := l.now().UTC()
	rec := Record{
		FileID:    fileID,
		Owner:     owner,
		Filename:  filename,
		Status:    StatusNotProcessed,
		JobHandle: NoJob,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := l.store.Insert(ctx, rec)
	if errors.Is(err, ErrExists) {
		existing, gerr := l.GetOwned(ctx, fileID, owner)
		if gerr != nil {
			return nil, gerr
		}
		return nil, apperr.Invalid("file %s already uploaded as %q", fileID, existing.Filename)
	}
	if err != nil {
		return nil, apperr.Storage(err, "create file record")
	}

	l.log.Info("file record created",
		zap.String("file_id", fileID),
		zap.String("owner", owner))
	return &rec, nil
}

// MarkProcessing attaches jobHandle to a NotProcessed record.
func (l *Ledger) MarkProcessing(ctx context.Context, fileID, owner, jobHandle string) (*Record, error) {
	if jobHandle == "" || jobHandle == NoJob {
		return nil, apperr.Invalid("missing job handle")
	}
	rec, err := l.GetOwned(ctx, fileID, owner)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusNotProcessed {
		return nil, apperr.Invalid("file %s is already %s", fileID, rec.Status)
	}
	return l.apply(ctx, rec, StatusProcessing, jobHandle)
}

// SetStatus moves an owned record to status with the given job handle.
// Moving to the current status and handle is a no-op.
func (l *Ledger) SetStatus(ctx context.Context, fileID, owner string, status Status, jobHandle string) (*Record, error) {
	rec, err := l.GetOwned(ctx, fileID, owner)
	if err != nil {
		return nil, err
	}
	return l.apply(ctx, rec, status, jobHandle)
}

// Advance moves seen, a record the caller read earlier, to status with the
// given job handle. It fails with ErrConflict if the stored record no longer
// has the status and job handle of seen.
func (l *Ledger) Advance(ctx context.Context, seen *Record, owner string, status Status, jobHandle string) (*Record, error) {
	if seen.Owner != owner {
		return nil, apperr.NotOwner(seen.FileID)
	}
	return l.apply(ctx, seen, status, jobHandle)
}

func (l *Ledger) apply(ctx context.Context, rec *Record, to Status, jobHandle string) (*Record, error) {
	if rec.Status == to && rec.JobHandle == jobHandle {
		return rec, nil
	}
	if !rec.Status.CanMoveTo(to) {
		return nil, apperr.Invalid("file %s cannot move from %s to %s", rec.FileID, rec.Status, to)
	}

	c := Change{From: rec.Status, FromJob: rec.JobHandle, To: to, JobHandle: jobHandle, At: l.now().UTC()}
	err := l.store.Update(ctx, rec.FileID, c)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, apperr.NoFile(rec.FileID)
	case errors.Is(err, ErrConflict):
		// someone else moved it first; report what is stored now
		cur, gerr := l.store.Get(ctx, rec.FileID)
		if gerr != nil {
			return nil, apperr.Storage(gerr, "re-read file record")
		}
		if cur.Status == to && cur.JobHandle == jobHandle {
			return cur, nil
		}
		return nil, apperr.Wrap(apperr.InvalidArgument, ErrConflict, "file %s is now %s", rec.FileID, cur.Status)
	case err != nil:
		return nil, apperr.Storage(err, "update file record")
	}

	l.log.Info("file status changed",
		zap.String("file_id", rec.FileID),
		zap.String("from", string(rec.Status)),
		zap.String("to", string(to)),
		zap.String("job", jobHandle))

	out := *rec
	out.Status = to
	out.JobHandle = jobHandle
	out.UpdatedAt = c.At
	return &out, nil
}

// Delete removes an owned record.
func (l *Ledger) Delete(ctx context.Context, fileID, owner string) error {
	if _, err := l.GetOwned(ctx, fileID, owner); err != nil {
		return err
	}
	err := l.store.Delete(ctx, fileID)
	if errors.Is(err, ErrNotFound) {
		return apperr.NoFile(fileID)
	}
	if err != nil {
		return apperr.Storage(err, "delete file record")
	}
	l.log.Info("file record deleted", zap.String("file_id", fileID), zap.String("owner", owner))
	return nil
}

// ListOwned returns every record owned by owner, ordered by file id.
func (l *Ledger) ListOwned(ctx context.Context, owner string) ([]Record, error) {
	recs, err := l.store.ListByOwner(ctx, owner)
	if err != nil {
		return nil, apperr.Storage(err, "list file records")
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FileID < recs[j].FileID })
	return recs, nil
}

// Ping checks that the store is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}
