// Package ingest drives a file through its lifecycle: chunked upload,
// commit to object storage, batch processing and retrieval of the result.
package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/invoicecat/invoicecat/internal/apperr"
	"github.com/invoicecat/invoicecat/internal/batch"
	"github.com/invoicecat/invoicecat/internal/blob"
	"github.com/invoicecat/invoicecat/internal/convert"
	"github.com/invoicecat/invoicecat/internal/ledger"
	"github.com/invoicecat/invoicecat/internal/logging"
	"github.com/invoicecat/invoicecat/internal/upload"
)

// Ledger is the ownership-checked record store.
type Ledger interface {
	GetOwned(ctx context.Context, fileID, owner string) (*ledger.Record, error)
	Create(ctx context.Context, fileID, owner, filename string) (*ledger.Record, error)
	MarkProcessing(ctx context.Context, fileID, owner, jobHandle string) (*ledger.Record, error)
	Advance(ctx context.Context, seen *ledger.Record, owner string, status ledger.Status, jobHandle string) (*ledger.Record, error)
	Delete(ctx context.Context, fileID, owner string) error
	ListOwned(ctx context.Context, owner string) ([]ledger.Record, error)
}

// Blobs is the object storage the service commits to and reads from.
type Blobs interface {
	CommitArtifact(ctx context.Context, localPath, key string) error
	FetchOutput(ctx context.Context, key string, chunkSize int64, fn func(blob.Chunk) error) error
	DeleteObjects(ctx context.Context, keys ...string) error
}

// Jobs is the batch executor.
type Jobs interface {
	Submit(ctx context.Context, inputKey, outputPrefix string) (string, error)
	Poll(ctx context.Context, handle string) (batch.JobStatus, error)
	Observe(ctx context.Context, handle string, st batch.JobStatus)
}

// Config holds service settings.
type Config struct {
	// ChunkSize is the number of bytes per retrieval frame.
	ChunkSize int64
	// Convert turns completed uploads into batch prompts before commit.
	Convert        bool
	ConvertOptions convert.Options
}

// Service orchestrates uploads, processing and retrieval.
type Service struct {
	uploads *upload.Reassembler
	ledger  Ledger
	blobs   Blobs
	jobs    Jobs
	cfg     Config
	newID   func() string
	log     *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator replaces the file id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

// NewService creates a new ingestion Service.
func NewService(uploads *upload.Reassembler, l Ledger, b Blobs, j Jobs, cfg Config, opts ...Option) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1 << 20
	}
	s := &Service{
		uploads: uploads,
		ledger:  l,
		blobs:   b,
		jobs:    j,
		cfg:     cfg,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrNop(s.log)
	return s
}

// UploadRequest is one chunk of an upload.
type UploadRequest struct {
	FileID      string // generated when empty
	Filename    string
	Chunk       []byte
	ChunkNumber int
	TotalChunks int
}

// UploadResult acknowledges a chunk. ChunkNumber is -1 once the file is
// committed.
type UploadResult struct {
	FileID      string
	ChunkNumber int
	Finished    bool
}

// Upload accepts one chunk. The chunk that completes the file commits the
// artifact and creates its record before returning.
func (s *Service) Upload(ctx context.Context, owner string, req UploadRequest) (*UploadResult, error) {
	if owner == "" {
		return nil, apperr.Invalid("missing owner")
	}
	if req.Filename == "" {
		return nil, apperr.Invalid("missing filename")
	}
	fileID := req.FileID
	if fileID == "" {
		fileID = s.newID()
	}
	if !upload.ValidFileID(fileID) {
		return nil, apperr.Invalid("invalid fileid %q", fileID)
	}

	if err := s.ensureUncommitted(ctx, fileID, owner); err != nil {
		return nil, err
	}

	ack, err := s.uploads.Submit(upload.Chunk{
		FileID:   fileID,
		Owner:    owner,
		Filename: req.Filename,
		Index:    req.ChunkNumber,
		Total:    req.TotalChunks,
		Data:     req.Chunk,
	})
	if err != nil {
		return nil, err
	}

	// A session opened after our first check may belong to a file that was
	// committed in between; never let a late chunk start a second upload.
	if ack.Created {
		if err := s.ensureUncommitted(ctx, fileID, owner); err != nil {
			s.uploads.Discard(fileID)
			return nil, err
		}
	}

	res := &UploadResult{FileID: fileID, ChunkNumber: req.ChunkNumber}
	if !ack.Complete {
		return res, nil
	}

	if err := s.commit(ctx, fileID, owner, req.Filename, ack.Path); err != nil {
		return nil, err
	}
	res.ChunkNumber = -1
	res.Finished = true
	return res, nil
}

// ensureUncommitted fails unless fileID has no record yet.
func (s *Service) ensureUncommitted(ctx context.Context, fileID, owner string) error {
	_, err := s.ledger.GetOwned(ctx, fileID, owner)
	switch {
	case err == nil:
		return apperr.Invalid("file %s was already uploaded; delete it before uploading again", fileID)
	case apperr.Is(err, apperr.UnknownFile):
		return nil
	default:
		return err
	}
}

func (s *Service) commit(ctx context.Context, fileID, owner, filename, path string) error {
	log := s.log.With(zap.String("file_id", fileID), zap.String("owner", owner))

	artifact := path
	if s.cfg.Convert {
		dst := filepath.Join(s.uploads.Dir(), fileID+".jsonl")
		n, err := convert.File(path, dst, s.cfg.ConvertOptions)
		if err != nil {
			s.uploads.Discard(fileID)
			_ = os.Remove(dst)
			log.Warn("upload rejected by conversion", zap.Error(err))
			return apperr.Wrap(apperr.InvalidArgument, err, "file %s is not a valid invoice export", fileID)
		}
		log.Debug("upload converted", zap.Int("records", n))
		artifact = dst
	}

	key := blob.InputKey(fileID, s.cfg.Convert)
	if err := s.blobs.CommitArtifact(ctx, artifact, key); err != nil {
		retained, rerr := s.uploads.Retain(fileID)
		if rerr != nil {
			log.Error("retain local artifact", zap.Error(rerr))
		}
		log.Error("commit failed; local artifact retained for manual retry",
			zap.String("key", key),
			zap.String("retained", retained),
			zap.Error(err))
		return err
	}

	if _, err := s.ledger.Create(ctx, fileID, owner, filename); err != nil {
		if apperr.Is(err, apperr.StorageError) {
			if derr := s.blobs.DeleteObjects(ctx, key); derr != nil {
				log.Error("remove orphaned artifact", zap.String("key", key), zap.Error(derr))
			}
			if _, rerr := s.uploads.Retain(fileID); rerr != nil {
				log.Error("retain local artifact", zap.Error(rerr))
			}
		} else {
			s.uploads.Discard(fileID)
		}
		return err
	}

	s.uploads.Discard(fileID)
	if artifact != path {
		_ = os.Remove(artifact)
	}
	log.Info("upload committed", zap.String("key", key))
	return nil
}

// FileEntry is one row of a listing.
type FileEntry struct {
	FileID    string
	Filename  string
	Status    ledger.Status
	JobHandle string
	// SyncError is set when the job status could not be refreshed; the
	// other fields then show the last stored state.
	SyncError string
}

func entryOf(rec ledger.Record) FileEntry {
	return FileEntry{
		FileID:    rec.FileID,
		Filename:  rec.Filename,
		Status:    rec.Status,
		JobHandle: rec.JobHandle,
	}
}

// List refreshes the status of every unsettled file owned by owner from the
// batch executor, then returns all of them.
func (s *Service) List(ctx context.Context, owner string) ([]FileEntry, error) {
	recs, err := s.ledger.ListOwned(ctx, owner)
	if err != nil {
		return nil, err
	}

	out := make([]FileEntry, 0, len(recs))
	for _, rec := range recs {
		if rec.Status == ledger.StatusProcessed || (rec.Status == ledger.StatusNotProcessed && !rec.HasJob()) {
			out = append(out, entryOf(rec))
			continue
		}

		updated, err := s.reconcile(ctx, owner, &rec)
		if err != nil {
			entry := entryOf(rec)
			entry.SyncError, _ = apperr.Public(err)
			s.log.Warn("status reconciliation failed",
				zap.String("file_id", rec.FileID),
				zap.String("job", rec.JobHandle),
				zap.Error(err))
			out = append(out, entry)
			continue
		}
		out = append(out, entryOf(*updated))
	}
	return out, nil
}

func (s *Service) reconcile(ctx context.Context, owner string, rec *ledger.Record) (*ledger.Record, error) {
	st, err := s.jobs.Poll(ctx, rec.JobHandle)
	if err != nil {
		return nil, err
	}
	return s.applyStatus(ctx, owner, rec, st)
}

// applyStatus maps a job status onto the record and writes it back only
// when something changed. If the record moved on since it was read, for
// example to a newer job, the status is stale and the stored record wins.
func (s *Service) applyStatus(ctx context.Context, owner string, rec *ledger.Record, st batch.JobStatus) (*ledger.Record, error) {
	status, handle := ledger.StatusProcessing, rec.JobHandle
	switch st {
	case batch.JobCompleted:
		status = ledger.StatusProcessed
	case batch.JobFailed, batch.JobAbsent:
		status, handle = ledger.StatusNotProcessed, ledger.NoJob
	}
	if status == rec.Status && handle == rec.JobHandle {
		return rec, nil
	}
	if st == batch.JobFailed {
		s.log.Warn("batch job failed; file returned to not processed",
			zap.String("file_id", rec.FileID),
			zap.String("job", rec.JobHandle))
	}
	updated, err := s.ledger.Advance(ctx, rec, owner, status, handle)
	if errors.Is(err, ledger.ErrConflict) {
		s.log.Debug("stale job status dropped",
			zap.String("file_id", rec.FileID),
			zap.String("job", rec.JobHandle),
			zap.String("status", string(st)))
		return s.ledger.GetOwned(ctx, rec.FileID, owner)
	}
	return updated, err
}

// ProcessResult reports the job started for a file.
type ProcessResult struct {
	FileID    string
	JobHandle string
}

// Process submits a committed, unprocessed file to the batch executor.
func (s *Service) Process(ctx context.Context, owner, fileID string) (*ProcessResult, error) {
	rec, err := s.ledger.GetOwned(ctx, fileID, owner)
	if err != nil {
		return nil, err
	}
	if rec.Status != ledger.StatusNotProcessed {
		return nil, apperr.Invalid("file %s is already %s", fileID, rec.Status)
	}

	handle, err := s.jobs.Submit(ctx, blob.InputKey(fileID, s.cfg.Convert), blob.OutputPrefix(fileID))
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.MarkProcessing(ctx, fileID, owner, handle); err != nil {
		s.log.Error("job submitted but not recorded",
			zap.String("file_id", fileID),
			zap.String("job", handle),
			zap.Error(err))
		return nil, err
	}
	return &ProcessResult{FileID: fileID, JobHandle: handle}, nil
}

// Get streams the processed output of fileID to sink in ChunkSize pieces.
// It never changes any state; an error from sink abandons the stream.
func (s *Service) Get(ctx context.Context, owner, fileID string, sink func(blob.Chunk) error) error {
	rec, err := s.ledger.GetOwned(ctx, fileID, owner)
	if err != nil {
		return err
	}
	if rec.Status != ledger.StatusProcessed {
		return apperr.Pending(fileID)
	}
	key := blob.OutputKey(fileID, rec.JobHandle, blob.InputKey(fileID, s.cfg.Convert))
	return s.blobs.FetchOutput(ctx, key, s.cfg.ChunkSize, sink)
}

// Delete removes the objects and record of an owned file. Objects go first
// so a failed delete can be retried.
func (s *Service) Delete(ctx context.Context, owner, fileID string) error {
	rec, err := s.ledger.GetOwned(ctx, fileID, owner)
	if err != nil {
		return err
	}
	if err := s.blobs.DeleteObjects(ctx, objectKeys(rec)...); err != nil {
		return err
	}
	return s.ledger.Delete(ctx, fileID, owner)
}

// objectKeys lists every key a record may own; both input layouts are
// included so records written under either conversion setting are covered.
func objectKeys(rec *ledger.Record) []string {
	keys := []string{
		blob.InputKey(rec.FileID, true),
		blob.InputKey(rec.FileID, false),
	}
	if rec.HasJob() {
		keys = append(keys,
			blob.OutputKey(rec.FileID, rec.JobHandle, blob.InputKey(rec.FileID, true)),
			blob.OutputKey(rec.FileID, rec.JobHandle, blob.InputKey(rec.FileID, false)),
		)
	}
	return keys
}

// PurgeOwner deletes every file owned by owner, as done when the user
// account is removed. It returns how many files were deleted.
func (s *Service) PurgeOwner(ctx context.Context, owner string) (int, error) {
	recs, err := s.ledger.ListOwned(ctx, owner)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, rec := range recs {
		if err := s.Delete(ctx, owner, rec.FileID); err != nil && !apperr.Is(err, apperr.UnknownFile) {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if len(errs) > 0 {
		return n, apperr.Storage(errors.Join(errs...), "purge files of %s", owner)
	}
	s.log.Info("owner purged", zap.String("owner", owner), zap.Int("files", n))
	return n, nil
}

// ApplyJobStatus records a status pushed by the batch executor for the job
// attached to fileID.
func (s *Service) ApplyJobStatus(ctx context.Context, owner, fileID, handle string, st batch.JobStatus) error {
	if handle == "" || handle == ledger.NoJob {
		return apperr.Invalid("missing job handle")
	}
	rec, err := s.ledger.GetOwned(ctx, fileID, owner)
	if err != nil {
		return err
	}
	if rec.JobHandle != handle {
		return apperr.Invalid("job %s is not attached to file %s", handle, fileID)
	}
	s.jobs.Observe(ctx, handle, st)
	if rec.Status == ledger.StatusProcessed {
		return nil
	}
	_, err = s.applyStatus(ctx, owner, rec, st)
	return err
}
