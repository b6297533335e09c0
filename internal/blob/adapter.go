package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"go.uber.org/zap"

	"github.com/invoicecat/invoicecat/internal/apperr"
	"github.com/invoicecat/invoicecat/internal/logging"
)

// InputKey is where the committed artifact of fileID lives. Converted
// artifacts carry the JSONL extension the batch runner expects.
func InputKey(fileID string, converted bool) string {
	if converted {
		return "input/" + fileID + ".jsonl"
	}
	return "input/" + fileID
}

// OutputPrefix is the prefix batch jobs for fileID write under.
func OutputPrefix(fileID string) string {
	return "output/" + fileID + "/"
}

// OutputKey is the object a finished job writes for inputKey: the job id
// (last segment of the handle) below the prefix, then the input file name
// with ".out" appended.
func OutputKey(fileID, jobHandle, inputKey string) string {
	return OutputPrefix(fileID) + path.Base(jobHandle) + "/" + path.Base(inputKey) + ".out"
}

// Chunk is one ranged read of an object.
type Chunk struct {
	Data  []byte
	Index int
	Total int
}

// Adapter exposes the operations ingestion needs on top of a Store and
// classifies their failures.
type Adapter struct {
	store Store
	log   *zap.Logger
}

// NewAdapter wraps store.
func NewAdapter(store Store, log *zap.Logger) *Adapter {
	return &Adapter{store: store, log: logging.OrNop(log)}
}

// Store returns the underlying store.
func (a *Adapter) Store() Store { return a.store }

// CommitArtifact uploads the local file at localPath as key.
func (a *Adapter) CommitArtifact(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return apperr.Storage(err, "open local artifact")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return apperr.Storage(err, "stat local artifact")
	}

	if err := a.store.Put(ctx, key, f, fi.Size()); err != nil {
		a.log.Error("artifact commit failed", zap.String("key", key), zap.Error(err))
		return apperr.Storage(err, "upload artifact")
	}
	a.log.Info("artifact committed", zap.String("key", key), zap.Int64("bytes", fi.Size()))
	return nil
}

// FetchOutput reads key in chunkSize pieces, calling fn for each in order.
// An error from fn stops the read and is returned unchanged.
func (a *Adapter) FetchOutput(ctx context.Context, key string, chunkSize int64, fn func(Chunk) error) error {
	if chunkSize <= 0 {
		return apperr.Invalid("chunk size must be positive")
	}

	size, err := a.store.Size(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return apperr.New(apperr.UnknownFile, "processed output %s not found", key)
	}
	if err != nil {
		return apperr.Storage(err, "stat output")
	}

	total := int((size + chunkSize - 1) / chunkSize)
	for i := 0; i < total; i++ {
		off := int64(i) * chunkSize
		n := min(chunkSize, size-off)

		data, err := a.store.GetRange(ctx, key, off, n)
		if errors.Is(err, ErrNotFound) {
			return apperr.New(apperr.UnknownFile, "processed output %s not found", key)
		}
		if err != nil {
			return apperr.Storage(err, "read output chunk %d", i)
		}
		if err := fn(Chunk{Data: data, Index: i, Total: total}); err != nil {
			return fmt.Errorf("deliver chunk %d: %w", i, err)
		}
	}
	return nil
}

// DeleteObjects removes every key. Missing keys are not an error; any other
// failures are joined into one StorageError after every key was tried.
func (a *Adapter) DeleteObjects(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if bd, ok := a.store.(BatchDeleter); ok {
		if err := bd.DeleteKeys(ctx, keys); err != nil {
			return apperr.Storage(err, "delete objects")
		}
		return nil
	}

	var errs []error
	for _, k := range keys {
		if err := a.store.Delete(ctx, k); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return apperr.Storage(err, "delete objects")
	}
	return nil
}
