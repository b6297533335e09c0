package batch

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/invoicecat/invoicecat/internal/blob"
	"github.com/invoicecat/invoicecat/internal/logging"
)

type localJob struct {
	input  string
	output string
	polls  int
	status JobStatus
}

// LocalRunner runs jobs in process for development. A job completes on its
// Nth status poll by copying the input object to the output key, laid out
// the way Bedrock writes results.
type LocalRunner struct {
	store blob.Store
	polls int
	log   *zap.Logger

	mu   sync.Mutex
	jobs map[string]*localJob
}

// NewLocalRunner creates a runner whose jobs complete after polls status
// checks (at least one).
func NewLocalRunner(store blob.Store, polls int, log *zap.Logger) *LocalRunner {
	if polls < 1 {
		polls = 1
	}
	return &LocalRunner{
		store: store,
		polls: polls,
		log:   logging.OrNop(log),
		jobs:  make(map[string]*localJob),
	}
}

func (r *LocalRunner) Submit(ctx context.Context, inputKey, outputPrefix string) (string, error) {
	if _, err := r.store.Size(ctx, inputKey); err != nil {
		return "", fmt.Errorf("local job input %s: %w", inputKey, err)
	}

	id := uuid.NewString()
	handle := "local-job/" + id
	r.mu.Lock()
	r.jobs[handle] = &localJob{
		input:  inputKey,
		output: outputPrefix + id + "/" + path.Base(inputKey) + ".out",
		status: JobQueued,
	}
	r.mu.Unlock()
	return handle, nil
}

func (r *LocalRunner) Status(ctx context.Context, handle string) (JobStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[handle]
	if !ok {
		return "", fmt.Errorf("unknown local job %s", handle)
	}
	if job.status.Terminal() {
		return job.status, nil
	}

	job.polls++
	if job.polls < r.polls {
		job.status = JobRunning
		return job.status, nil
	}

	if err := r.finish(ctx, job); err != nil {
		r.log.Warn("local job failed", zap.String("job", handle), zap.Error(err))
		job.status = JobFailed
		return job.status, nil
	}
	job.status = JobCompleted
	return job.status, nil
}

func (r *LocalRunner) finish(ctx context.Context, job *localJob) error {
	size, err := r.store.Size(ctx, job.input)
	if err != nil {
		return err
	}
	var data []byte
	if size > 0 {
		data, err = r.store.GetRange(ctx, job.input, 0, size)
		if err != nil {
			return err
		}
	}
	return r.store.Put(ctx, job.output, bytes.NewReader(data), int64(len(data)))
}
