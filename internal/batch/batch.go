// Package batch submits batch inference jobs over committed artifacts and
// reports their progress.
package batch

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/invoicecat/invoicecat/internal/apperr"
	"github.com/invoicecat/invoicecat/internal/logging"
)

// JobStatus is the executor-neutral state of a job.
type JobStatus string

const (
	JobAbsent    JobStatus = "absent"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ParseJobStatus accepts the names used on the wire.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch st := JobStatus(strings.ToLower(s)); st {
	case JobQueued, JobRunning, JobCompleted, JobFailed:
		return st, true
	}
	return "", false
}

// NoHandle marks "no job" in stored records.
const NoHandle = "none"

// Runner is a batch executor. Submit takes object keys; the runner turns
// them into whatever locations its backend understands.
type Runner interface {
	Submit(ctx context.Context, inputKey, outputPrefix string) (string, error)
	Status(ctx context.Context, handle string) (JobStatus, error)
}

// StatusCache remembers terminal statuses so settled jobs are not polled
// again.
type StatusCache interface {
	Get(ctx context.Context, handle string) (JobStatus, bool)
	Put(ctx context.Context, handle string, status JobStatus)
}

type nopCache struct{}

func (nopCache) Get(context.Context, string) (JobStatus, bool) { return "", false }
func (nopCache) Put(context.Context, string, JobStatus)        {}

// Bridge wraps a Runner with handle validation, caching and error
// classification.
type Bridge struct {
	runner Runner
	cache  StatusCache
	log    *zap.Logger
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithCache sets the terminal status cache.
func WithCache(c StatusCache) BridgeOption {
	return func(b *Bridge) { b.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) BridgeOption {
	return func(b *Bridge) { b.log = l }
}

// NewBridge wraps runner.
func NewBridge(runner Runner, opts ...BridgeOption) *Bridge {
	b := &Bridge{runner: runner, cache: nopCache{}}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logging.OrNop(b.log)
	return b
}

// Submit starts a job reading inputKey and writing under outputPrefix.
func (b *Bridge) Submit(ctx context.Context, inputKey, outputPrefix string) (string, error) {
	handle, err := b.runner.Submit(ctx, inputKey, outputPrefix)
	if err != nil {
		b.log.Error("batch submit failed", zap.String("input", inputKey), zap.Error(err))
		return "", apperr.ExternalJob(err, "submit batch job")
	}
	if handle == "" || handle == NoHandle {
		return "", apperr.New(apperr.ExternalJobError, "batch executor returned no job handle")
	}
	b.log.Info("batch job submitted", zap.String("input", inputKey), zap.String("job", handle))
	return handle, nil
}

// Poll reports the status of handle. The "none" sentinel and the empty
// string are JobAbsent without contacting the executor.
func (b *Bridge) Poll(ctx context.Context, handle string) (JobStatus, error) {
	if handle == "" || handle == NoHandle {
		return JobAbsent, nil
	}
	if st, ok := b.cache.Get(ctx, handle); ok {
		return st, nil
	}

	st, err := b.runner.Status(ctx, handle)
	if err != nil {
		return "", apperr.ExternalJob(err, "poll batch job")
	}
	if st.Terminal() {
		b.cache.Put(ctx, handle, st)
	}
	return st, nil
}

// Observe records a status pushed by the executor.
func (b *Bridge) Observe(ctx context.Context, handle string, st JobStatus) {
	if st.Terminal() && handle != "" && handle != NoHandle {
		b.cache.Put(ctx, handle, st)
	}
}
