// Package ledger keeps the durable record of committed files: who owns each
// one, its processing status and the batch job working on it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the processing state of a committed file.
type Status string

const (
	StatusNotProcessed Status = "not processed"
	StatusProcessing   Status = "processing"
	StatusProcessed    Status = "processed"
)

// NoJob is the job handle stored while no batch job is attached.
const NoJob = "none"

// ParseStatus converts a stored status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusNotProcessed, StatusProcessing, StatusProcessed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// CanMoveTo reports whether a record may go from s to next. Status only
// moves forward, except Processing back to NotProcessed when a job fails.
func (s Status) CanMoveTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusNotProcessed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessed || next == StatusNotProcessed
	}
	return false
}

// Record is one committed file.
type Record struct {
	FileID    string    `dynamodbav:"fileid" json:"fileid"`
	Owner     string    `dynamodbav:"username" json:"username"`
	Filename  string    `dynamodbav:"filename" json:"filename"`
	Status    Status    `dynamodbav:"processed" json:"processed"`
	JobHandle string    `dynamodbav:"jobid" json:"jobid"`
	CreatedAt time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

// HasJob reports whether a batch job is attached.
func (r Record) HasJob() bool {
	return r.JobHandle != "" && r.JobHandle != NoJob
}

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
	// ErrConflict means the record's status or job was not the expected one.
	ErrConflict = errors.New("record changed concurrently")
)

// Change is a conditional status update: it applies only while the record
// is still in From with FromJob attached.
type Change struct {
	From      Status
	FromJob   string
	To        Status
	JobHandle string
	At        time.Time
}

// Store persists records. Implementations return ErrNotFound, ErrExists and
// ErrConflict unwrapped or wrapped with %w.
type Store interface {
	Get(ctx context.Context, fileID string) (*Record, error)
	Insert(ctx context.Context, rec Record) error
	Update(ctx context.Context, fileID string, c Change) error
	ListByOwner(ctx context.Context, owner string) ([]Record, error)
	Delete(ctx context.Context, fileID string) error
	Ping(ctx context.Context) error
}
