// Package upload reassembles files delivered as numbered chunks in any order
// into a local artifact, appending each index exactly once and in order.
package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/invoicecat/invoicecat/internal/apperr"
	"github.com/invoicecat/invoicecat/internal/logging"
)

var fileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidFileID reports whether id can name a session and its local artifact.
func ValidFileID(id string) bool {
	return fileIDPattern.MatchString(id)
}

// Chunk is one numbered piece of a file.
type Chunk struct {
	FileID   string
	Owner    string
	Filename string
	Index    int
	Total    int
	Data     []byte
}

// Ack reports what Submit did with a chunk.
type Ack struct {
	FileID    string
	Index     int
	Duplicate bool // index was already appended or buffered
	Created   bool // this call opened the session
	Complete  bool // every index has been appended; returned once per session
	Path      string
	Size      int64
}

// Artifact is the append target of a session.
type Artifact interface {
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Close() error
}

// OpenFunc creates (or truncates) the artifact at path.
type OpenFunc func(path string) (Artifact, error)

func openFile(path string) (Artifact, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
}

type session struct {
	mu sync.Mutex

	fileID   string
	owner    string
	filename string
	total    int
	path     string
	file     Artifact

	pending      map[int][]byte
	pendingBytes int64
	next         int
	committed    int
	size         int64
	sealed       bool
	closed       bool // released, discarded or retained; file is gone
}

// Limits bounds what one client can pin in memory and file descriptors.
// Sessions are only removed on completion, so abandoned uploads hold their
// share until the process restarts. Zero disables a limit.
type Limits struct {
	// MaxChunks caps total_chunks of a session.
	MaxChunks int
	// MaxPendingBytes caps the out-of-order bytes buffered by a session.
	MaxPendingBytes int64
	// MaxSessions caps the number of sessions open at once.
	MaxSessions int
}

// DefaultLimits returns the limits used unless WithLimits overrides them.
func DefaultLimits() Limits {
	return Limits{
		MaxChunks:       1 << 16,
		MaxPendingBytes: 64 << 20,
		MaxSessions:     1024,
	}
}

// Reassembler tracks in-flight upload sessions keyed by file id.
type Reassembler struct {
	dir    string
	open   OpenFunc
	limits Limits
	log    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithOpener replaces the function used to create local artifacts.
func WithOpener(fn OpenFunc) Option {
	return func(r *Reassembler) { r.open = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reassembler) { r.log = l }
}

// WithLimits replaces the default limits.
func WithLimits(l Limits) Option {
	return func(r *Reassembler) { r.limits = l }
}

// New creates a Reassembler that writes artifacts under dir.
func New(dir string, opts ...Option) *Reassembler {
	r := &Reassembler{
		dir:      dir,
		open:     openFile,
		limits:   DefaultLimits(),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.OrNop(r.log)
	return r
}

// Dir returns the directory holding local artifacts.
func (r *Reassembler) Dir() string { return r.dir }

// Submit records a chunk and appends every chunk that has become contiguous.
// A chunk whose index was already seen is acknowledged without being written
// again. A failed append leaves the chunk buffered so a later Submit for the
// same file retries it.
func (r *Reassembler) Submit(c Chunk) (Ack, error) {
	if err := r.validate(c); err != nil {
		return Ack{}, err
	}

	s, created, err := r.session(c)
	if err != nil {
		return Ack{}, err
	}
	return r.submit(s, created, c)
}

func (r *Reassembler) submit(s *session, created bool, c Chunk) (Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// the session may have ended between lookup and lock
	if s.closed {
		return Ack{}, apperr.Invalid("upload of file %s was closed; start it again", c.FileID)
	}
	if s.owner != c.Owner {
		return Ack{}, apperr.NotOwner(c.FileID)
	}
	if s.total != c.Total {
		return Ack{}, apperr.Invalid("total_chunks %d does not match %d for file %s", c.Total, s.total, c.FileID)
	}

	ack := Ack{FileID: c.FileID, Index: c.Index, Created: created, Path: s.path}
	if s.sealed {
		ack.Duplicate = true
		ack.Size = s.size
		return ack, nil
	}

	if _, buffered := s.pending[c.Index]; buffered || c.Index < s.next {
		ack.Duplicate = true
	} else {
		if limit := r.limits.MaxPendingBytes; limit > 0 && c.Index != s.next && s.pendingBytes+int64(len(c.Data)) > limit {
			return Ack{}, apperr.Invalid("file %s has too many out-of-order bytes buffered; send chunk %d first", c.FileID, s.next)
		}
		s.pending[c.Index] = append([]byte(nil), c.Data...)
		s.pendingBytes += int64(len(c.Data))
	}

	if err := r.drain(s); err != nil {
		return Ack{}, err
	}
	ack.Size = s.size

	if s.committed == s.total {
		s.sealed = true
		if err := s.file.Close(); err != nil {
			r.log.Warn("close reassembled artifact", zap.String("file_id", s.fileID), zap.Error(err))
		}
		s.file = nil
		ack.Complete = true
		r.log.Info("upload reassembled",
			zap.String("file_id", s.fileID),
			zap.String("owner", s.owner),
			zap.Int("chunks", s.total),
			zap.Int64("bytes", s.size))
	}
	return ack, nil
}

func (r *Reassembler) validate(c Chunk) error {
	switch {
	case !ValidFileID(c.FileID):
		return apperr.Invalid("invalid fileid %q", c.FileID)
	case c.Owner == "":
		return apperr.Invalid("missing owner")
	case c.Total < 1:
		return apperr.Invalid("total_chunks must be at least 1")
	case c.Index < 0 || c.Index >= c.Total:
		return apperr.Invalid("chunk_number %d out of range [0, %d)", c.Index, c.Total)
	case r.limits.MaxChunks > 0 && c.Total > r.limits.MaxChunks:
		return apperr.Invalid("total_chunks %d exceeds the limit of %d", c.Total, r.limits.MaxChunks)
	}
	return nil
}

func (r *Reassembler) session(c Chunk) (*session, bool, error) {
	r.mu.RLock()
	s, ok := r.sessions[c.FileID]
	r.mu.RUnlock()
	if ok {
		return s, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[c.FileID]; ok {
		return s, false, nil
	}

	if limit := r.limits.MaxSessions; limit > 0 && len(r.sessions) >= limit {
		return nil, false, apperr.Invalid("too many uploads in progress")
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, false, apperr.Storage(err, "create temp directory")
	}
	path := filepath.Join(r.dir, c.FileID)
	f, err := r.open(path)
	if err != nil {
		return nil, false, apperr.Storage(err, "open artifact for file %s", c.FileID)
	}

	s = &session{
		fileID:   c.FileID,
		owner:    c.Owner,
		filename: c.Filename,
		total:    c.Total,
		path:     path,
		file:     f,
		pending:  make(map[int][]byte),
	}
	r.sessions[c.FileID] = s
	r.log.Debug("upload session opened",
		zap.String("file_id", c.FileID),
		zap.String("owner", c.Owner),
		zap.Int("total_chunks", c.Total))
	return s, true, nil
}

// drain appends pending chunks starting at next. Caller holds s.mu.
func (r *Reassembler) drain(s *session) error {
	for {
		data, ok := s.pending[s.next]
		if !ok {
			return nil
		}
		n, err := s.file.WriteAt(data, s.size)
		if err == nil && n < len(data) {
			err = fmt.Errorf("short write: %d of %d bytes", n, len(data))
		}
		if err != nil {
			if terr := s.file.Truncate(s.size); terr != nil {
				r.log.Error("truncate after failed append",
					zap.String("file_id", s.fileID), zap.Error(terr))
			}
			r.log.Warn("chunk append failed",
				zap.String("file_id", s.fileID),
				zap.Int("chunk", s.next),
				zap.Error(err))
			return apperr.Storage(err, "append chunk %d of file %s", s.next, s.fileID)
		}
		delete(s.pending, s.next)
		s.pendingBytes -= int64(len(data))
		s.size += int64(len(data))
		s.next++
		s.committed++
	}
}

// Active reports whether a session exists for fileID.
func (r *Reassembler) Active(fileID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[fileID]
	return ok
}

// Sessions returns the number of tracked sessions.
func (r *Reassembler) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Progress returns the next expected index and total for an active session.
func (r *Reassembler) Progress(fileID string) (next, total int, ok bool) {
	s := r.lookup(fileID)
	if s == nil {
		return 0, 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.total, true
}

func (r *Reassembler) lookup(fileID string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[fileID]
}

// end closes the session for fileID and runs fn on its artifact path while
// the session still holds the id, so no new upload can claim the path
// before fn is done. It reports false if there was no session.
func (r *Reassembler) end(fileID string, fn func(path string) error) (bool, error) {
	s := r.lookup(fileID)
	if s == nil {
		return false, nil
	}

	s.mu.Lock()
	s.closed = true
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	var err error
	if fn != nil {
		err = fn(s.path)
	}
	s.mu.Unlock()

	r.mu.Lock()
	if r.sessions[fileID] == s {
		delete(r.sessions, fileID)
	}
	r.mu.Unlock()
	return true, err
}

// Release forgets the session for fileID and leaves its artifact on disk.
func (r *Reassembler) Release(fileID string) {
	_, _ = r.end(fileID, nil)
}

// Discard forgets the session for fileID and deletes its artifact.
func (r *Reassembler) Discard(fileID string) {
	_, _ = r.end(fileID, func(path string) error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.log.Warn("remove discarded artifact", zap.String("file_id", fileID), zap.Error(err))
		}
		return nil
	})
}

// Retain forgets the session for fileID and moves its artifact under
// <dir>/.failed so a new upload with the same id cannot overwrite it.
// It returns the new location.
func (r *Reassembler) Retain(fileID string) (string, error) {
	dst := filepath.Join(r.dir, ".failed", fileID)
	found, err := r.end(fileID, func(path string) error {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create failed directory: %w", err)
		}
		return os.Rename(path, dst)
	})
	if !found {
		return "", fmt.Errorf("retain artifact %s: no upload session", fileID)
	}
	if err != nil {
		return "", fmt.Errorf("retain artifact %s: %w", fileID, err)
	}
	return dst, nil
}
