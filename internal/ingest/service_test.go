package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicecat/invoicecat/internal/apperr"
	"github.com/invoicecat/invoicecat/internal/batch"
	"github.com/invoicecat/invoicecat/internal/blob"
	"github.com/invoicecat/invoicecat/internal/convert"
	"github.com/invoicecat/invoicecat/internal/ledger"
	"github.com/invoicecat/invoicecat/internal/upload"
)

type fixture struct {
	svc     *Service
	ledger  *ledger.Ledger
	store   blob.Store
	uploads *upload.Reassembler
	tmp     string
}

type fixtureOpts struct {
	cfg    Config
	store  func(base string) blob.Store
	runner func(store blob.Store) batch.Runner
	opts   []Option
}

func newFixture(t *testing.T, fo fixtureOpts) *fixture {
	t.Helper()
	tmp := t.TempDir()

	var store blob.Store = blob.NewLocalStore(t.TempDir())
	if fo.store != nil {
		store = fo.store(t.TempDir())
	}
	var runner batch.Runner = batch.NewLocalRunner(store, 2, nil)
	if fo.runner != nil {
		runner = fo.runner(store)
	}
	if fo.cfg.ChunkSize == 0 {
		fo.cfg.ChunkSize = 4
	}

	l := ledger.New(ledger.NewMemoryStore())
	uploads := upload.New(tmp)
	svc := NewService(uploads, l, blob.NewAdapter(store, nil), batch.NewBridge(runner), fo.cfg, fo.opts...)
	return &fixture{svc: svc, ledger: l, store: store, uploads: uploads, tmp: tmp}
}

func (f *fixture) uploadAll(t *testing.T, owner, fileID string, chunks ...string) *UploadResult {
	t.Helper()
	var res *UploadResult
	for i, c := range chunks {
		var err error
		res, err = f.svc.Upload(context.Background(), owner, UploadRequest{
			FileID:      fileID,
			Filename:    "invoices.csv",
			Chunk:       []byte(c),
			ChunkNumber: i,
			TotalChunks: len(chunks),
		})
		require.NoError(t, err)
	}
	return res
}

func collect(t *testing.T, f *fixture, owner, fileID string) ([]blob.Chunk, string) {
	t.Helper()
	var got []blob.Chunk
	var buf bytes.Buffer
	err := f.svc.Get(context.Background(), owner, fileID, func(c blob.Chunk) error {
		got = append(got, c)
		buf.Write(c.Data)
		return nil
	})
	require.NoError(t, err)
	return got, buf.String()
}

func TestUploadProcessGet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	res, err := f.svc.Upload(ctx, "alice", UploadRequest{FileID: "f1", Filename: "jan.csv", Chunk: []byte("hello"), ChunkNumber: 0, TotalChunks: 3})
	require.NoError(t, err)
	assert.Equal(t, &UploadResult{FileID: "f1", ChunkNumber: 0}, res)

	res, err = f.svc.Upload(ctx, "alice", UploadRequest{FileID: "f1", Filename: "jan.csv", Chunk: []byte("world"), ChunkNumber: 1, TotalChunks: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunkNumber)
	assert.False(t, res.Finished)

	_, err = f.ledger.GetOwned(ctx, "f1", "alice")
	assert.Equal(t, apperr.UnknownFile, apperr.KindOf(err), "no record before the final chunk")

	res, err = f.svc.Upload(ctx, "alice", UploadRequest{FileID: "f1", Filename: "jan.csv", Chunk: []byte("!!"), ChunkNumber: 2, TotalChunks: 3})
	require.NoError(t, err)
	assert.Equal(t, &UploadResult{FileID: "f1", ChunkNumber: -1, Finished: true}, res)

	size, err := f.store.Size(ctx, blob.InputKey("f1", false))
	require.NoError(t, err)
	assert.EqualValues(t, 12, size)
	assert.Zero(t, f.uploads.Sessions())
	_, err = os.Stat(filepath.Join(f.tmp, "f1"))
	assert.True(t, os.IsNotExist(err), "local artifact removed after commit")

	files, err := f.svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, FileEntry{FileID: "f1", Filename: "jan.csv", Status: ledger.StatusNotProcessed, JobHandle: ledger.NoJob}, files[0])

	err = f.svc.Get(ctx, "alice", "f1", func(blob.Chunk) error { return nil })
	assert.Equal(t, apperr.NotReady, apperr.KindOf(err))

	pr, err := f.svc.Process(ctx, "alice", "f1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pr.JobHandle, "local-job/"))

	files, err = f.svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProcessing, files[0].Status)
	assert.Equal(t, pr.JobHandle, files[0].JobHandle)

	files, err = f.svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProcessed, files[0].Status)

	chunks, body := collect(t, f, "alice", "f1")
	assert.Equal(t, "helloworld!!", body)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 3, c.Total)
	}

	// Get never changes state.
	rec, err := f.ledger.GetOwned(ctx, "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProcessed, rec.Status)
}

func TestUploadOutOfOrderAndDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	send := func(i int, data string) *UploadResult {
		res, err := f.svc.Upload(ctx, "alice", UploadRequest{FileID: "f2", Filename: "feb.csv", Chunk: []byte(data), ChunkNumber: i, TotalChunks: 4})
		require.NoError(t, err)
		return res
	}
	send(2, "cc")
	send(0, "aa")
	send(2, "XX")
	send(3, "dd")
	res := send(1, "bb")
	assert.True(t, res.Finished)

	got, err := f.store.GetRange(ctx, blob.InputKey("f2", false), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "aabbccdd", string(got))
}

func TestUploadAfterCommitRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	f.uploadAll(t, "alice", "f1", "abc")

	req := UploadRequest{FileID: "f1", Filename: "again.csv", Chunk: []byte("x"), ChunkNumber: 0, TotalChunks: 1}
	_, err := f.svc.Upload(ctx, "alice", req)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	_, err = f.svc.Upload(ctx, "bob", req)
	assert.Equal(t, apperr.OwnershipError, apperr.KindOf(err))

	assert.Zero(t, f.uploads.Sessions(), "rejected chunks open no session")
	got, err := f.store.GetRange(ctx, blob.InputKey("f1", false), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	// After delete the id is free again.
	require.NoError(t, f.svc.Delete(ctx, "alice", "f1"))
	res := f.uploadAll(t, "bob", "f1", "new")
	assert.True(t, res.Finished)
}

func TestUploadGeneratesFileID(t *testing.T) {
	f := newFixture(t, fixtureOpts{opts: []Option{WithIDGenerator(func() string { return "generated-1" })}})
	res := f.uploadAll(t, "alice", "", "one chunk")
	assert.Equal(t, "generated-1", res.FileID)
	assert.True(t, res.Finished)
}

func TestUploadValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	tests := []struct {
		name  string
		owner string
		req   UploadRequest
	}{
		{"no owner", "", UploadRequest{FileID: "f1", Filename: "a.csv", ChunkNumber: 0, TotalChunks: 1}},
		{"no filename", "alice", UploadRequest{FileID: "f1", ChunkNumber: 0, TotalChunks: 1}},
		{"bad file id", "alice", UploadRequest{FileID: "../etc", Filename: "a.csv", ChunkNumber: 0, TotalChunks: 1}},
		{"index out of range", "alice", UploadRequest{FileID: "f1", Filename: "a.csv", ChunkNumber: 3, TotalChunks: 3}},
		{"no chunks", "alice", UploadRequest{FileID: "f1", Filename: "a.csv", ChunkNumber: 0, TotalChunks: 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Upload(ctx, tc.owner, tc.req)
			assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
		})
	}
	assert.Zero(t, f.uploads.Sessions())
}

func TestOwnershipIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	f.uploadAll(t, "alice", "f1", "abc")

	files, err := f.svc.List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = f.svc.Process(ctx, "bob", "f1")
	assert.Equal(t, apperr.OwnershipError, apperr.KindOf(err))
	err = f.svc.Get(ctx, "bob", "f1", func(blob.Chunk) error { return nil })
	assert.Equal(t, apperr.OwnershipError, apperr.KindOf(err))
	err = f.svc.Delete(ctx, "bob", "f1")
	assert.Equal(t, apperr.OwnershipError, apperr.KindOf(err))

	_, err = f.svc.Process(ctx, "alice", "missing")
	assert.Equal(t, apperr.UnknownFile, apperr.KindOf(err))

	// bob cannot join alice's in-flight upload either
	_, err = f.svc.Upload(ctx, "alice", UploadRequest{FileID: "f9", Filename: "a.csv", Chunk: []byte("a"), ChunkNumber: 0, TotalChunks: 2})
	require.NoError(t, err)
	_, err = f.svc.Upload(ctx, "bob", UploadRequest{FileID: "f9", Filename: "a.csv", Chunk: []byte("b"), ChunkNumber: 1, TotalChunks: 2})
	assert.Equal(t, apperr.OwnershipError, apperr.KindOf(err))

	rec, err := f.ledger.GetOwned(ctx, "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusNotProcessed, rec.Status)
}

func TestProcessTwiceRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	f.uploadAll(t, "alice", "f1", "abc")

	_, err := f.svc.Process(ctx, "alice", "f1")
	require.NoError(t, err)
	_, err = f.svc.Process(ctx, "alice", "f1")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}

type scriptedRunner struct {
	status    batch.JobStatus
	statusErr error
	submitErr error
	n         int
}

func (r *scriptedRunner) Submit(context.Context, string, string) (string, error) {
	if r.submitErr != nil {
		return "", r.submitErr
	}
	r.n++
	return "job-" + string(rune('0'+r.n)), nil
}

func (r *scriptedRunner) Status(context.Context, string) (batch.JobStatus, error) {
	return r.status, r.statusErr
}

func TestFailedJobReturnsToNotProcessed(t *testing.T) {
	ctx := context.Background()
	runner := &scriptedRunner{status: batch.JobRunning}
	f := newFixture(t, fixtureOpts{runner: func(blob.Store) batch.Runner { return runner }})
	f.uploadAll(t, "alice", "f1", "abc")

	_, err := f.svc.Process(ctx, "alice", "f1")
	require.NoError(t, err)

	runner.status = batch.JobFailed
	files, err := f.svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusNotProcessed, files[0].Status)
	assert.Equal(t, ledger.NoJob, files[0].JobHandle)

	runner.status = batch.JobRunning
	pr, err := f.svc.Process(ctx, "alice", "f1")
	require.NoError(t, err, "a failed file can be processed again")
	assert.Equal(t, "job-2", pr.JobHandle)
}

// gatedRunner blocks polls of job-1 until release is closed, then reports
// it failed. Other jobs are running.
type gatedRunner struct {
	mu      sync.Mutex
	n       int
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRunner) Submit(context.Context, string, string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return "job-" + string(rune('0'+r.n)), nil
}

func (r *gatedRunner) Status(_ context.Context, handle string) (batch.JobStatus, error) {
	if handle != "job-1" {
		return batch.JobRunning, nil
	}
	close(r.entered)
	<-r.release
	return batch.JobFailed, nil
}

func TestStalePollKeepsNewerJob(t *testing.T) {
	ctx := context.Background()
	runner := &gatedRunner{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, fixtureOpts{runner: func(blob.Store) batch.Runner { return runner }})
	f.uploadAll(t, "alice", "f1", "abc")
	_, err := f.svc.Process(ctx, "alice", "f1")
	require.NoError(t, err)

	type listResult struct {
		files []FileEntry
		err   error
	}
	done := make(chan listResult, 1)
	go func() {
		files, err := f.svc.List(ctx, "alice")
		done <- listResult{files, err}
	}()
	<-runner.entered

	// job-1 fails through the push path and the file is resubmitted
	require.NoError(t, f.svc.ApplyJobStatus(ctx, "alice", "f1", "job-1", batch.JobFailed))
	pr, err := f.svc.Process(ctx, "alice", "f1")
	require.NoError(t, err)
	require.Equal(t, "job-2", pr.JobHandle)

	close(runner.release)
	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.files, 1)
	assert.Equal(t, ledger.StatusProcessing, res.files[0].Status)
	assert.Equal(t, "job-2", res.files[0].JobHandle)
	assert.Empty(t, res.files[0].SyncError)

	rec, err := f.ledger.GetOwned(ctx, "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProcessing, rec.Status)
	assert.Equal(t, "job-2", rec.JobHandle, "the late job-1 result must not detach job-2")
}

func TestProcessSubmitFailure(t *testing.T) {
	ctx := context.Background()
	runner := &scriptedRunner{submitErr: errors.New("throttled")}
	f := newFixture(t, fixtureOpts{runner: func(blob.Store) batch.Runner { return runner }})
	f.uploadAll(t, "alice", "f1", "abc")

	_, err := f.svc.Process(ctx, "alice", "f1")
	assert.Equal(t, apperr.ExternalJobError, apperr.KindOf(err))

	rec, err := f.ledger.GetOwned(ctx, "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusNotProcessed, rec.Status)
	assert.Equal(t, ledger.NoJob, rec.JobHandle)
}

func TestListReportsSyncErrors(t *testing.T) {
	ctx := context.Background()
	runner := &scriptedRunner{status: batch.JobQueued}
	f := newFixture(t, fixtureOpts{runner: func(blob.Store) batch.Runner { return runner }})
	f.uploadAll(t, "alice", "f1", "abc")
	f.uploadAll(t, "alice", "f2", "def")
	_, err := f.svc.Process(ctx, "alice", "f1")
	require.NoError(t, err)

	runner.statusErr = errors.New("service unavailable")
	files, err := f.svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, ledger.StatusProcessing, files[0].Status)
	assert.NotEmpty(t, files[0].SyncError)
	assert.Empty(t, files[1].SyncError)
}

type failingPutStore struct {
	blob.Store
}

func (failingPutStore) Put(context.Context, string, io.Reader, int64) error {
	return errors.New("bucket unavailable")
}

func TestCommitFailureRetainsArtifact(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{store: func(base string) blob.Store {
		return failingPutStore{Store: blob.NewLocalStore(base)}
	}})

	_, err := f.svc.Upload(ctx, "alice", UploadRequest{FileID: "f1", Filename: "a.csv", Chunk: []byte("abc"), ChunkNumber: 0, TotalChunks: 2})
	require.NoError(t, err)
	_, err = f.svc.Upload(ctx, "alice", UploadRequest{FileID: "f1", Filename: "a.csv", Chunk: []byte("def"), ChunkNumber: 1, TotalChunks: 2})
	assert.Equal(t, apperr.StorageError, apperr.KindOf(err))

	_, err = f.ledger.GetOwned(ctx, "f1", "alice")
	assert.Equal(t, apperr.UnknownFile, apperr.KindOf(err), "no record without a committed artifact")
	assert.False(t, f.uploads.Active("f1"))

	kept, err := os.ReadFile(filepath.Join(f.tmp, ".failed", "f1"))
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(kept))
}

const export = `Account Statement
Generated,2024-01-31
,
Period,January
,
Date,Vendor,Amount
2024-01-02,ACME Foods,12.50
2024-01-03,Metro Transit,2.75
`

func TestConvertedUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{cfg: Config{ChunkSize: 64, Convert: true, ConvertOptions: convert.DefaultOptions()}})

	half := len(export) / 2
	f.uploadAll(t, "alice", "f1", export[:half], export[half:])

	in, err := f.store.Size(ctx, blob.InputKey("f1", true))
	require.NoError(t, err)
	assert.Positive(t, in)
	_, err = f.store.Size(ctx, blob.InputKey("f1", false))
	assert.ErrorIs(t, err, blob.ErrNotFound)
	_, err = os.Stat(filepath.Join(f.tmp, "f1.jsonl"))
	assert.True(t, os.IsNotExist(err))

	_, err = f.svc.Process(ctx, "alice", "f1")
	require.NoError(t, err)
	_, err = f.svc.List(ctx, "alice")
	require.NoError(t, err)
	files, err := f.svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusProcessed, files[0].Status)

	_, body := collect(t, f, "alice", "f1")
	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Vendor: ACME Foods")
	assert.Contains(t, lines[1], "REC00000002")
}

func TestConvertRejectsMalformedUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{cfg: Config{Convert: true, ConvertOptions: convert.DefaultOptions()}})

	_, err := f.svc.Upload(ctx, "alice", UploadRequest{FileID: "f1", Filename: "a.csv", Chunk: []byte("just one row\n"), ChunkNumber: 0, TotalChunks: 1})
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
	assert.Zero(t, f.uploads.Sessions())

	_, err = f.ledger.GetOwned(ctx, "f1", "alice")
	assert.Equal(t, apperr.UnknownFile, apperr.KindOf(err))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	f.uploadAll(t, "alice", "f1", "abc")
	pr, err := f.svc.Process(ctx, "alice", "f1")
	require.NoError(t, err)
	_, _ = f.svc.List(ctx, "alice")
	_, _ = f.svc.List(ctx, "alice")

	outKey := blob.OutputKey("f1", pr.JobHandle, blob.InputKey("f1", false))
	_, err = f.store.Size(ctx, outKey)
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, "alice", "f1"))

	_, err = f.store.Size(ctx, blob.InputKey("f1", false))
	assert.ErrorIs(t, err, blob.ErrNotFound)
	_, err = f.store.Size(ctx, outKey)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	files, err := f.svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, files)

	err = f.svc.Get(ctx, "alice", "f1", func(blob.Chunk) error { return nil })
	assert.Equal(t, apperr.UnknownFile, apperr.KindOf(err))
	assert.Equal(t, apperr.UnknownFile, apperr.KindOf(f.svc.Delete(ctx, "alice", "f1")))
}

func TestGetSinkErrorAbandonsStream(t *testing.T) {
	ctx := context.Background()
	runner := &scriptedRunner{status: batch.JobCompleted}
	f := newFixture(t, fixtureOpts{runner: func(blob.Store) batch.Runner { return runner }})
	f.uploadAll(t, "alice", "f1", "abc")
	pr, err := f.svc.Process(ctx, "alice", "f1")
	require.NoError(t, err)
	_, err = f.svc.List(ctx, "alice")
	require.NoError(t, err)

	key := blob.OutputKey("f1", pr.JobHandle, blob.InputKey("f1", false))
	require.NoError(t, f.store.Put(ctx, key, strings.NewReader("0123456789"), 10))

	calls := 0
	closed := errors.New("connection closed")
	err = f.svc.Get(ctx, "alice", "f1", func(blob.Chunk) error {
		calls++
		return closed
	})
	assert.ErrorIs(t, err, closed)
	assert.Equal(t, 1, calls)
}

func TestApplyJobStatus(t *testing.T) {
	ctx := context.Background()
	runner := &scriptedRunner{status: batch.JobRunning}
	f := newFixture(t, fixtureOpts{runner: func(blob.Store) batch.Runner { return runner }})
	f.uploadAll(t, "alice", "f1", "abc")
	pr, err := f.svc.Process(ctx, "alice", "f1")
	require.NoError(t, err)

	err = f.svc.ApplyJobStatus(ctx, "alice", "f1", "job-other", batch.JobCompleted)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
	err = f.svc.ApplyJobStatus(ctx, "alice", "f1", ledger.NoJob, batch.JobCompleted)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
	err = f.svc.ApplyJobStatus(ctx, "bob", "f1", pr.JobHandle, batch.JobCompleted)
	assert.Equal(t, apperr.OwnershipError, apperr.KindOf(err))

	require.NoError(t, f.svc.ApplyJobStatus(ctx, "alice", "f1", pr.JobHandle, batch.JobCompleted))
	rec, err := f.ledger.GetOwned(ctx, "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProcessed, rec.Status)

	// A late failure cannot undo a processed file.
	require.NoError(t, f.svc.ApplyJobStatus(ctx, "alice", "f1", pr.JobHandle, batch.JobFailed))
	rec, err = f.ledger.GetOwned(ctx, "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusProcessed, rec.Status)
}

func TestPurgeOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	f.uploadAll(t, "alice", "f1", "a")
	f.uploadAll(t, "alice", "f2", "b")
	f.uploadAll(t, "bob", "f3", "c")

	n, err := f.svc.PurgeOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	files, err := f.svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, files)
	files, err = f.svc.List(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}
