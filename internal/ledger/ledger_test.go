package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invoicecat/invoicecat/internal/apperr"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(store, WithClock(func() time.Time { return clock })), store
}

func TestCreateAndGetOwned(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()

	rec, err := l.Create(ctx, "f1", "alice", "jan.csv")
	require.NoError(t, err)
	assert.Equal(t, StatusNotProcessed, rec.Status)
	assert.Equal(t, NoJob, rec.JobHandle)
	assert.False(t, rec.HasJob())

	got, err := l.GetOwned(ctx, "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "jan.csv", got.Filename)

	_, err = l.GetOwned(ctx, "f1", "bob")
	assert.Equal(t, apperr.OwnershipError, apperr.KindOf(err))

	_, err = l.GetOwned(ctx, "nope", "alice")
	assert.Equal(t, apperr.UnknownFile, apperr.KindOf(err))
}

func TestCreateNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger()

	_, err := l.Create(ctx, "f1", "alice", "jan.csv")
	require.NoError(t, err)
	_, err = l.MarkProcessing(ctx, "f1", "alice", "job-1")
	require.NoError(t, err)

	_, err = l.Create(ctx, "f1", "alice", "again.csv")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))

	_, err = l.Create(ctx, "f1", "bob", "mine.csv")
	assert.Equal(t, apperr.OwnershipError, apperr.KindOf(err))

	rec, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Owner)
	assert.Equal(t, StatusProcessing, rec.Status, "existing record untouched")
	assert.Equal(t, "jan.csv", rec.Filename)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	_, err := l.Create(ctx, "f1", "alice", "jan.csv")
	require.NoError(t, err)

	_, err = l.MarkProcessing(ctx, "f1", "alice", NoJob)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err), "sentinel is not a job")

	_, err = l.MarkProcessing(ctx, "f1", "bob", "job-1")
	assert.Equal(t, apperr.OwnershipError, apperr.KindOf(err))

	rec, err := l.MarkProcessing(ctx, "f1", "alice", "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.Equal(t, "job-1", rec.JobHandle)

	_, err = l.MarkProcessing(ctx, "f1", "alice", "job-2")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err), "already processing")

	rec, err = l.SetStatus(ctx, "f1", "alice", StatusProcessed, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, rec.Status)

	_, err = l.SetStatus(ctx, "f1", "alice", StatusProcessing, "job-1")
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err), "processed is terminal")

	rec, err = l.SetStatus(ctx, "f1", "alice", StatusProcessed, "job-1")
	require.NoError(t, err, "same status is a no-op")
	assert.Equal(t, StatusProcessed, rec.Status)
}

func TestFailedJobReturnsToNotProcessed(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	_, err := l.Create(ctx, "f1", "alice", "jan.csv")
	require.NoError(t, err)
	_, err = l.MarkProcessing(ctx, "f1", "alice", "job-1")
	require.NoError(t, err)

	rec, err := l.SetStatus(ctx, "f1", "alice", StatusNotProcessed, NoJob)
	require.NoError(t, err)
	assert.Equal(t, StatusNotProcessed, rec.Status)
	assert.False(t, rec.HasJob())

	_, err = l.MarkProcessing(ctx, "f1", "alice", "job-2")
	require.NoError(t, err, "file can be resubmitted")
}

func TestConcurrentMoveResolvesToStoredState(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger()
	_, err := l.Create(ctx, "f1", "alice", "jan.csv")
	require.NoError(t, err)
	_, err = l.MarkProcessing(ctx, "f1", "alice", "job-1")
	require.NoError(t, err)

	stale, err := store.Get(ctx, "f1")
	require.NoError(t, err)

	// another reconciler finishes first
	_, err = l.SetStatus(ctx, "f1", "alice", StatusProcessed, "job-1")
	require.NoError(t, err)

	rec, err := l.apply(ctx, stale, StatusProcessed, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, rec.Status)

	_, err = l.apply(ctx, stale, StatusNotProcessed, NoJob)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestAdvanceRejectsReplacedJob(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	_, err := l.Create(ctx, "f1", "alice", "jan.csv")
	require.NoError(t, err)
	seen, err := l.MarkProcessing(ctx, "f1", "alice", "job-1")
	require.NoError(t, err)

	// job-1 fails and the file is resubmitted as job-2
	_, err = l.SetStatus(ctx, "f1", "alice", StatusNotProcessed, NoJob)
	require.NoError(t, err)
	_, err = l.MarkProcessing(ctx, "f1", "alice", "job-2")
	require.NoError(t, err)

	// a late failure of job-1 must not detach job-2
	_, err = l.Advance(ctx, seen, "alice", StatusNotProcessed, NoJob)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = l.Advance(ctx, seen, "bob", StatusNotProcessed, NoJob)
	assert.Equal(t, apperr.OwnershipError, apperr.KindOf(err))

	rec, err := l.GetOwned(ctx, "f1", "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.Equal(t, "job-2", rec.JobHandle)
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger()
	for _, id := range []string{"c", "a", "b"} {
		_, err := l.Create(ctx, id, "alice", id+".csv")
		require.NoError(t, err)
	}
	_, err := l.Create(ctx, "z", "bob", "z.csv")
	require.NoError(t, err)

	recs, err := l.ListOwned(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{recs[0].FileID, recs[1].FileID, recs[2].FileID})

	err = l.Delete(ctx, "z", "alice")
	assert.Equal(t, apperr.OwnershipError, apperr.KindOf(err))

	require.NoError(t, l.Delete(ctx, "a", "alice"))
	err = l.Delete(ctx, "a", "alice")
	assert.Equal(t, apperr.UnknownFile, apperr.KindOf(err))

	recs, err = l.ListOwned(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = l.ListOwned(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCanMoveTo(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNotProcessed, StatusProcessing, true},
		{StatusNotProcessed, StatusProcessed, false},
		{StatusProcessing, StatusProcessed, true},
		{StatusProcessing, StatusNotProcessed, true},
		{StatusProcessed, StatusProcessing, false},
		{StatusProcessed, StatusNotProcessed, false},
		{StatusProcessed, StatusProcessed, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.from.CanMoveTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}
