package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboundemail/inbound/internal/config"
	"github.com/inboundemail/inbound/internal/store"
)

type fakeBlobs struct {
	mu      sync.Mutex
	err     error
	cutoffs []time.Time
}

func (b *fakeBlobs) Cleanup(ctx context.Context, olderThan time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.cutoffs = append(b.cutoffs, olderThan)
	return nil
}

func (b *fakeBlobs) all() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.cutoffs...)
}

func newTestCleanup(t *testing.T) (*CleanupWorker, sqlmock.Sqlmock, *fakeBlobs) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs := &fakeBlobs{}
	w := NewCleanupWorker(store.NewStore(db), blobs, config.SchedulerConfig{RetentionDays: 90})
	return w, mock, blobs
}

func TestRunPrunesAllTargets(t *testing.T) {
	w, mock, blobs := newTestCleanup(t)

	mock.ExpectExec("DELETE FROM email_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM deliveries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w.Run(context.Background())

	cutoffs := blobs.all()
	require.Len(t, cutoffs, 1)
	assert.WithinDuration(t, time.Now().Add(-90*24*time.Hour), cutoffs[0], time.Minute)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunContinuesPastFailedPrune(t *testing.T) {
	w, mock, blobs := newTestCleanup(t)

	mock.ExpectExec("DELETE FROM email_events").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec("DELETE FROM deliveries").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("DELETE FROM deliveries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w.Run(context.Background())

	assert.Len(t, blobs.all(), 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunWithoutBlobStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	w := NewCleanupWorker(store.NewStore(db), nil, config.SchedulerConfig{RetentionDays: 30})

	mock.ExpectExec("DELETE FROM email_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM deliveries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w.Run(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunBlobCleanupFailureIsNonFatal(t *testing.T) {
	w, mock, blobs := newTestCleanup(t)
	blobs.err = errors.New("disk gone")

	mock.ExpectExec("DELETE FROM email_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM deliveries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w.Run(context.Background())
	assert.Empty(t, blobs.all())
}
