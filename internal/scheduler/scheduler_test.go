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

type fakeLock struct {
	mu         sync.Mutex
	held       bool
	acquireErr error
	acquires   int
	releases   int
}

func (l *fakeLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	if l.held {
		return false, nil
	}
	l.acquires++
	return true, nil
}

func (l *fakeLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *fakeLock) counts() (acquires, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires, l.releases
}

type fakeDispatcher struct {
	mu     sync.Mutex
	failID string
	sent   []string
}

func (d *fakeDispatcher) DispatchClaimed(ctx context.Context, e *store.SentEmail) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.ID == d.failID {
		return errors.New("ses unavailable")
	}
	d.sent = append(d.sent, e.ID)
	return nil
}

func (d *fakeDispatcher) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

type pollerFixture struct {
	poller *Poller
	mock   sqlmock.Sqlmock
	lock   *fakeLock
	sender *fakeDispatcher
}

func newTestPoller(t *testing.T) *pollerFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &pollerFixture{
		mock:   mock,
		lock:   &fakeLock{},
		sender: &fakeDispatcher{},
	}
	cfg := config.SchedulerConfig{
		IntervalSeconds:     30,
		BatchSize:           50,
		OverdueGraceSeconds: 120,
		RetentionDays:       90,
	}
	f.poller = NewPoller(store.NewStore(db), f.sender, f.lock, cfg)
	return f
}

func overdueRows(ids ...string) *sqlmock.Rows {
	cols := []string{
		"id", "user_id", "tenant_id", "from_address", "to_addresses", "cc_addresses",
		"bcc_addresses", "reply_to", "subject", "text_body", "html_body", "headers",
		"attachment_meta", "status", "ses_message_id", "idempotency_key",
		"qstash_message_id", "scheduled_at", "sent_at", "attempts", "failure_reason",
		"created_at", "updated_at",
	}
	rows := sqlmock.NewRows(cols)
	now := time.Now()
	for _, id := range ids {
		rows.AddRow(
			id, "user-1", "", "news@acme.com", []byte(`["bob@corp.com"]`), []byte(`[]`),
			[]byte(`[]`), []byte(`[]`), "Hello", "plain body", "", []byte(`{}`),
			[]byte(`{}`), store.SentQueued, "", "", "", now.Add(-10*time.Minute), nil, 0, "",
			now, now,
		)
	}
	return rows
}

func TestPollDispatchesOverdueBatch(t *testing.T) {
	f := newTestPoller(t)

	f.mock.ExpectQuery("WITH claimed AS").
		WithArgs("120 seconds", 50).
		WillReturnRows(overdueRows("em-1", "em-2"))

	f.poller.Poll(context.Background())

	assert.Equal(t, []string{"em-1", "em-2"}, f.sender.all())
	acquires, releases := f.lock.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 1, releases)
	assert.False(t, f.poller.LastPoll().IsZero())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPollSkipsWhenAnotherInstanceHoldsLock(t *testing.T) {
	f := newTestPoller(t)
	f.lock.held = true

	f.poller.Poll(context.Background())

	assert.Empty(t, f.sender.all())
	_, releases := f.lock.counts()
	assert.Zero(t, releases, "a lock we never held must not be released")
	assert.True(t, f.poller.LastPoll().IsZero())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPollLockErrorSkipsCycle(t *testing.T) {
	f := newTestPoller(t)
	f.lock.acquireErr = errors.New("redis down")

	f.poller.Poll(context.Background())

	assert.Empty(t, f.sender.all())
	_, releases := f.lock.counts()
	assert.Zero(t, releases)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestPollContinuesPastFailedDispatch(t *testing.T) {
	f := newTestPoller(t)
	f.sender.failID = "em-1"

	f.mock.ExpectQuery("WITH claimed AS").
		WillReturnRows(overdueRows("em-1", "em-2"))

	f.poller.Poll(context.Background())

	// em-1 went back to scheduled inside the dispatcher; em-2 still sent
	assert.Equal(t, []string{"em-2"}, f.sender.all())
	_, releases := f.lock.counts()
	assert.Equal(t, 1, releases)
}

func TestPollNothingOverdue(t *testing.T) {
	f := newTestPoller(t)

	f.mock.ExpectQuery("WITH claimed AS").
		WillReturnRows(overdueRows())

	f.poller.Poll(context.Background())

	assert.Empty(t, f.sender.all())
	_, releases := f.lock.counts()
	assert.Equal(t, 1, releases)
	assert.False(t, f.poller.LastPoll().IsZero())
}

func TestPollClaimFailureReleasesLock(t *testing.T) {
	f := newTestPoller(t)

	f.mock.ExpectQuery("WITH claimed AS").
		WillReturnError(errors.New("connection reset"))

	f.poller.Poll(context.Background())

	assert.Empty(t, f.sender.all())
	_, releases := f.lock.counts()
	assert.Equal(t, 1, releases)
}

func TestStartStopsOnCancel(t *testing.T) {
	f := newTestPoller(t)
	f.lock.held = true

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.poller.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on context cancel")
	}
}
