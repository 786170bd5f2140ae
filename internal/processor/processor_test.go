package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/db/dbtest"
	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/redis/redistest"
)

var testNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type countingChannel struct {
	name  string
	err   error
	delay time.Duration
	calls atomic.Int32

	// during runs inside Deliver, while the processor holds the lock.
	during func(notif *db.Notification)
}

func (c *countingChannel) Name() string { return c.name }

func (c *countingChannel) Deliver(ctx context.Context, notif *db.Notification) error {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.during != nil {
		c.during(notif)
	}
	return c.err
}

type recordingInvalidator struct {
	mu      sync.Mutex
	tenants []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants = append(r.tenants, tenantID)
	return nil
}

type fixture struct {
	proc    *Processor
	repo    *dbtest.MemoryRepository
	locker  *redis.Locker
	channel *countingChannel
	inval   *recordingInvalidator
}

func newFixture(t *testing.T, channel *countingChannel) *fixture {
	t.Helper()
	client, _ := redistest.New(t)
	locker := redis.NewLocker(client, zap.NewNop())

	repo := dbtest.NewMemoryRepository()
	repo.Now = func() time.Time { return testNow }

	dispatcher := delivery.NewDispatcher(delivery.NewRegistry(channel), time.Second, zap.NewNop())
	inval := &recordingInvalidator{}

	proc := New(repo, locker, dispatcher, Config{
		LockTTL:     time.Minute,
		Invalidator: inval,
		Now:         func() time.Time { return testNow },
	}, zap.NewNop())

	return &fixture{proc: proc, repo: repo, locker: locker, channel: channel, inval: inval}
}

func (f *fixture) create(t *testing.T, notif *db.Notification) *db.Notification {
	t.Helper()
	if notif.TenantID == "" {
		notif.TenantID = "tenant-1"
	}
	if notif.UserID == "" {
		notif.UserID = "user-1"
	}
	if notif.Channel == "" {
		notif.Channel = f.channel.name
	}
	notif.Title = "Hello"
	notif.Body = "World"
	require.NoError(t, f.repo.CreateNotification(context.Background(), notif))
	return notif
}

func (f *fixture) get(t *testing.T, id int64) *db.Notification {
	t.Helper()
	notif, err := f.repo.GetNotification(context.Background(), id)
	require.NoError(t, err)
	return notif
}

func TestProcess_SkipsTerminal(t *testing.T) {
	for _, status := range []db.Status{db.StatusSent, db.StatusFailed, db.StatusCancelled} {
		t.Run(status.String(), func(t *testing.T) {
			f := newFixture(t, &countingChannel{name: "log"})
			notif := f.create(t, &db.Notification{Status: status, Attempts: 1})
			before := f.get(t, notif.ID)

			res, err := f.proc.Process(context.Background(), notif)
			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, res.Outcome)
			assert.Equal(t, before, f.get(t, notif.ID))
			assert.Zero(t, f.channel.calls.Load())
		})
	}
}

func TestProcess_ReleasesScheduled(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log"})
	at := testNow.Add(5 * time.Minute)
	notif := f.create(t, &db.Notification{ScheduledAt: &at})

	res, err := f.proc.Process(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, res.Outcome)
	assert.Equal(t, ReasonScheduled, res.Reason)
	assert.InDelta(t, 300, res.Delay.Seconds(), 1)

	got := f.get(t, notif.ID)
	assert.Equal(t, db.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Zero(t, f.channel.calls.Load())

	// The schedule check happens before the lock, so nothing is held.
	token, err := f.locker.Acquire(context.Background(), notif.LockKey(), time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestProcess_PastScheduleDelivers(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log"})
	at := testNow.Add(-time.Minute)
	notif := f.create(t, &db.Notification{ScheduledAt: &at})

	res, err := f.proc.Process(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, Completed(ReasonSent), res)
}

func TestProcess_ReleasesWhenLocked(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log"})
	notif := f.create(t, &db.Notification{})

	_, err := f.locker.Acquire(context.Background(), notif.LockKey(), time.Minute)
	require.NoError(t, err)

	res, err := f.proc.Process(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, Release(10*time.Second, ReasonLockContention), res)
	assert.Equal(t, db.StatusPending, f.get(t, notif.ID).Status)
	assert.Zero(t, f.channel.calls.Load())
}

func TestProcess_Success(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log"})
	notif := f.create(t, &db.Notification{MaxAttempts: 3})

	res, err := f.proc.Process(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, Completed(ReasonSent), res)

	got := f.get(t, notif.ID)
	assert.Equal(t, db.StatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(testNow))
	assert.Nil(t, got.FailedAt)
	assert.Contains(t, f.inval.tenants, "tenant-1")

	// The lock is released on the way out.
	_, err = f.locker.Acquire(context.Background(), notif.LockKey(), time.Minute)
	assert.NoError(t, err)
}

func TestProcess_TransientFailureRetries(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log", err: errors.New("smtp 451")})
	notif := f.create(t, &db.Notification{MaxAttempts: 3})

	res, err := f.proc.Process(context.Background(), notif)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp 451")
	assert.Equal(t, Result{}, res)

	got := f.get(t, notif.ID)
	assert.Equal(t, db.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "smtp 451")
	assert.Nil(t, got.FailedAt)

	_, err = f.locker.Acquire(context.Background(), notif.LockKey(), time.Minute)
	assert.NoError(t, err, "lock must be released on the error path")
}

func TestProcess_ExhaustsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log", err: errors.New("connection reset")})
	notif := f.create(t, &db.Notification{MaxAttempts: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.proc.Process(ctx, f.get(t, notif.ID))
		require.Error(t, err)
	}

	res, err := f.proc.Process(ctx, f.get(t, notif.ID))
	require.NoError(t, err)
	assert.Equal(t, Completed(ReasonExhausted), res)

	got := f.get(t, notif.ID)
	assert.Equal(t, db.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.FailedAt)
	require.NotNil(t, got.LastError)
	assert.NotEmpty(t, *got.LastError)
	assert.EqualValues(t, 3, f.channel.calls.Load())

	// Terminal now; a fourth run changes nothing.
	res, err = f.proc.Process(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 3, f.get(t, notif.ID).Attempts)
}

func TestProcess_UnknownChannelFailsImmediately(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log"})
	notif := f.create(t, &db.Notification{Channel: "pigeon", MaxAttempts: 5})

	res, err := f.proc.Process(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, Completed(ReasonPermanent), res)

	got := f.get(t, notif.ID)
	assert.Equal(t, db.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "pigeon")
}

func TestProcess_PermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "email", err: delivery.Permanentf("payload has no recipient")})
	notif := f.create(t, &db.Notification{MaxAttempts: 5})

	res, err := f.proc.Process(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, Completed(ReasonPermanent), res)
	assert.Equal(t, db.StatusFailed, f.get(t, notif.ID).Status)
}

func TestProcess_StaleCopyIsRecheckedUnderLock(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log"})
	notif := f.create(t, &db.Notification{})
	stale := notif.Clone()

	cancelled := db.StatusCancelled
	require.NoError(t, f.repo.UpdateNotification(context.Background(), notif.ID, db.Update{Status: &cancelled}))

	res, err := f.proc.Process(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Zero(t, f.channel.calls.Load())
}

func TestProcess_CancelDuringDeliveryIsRespected(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "delivered", err: nil},
		{name: "transient error", err: errors.New("smtp timeout")},
		{name: "permanent error", err: delivery.Permanentf("no recipient")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &countingChannel{name: "log", err: tt.err}
			f := newFixture(t, ch)
			notif := f.create(t, &db.Notification{MaxAttempts: 3})

			// A cancel request arrives through the API mid-delivery; it does
			// not take the delivery lock.
			ch.during = func(n *db.Notification) {
				_, err := f.repo.CancelNotification(context.Background(), n.TenantID, n.ExternalRef)
				assert.NoError(t, err)
			}

			res, err := f.proc.Process(context.Background(), notif)
			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, res.Outcome)
			assert.Equal(t, "already cancelled", res.Reason)
			assert.EqualValues(t, 1, ch.calls.Load())

			got := f.get(t, notif.ID)
			assert.Equal(t, db.StatusCancelled, got.Status)
			assert.Nil(t, got.ProcessedAt)
			assert.Nil(t, got.FailedAt)
			assert.Nil(t, got.LastError)
		})
	}
}

func TestProcess_ConcurrentWorkersDeliverOnce(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log", delay: 50 * time.Millisecond})
	notif := f.create(t, &db.Notification{})

	const workers = 8
	results := make([]Result, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.proc.Process(context.Background(), notif.Clone())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.channel.calls.Load())

	completed := 0
	for _, res := range results {
		switch res.Outcome {
		case OutcomeCompleted:
			completed++
		case OutcomeReleased:
			assert.Equal(t, ReasonLockContention, res.Reason)
		}
	}
	assert.Equal(t, 1, completed)

	got := f.get(t, notif.ID)
	assert.Equal(t, db.StatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestProcess_RepositoryError(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log"})
	notif := f.create(t, &db.Notification{})
	f.repo.Err = errors.New("connection refused")

	_, err := f.proc.Process(context.Background(), notif)
	require.Error(t, err)
	assert.Zero(t, f.channel.calls.Load())
}

func TestFail(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log"})
	ctx := context.Background()

	pending := f.create(t, &db.Notification{})
	require.NoError(t, f.proc.Fail(ctx, pending.ID, errors.New("queue gave up")))

	got := f.get(t, pending.ID)
	assert.Equal(t, db.StatusFailed, got.Status)
	require.NotNil(t, got.FailedAt)
	assert.Equal(t, "queue gave up", *got.LastError)

	sent := f.create(t, &db.Notification{Status: db.StatusSent})
	require.NoError(t, f.proc.Fail(ctx, sent.ID, errors.New("late")))
	assert.Equal(t, db.StatusSent, f.get(t, sent.ID).Status)
}

func TestFail_DoesNotOverwriteCancel(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log"})
	ctx := context.Background()
	notif := f.create(t, &db.Notification{})

	_, err := f.repo.CancelNotification(ctx, notif.TenantID, notif.ExternalRef)
	require.NoError(t, err)

	require.NoError(t, f.proc.Fail(ctx, notif.ID, errors.New("queue gave up")))

	got := f.get(t, notif.ID)
	assert.Equal(t, db.StatusCancelled, got.Status)
	assert.Nil(t, got.LastError)
}

func TestFail_LockBusy(t *testing.T) {
	f := newFixture(t, &countingChannel{name: "log"})
	notif := f.create(t, &db.Notification{})

	_, err := f.locker.Acquire(context.Background(), notif.LockKey(), time.Minute)
	require.NoError(t, err)

	err = f.proc.Fail(context.Background(), notif.ID, errors.New("x"))
	assert.ErrorIs(t, err, redis.ErrLockBusy)
	assert.Equal(t, db.StatusPending, f.get(t, notif.ID).Status)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "released(10s, lock contention)", Release(10*time.Second, ReasonLockContention).String())
	assert.Equal(t, "completed(sent)", Completed(ReasonSent).String())
}
