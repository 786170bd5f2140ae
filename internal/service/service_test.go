package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/db/dbtest"
	"github.com/lalithlochan/courier/internal/delivery"
	"github.com/lalithlochan/courier/internal/processor"
	"github.com/lalithlochan/courier/internal/queue"
	"github.com/lalithlochan/courier/internal/redis"
	"github.com/lalithlochan/courier/internal/redis/redistest"
)

var testNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type enqueued struct {
	job   queue.Job
	delay time.Duration
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, enqueued{job: job, delay: delay})
	return nil
}

type fixture struct {
	svc      *Service
	repo     *dbtest.MemoryRepository
	queue    *fakeQueue
	limiter  *redis.RateLimiter
	mr       *miniredis.Miniredis
	client   *redis.Client
	registry *delivery.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, mr := redistest.New(t)

	repo := dbtest.NewMemoryRepository()
	repo.Now = func() time.Time { return testNow }

	limiter := redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{Limit: 100, Window: time.Minute})
	registry := delivery.NewRegistry(delivery.NewLogChannel(zap.NewNop()))
	q := &fakeQueue{}

	svc := New(repo, limiter, q, registry, redis.NewQueryCache(client, zap.NewNop()), Config{
		RateLimitMaxAttempts: 10,
		RateLimitDecay:       time.Hour,
		Now:                  func() time.Time { return testNow },
	}, zap.NewNop())

	return &fixture{svc: svc, repo: repo, queue: q, limiter: limiter, mr: mr, client: client, registry: registry}
}

func validRequest() CreateRequest {
	return CreateRequest{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Channel:  "log",
		Title:    "Welcome",
		Body:     "Hello there",
	}
}

func intPtr(v int) *int { return &v }

func TestCreate_PersistsAndEnqueues(t *testing.T) {
	f := newFixture(t)

	notif, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, notif.ExternalRef)
	assert.Equal(t, db.StatusPending, notif.Status)
	assert.Zero(t, notif.Attempts)
	assert.Equal(t, db.DefaultMaxAttempts, notif.MaxAttempts)

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, queue.Job{NotificationID: notif.ID, MaxTries: 3}, f.queue.jobs[0].job)
	assert.Zero(t, f.queue.jobs[0].delay)
}

func TestCreate_ScheduledIsDelayed(t *testing.T) {
	f := newFixture(t)
	at := testNow.Add(10 * time.Minute)

	req := validRequest()
	req.ScheduledAt = &at
	req.MaxAttempts = intPtr(5)

	notif, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 5, notif.MaxAttempts)

	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, 10*time.Minute, f.queue.jobs[0].delay)
	assert.Equal(t, 5, f.queue.jobs[0].job.MaxTries)
}

func TestCreate_MissingTenant(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.TenantID = ""

	_, err := f.svc.Create(context.Background(), req)
	assert.ErrorIs(t, err, ErrMissingTenant)
	assert.Zero(t, f.repo.Len())
}

func TestCreate_Validation(t *testing.T) {
	past := testNow.Add(-time.Minute)
	longTitle := strings.Repeat("a", 256)

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
		field  string
	}{
		{"missing user", func(r *CreateRequest) { r.UserID = "" }, "user_id"},
		{"missing channel", func(r *CreateRequest) { r.Channel = "" }, "channel"},
		{"unknown channel", func(r *CreateRequest) { r.Channel = "fax" }, "channel"},
		{"missing title", func(r *CreateRequest) { r.Title = "" }, "title"},
		{"long title", func(r *CreateRequest) { r.Title = longTitle }, "title"},
		{"missing body", func(r *CreateRequest) { r.Body = "" }, "body"},
		{"payload array", func(r *CreateRequest) { r.Payload = json.RawMessage(`[1,2]`) }, "payload"},
		{"payload invalid", func(r *CreateRequest) { r.Payload = json.RawMessage(`{"to":`) }, "payload"},
		{"scheduled in past", func(r *CreateRequest) { r.ScheduledAt = &past }, "scheduled_at"},
		{"max attempts zero", func(r *CreateRequest) { r.MaxAttempts = intPtr(0) }, "max_attempts"},
		{"max attempts eleven", func(r *CreateRequest) { r.MaxAttempts = intPtr(11) }, "max_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			tt.mutate(&req)

			_, err := f.svc.Create(context.Background(), req)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
			assert.Zero(t, f.repo.Len())
			assert.Empty(t, f.queue.jobs)

			// Rejected requests do not consume the rate limit.
			n, err := f.limiter.Attempts(context.Background(), RateLimitKey("tenant-1", "user-1"))
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestCreate_AcceptsObjectPayload(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.Payload = json.RawMessage(` {"to":"a@example.com"}`)

	_, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)

	req.Payload = json.RawMessage(`null`)
	notif, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, notif.Payload)
}

func TestCreate_RateLimitBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.svc.Create(ctx, validRequest())
		require.NoError(t, err, "creation %d", i+1)
	}

	_, err := f.svc.Create(ctx, validRequest())
	require.ErrorIs(t, err, ErrRateLimited)

	var rlErr *RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Greater(t, rlErr.RetryAfter, 59*time.Minute)

	assert.Equal(t, 10, f.repo.Len(), "a rate limited request must not persist")
	assert.Len(t, f.queue.jobs, 10, "a rate limited request must not enqueue")

	// Other users of the tenant are unaffected.
	other := validRequest()
	other.UserID = "user-2"
	_, err = f.svc.Create(ctx, other)
	require.NoError(t, err)

	require.NoError(t, f.limiter.Clear(ctx, RateLimitKey("tenant-1", "user-1")))
	_, err = f.svc.Create(ctx, validRequest())
	require.NoError(t, err)
}

func TestCreate_RateLimitWindowExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.svc.Create(ctx, validRequest())
		require.NoError(t, err)
	}
	_, err := f.svc.Create(ctx, validRequest())
	require.ErrorIs(t, err, ErrRateLimited)

	f.mr.FastForward(time.Hour + time.Second)

	_, err = f.svc.Create(ctx, validRequest())
	require.NoError(t, err)
}

func TestCreate_RateLimitHoldsUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		limited  atomic.Int32
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(ctx, validRequest())
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrRateLimited):
				limited.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), accepted.Load())
	assert.Equal(t, int32(20), limited.Load())
	assert.Equal(t, 10, f.repo.Len())
}

func TestCreate_RateLimitStoreDownFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	_, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, f.repo.Len())
}

func TestCreate_EnqueueFailure(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("sqs unavailable")

	notif, err := f.svc.Create(context.Background(), validRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue")
	require.NotNil(t, notif)
	assert.Equal(t, 1, f.repo.Len(), "the record is persisted before enqueue")
}

func TestCreate_PersistFailure(t *testing.T) {
	f := newFixture(t)
	f.repo.Err = errors.New("db down")

	_, err := f.svc.Create(context.Background(), validRequest())
	require.Error(t, err)
	assert.Empty(t, f.queue.jobs)
}

func TestGetRecent_Paging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		req := validRequest()
		req.UserID = "user-" + string(rune('a'+i))
		_, err := f.svc.Create(ctx, req)
		require.NoError(t, err)
	}

	page, err := f.svc.GetRecent(ctx, "tenant-1", RecentQuery{Limit: 10, Page: 3})
	require.NoError(t, err)
	assert.Len(t, page.Data, 5)
	assert.Equal(t, 25, page.Total)
	assert.Equal(t, 3, page.LastPage)
	assert.Equal(t, 3, page.Page)

	page, err = f.svc.GetRecent(ctx, "tenant-1", RecentQuery{})
	require.NoError(t, err)
	assert.Len(t, page.Data, DefaultPageSize)
	assert.Equal(t, 1, page.Page)

	page, err = f.svc.GetRecent(ctx, "tenant-1", RecentQuery{Limit: 500, Page: -2})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, page.Limit)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 1, page.LastPage)

	page, err = f.svc.GetRecent(ctx, "tenant-2", RecentQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
	assert.Equal(t, 1, page.LastPage)
}

func TestGetRecent_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, validRequest())
	require.NoError(t, err)
	other := validRequest()
	other.UserID = "user-2"
	_, err = f.svc.Create(ctx, other)
	require.NoError(t, err)

	page, err := f.svc.GetRecent(ctx, "tenant-1", RecentQuery{UserID: "user-2"})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "user-2", page.Data[0].UserID)

	page, err = f.svc.GetRecent(ctx, "tenant-1", RecentQuery{Status: "sent"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	_, err = f.svc.GetRecent(ctx, "tenant-1", RecentQuery{Status: "bogus"})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.GetRecent(ctx, "", RecentQuery{})
	assert.ErrorIs(t, err, ErrMissingTenant)
}

func TestGetRecent_CacheKeysDoNotCollide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := validRequest()
	req.UserID = "a:c=log"
	_, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	page, err := f.svc.GetRecent(ctx, "tenant-1", RecentQuery{UserID: "a:c=log"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)

	// Same characters split differently across the filters.
	page, err = f.svc.GetRecent(ctx, "tenant-1", RecentQuery{UserID: "a", Channel: "log:c="})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestGetRecent_CacheInvalidatedOnCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, validRequest())
	require.NoError(t, err)

	page, err := f.svc.GetRecent(ctx, "tenant-1", RecentQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	_, err = f.svc.Create(ctx, validRequest())
	require.NoError(t, err)

	page, err = f.svc.GetRecent(ctx, "tenant-1", RecentQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestGetSummary_EmptyTenant(t *testing.T) {
	f := newFixture(t)

	summary, err := f.svc.GetSummary(context.Background(), "tenant-empty", SummaryQuery{})
	require.NoError(t, err)

	assert.Zero(t, summary.Total)
	assert.Len(t, summary.CountsByStatus, 5)
	for _, status := range db.AllStatuses() {
		count, ok := summary.CountsByStatus[status]
		assert.True(t, ok, "missing %s", status)
		assert.Zero(t, count)
	}
	assert.Nil(t, summary.ByChannel)
}

func TestGetSummary_ByChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Register(&namedChannel{name: "sms"}))

	for _, ch := range []string{"log", "log", "sms"} {
		req := validRequest()
		req.Channel = ch
		_, err := f.svc.Create(ctx, req)
		require.NoError(t, err)
	}

	summary, err := f.svc.GetSummary(ctx, "tenant-1", SummaryQuery{ByChannel: true})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.CountsByStatus[db.StatusPending])
	assert.Equal(t, 2, summary.ByChannel["log"][db.StatusPending])
	assert.Equal(t, 1, summary.ByChannel["sms"][db.StatusPending])
	assert.Len(t, summary.ByChannel["sms"], 5)

	future := testNow.Add(time.Hour)
	summary, err = f.svc.GetSummary(ctx, "tenant-1", SummaryQuery{Since: &future})
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
}

type namedChannel struct{ name string }

func (c *namedChannel) Name() string { return c.name }

func (c *namedChannel) Deliver(context.Context, *db.Notification) error { return nil }

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notif, err := f.svc.Create(ctx, validRequest())
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, "tenant-1", notif.ExternalRef)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, "tenant-1", notif.ExternalRef)
	assert.ErrorIs(t, err, ErrNotCancellable)

	_, err = f.svc.Cancel(ctx, "tenant-2", notif.ExternalRef)
	assert.ErrorIs(t, err, db.ErrNotFound, "other tenants cannot see it")

	got, err := f.svc.Get(ctx, "tenant-1", notif.ExternalRef)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, got.Status)
}

// Create through the service, then run the processor once on the job.
func TestCreateThenProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := validRequest()
	req.MaxAttempts = intPtr(3)
	created, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	dispatcher := delivery.NewDispatcher(f.registry, time.Second, zap.NewNop())
	proc := processor.New(f.repo, redis.NewLocker(f.client, zap.NewNop()), dispatcher, processor.Config{
		Now: func() time.Time { return testNow },
	}, zap.NewNop())

	require.Len(t, f.queue.jobs, 1)
	notif, err := f.repo.GetNotification(ctx, f.queue.jobs[0].job.NotificationID)
	require.NoError(t, err)

	res, err := proc.Process(ctx, notif)
	require.NoError(t, err)
	assert.Equal(t, processor.OutcomeCompleted, res.Outcome)

	got, err := f.svc.Get(ctx, "tenant-1", created.ExternalRef)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.ProcessedAt)
}
