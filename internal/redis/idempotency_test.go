package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// setupTestRedis returns a client bound to a fresh miniredis instance that
// is torn down with the test.
func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return &Client{rdb: rdb, logger: zap.NewNop()}, mr
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _ := setupTestRedis(t)

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "tenant-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateRequest(t *testing.T) {
	client, _ := setupTestRedis(t)

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// First request
	if _, err := svc.CheckOrReserve(ctx, "tenant-1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	// Duplicate request
	if _, err := svc.CheckOrReserve(ctx, "tenant-1", "key-1"); err != ErrDuplicateRequest {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_CachedResult(t *testing.T) {
	client, _ := setupTestRedis(t)

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	stored := &IdempotencyResult{
		NotificationRef: "notif-123",
		Status:          "pending",
		StatusCode:      202,
		CreatedAt:       time.Now().UTC(),
	}

	if err := svc.Store(ctx, "tenant-1", "key-1", stored, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.Check(ctx, "tenant-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if result.NotificationRef != "notif-123" {
		t.Errorf("expected notif-123, got %s", result.NotificationRef)
	}
}

func TestIdempotencyService_TenantIsolation(t *testing.T) {
	client, _ := setupTestRedis(t)

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// Tenant A reserves a key
	if _, err := svc.CheckOrReserve(ctx, "tenant-A", "same-key"); err != nil {
		t.Fatalf("tenant A failed: %v", err)
	}

	// Tenant B can use the same key
	result, err := svc.CheckOrReserve(ctx, "tenant-B", "same-key")
	if err != nil {
		t.Fatalf("tenant B should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("tenant B should get nil (new request)")
	}
}

func TestIdempotencyService_ReserveThenStore(t *testing.T) {
	client, _ := setupTestRedis(t)

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// Reserve
	reserved, err := svc.Reserve(ctx, "tenant-1", "key-1")
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}

	// Store result
	if err := svc.Store(ctx, "tenant-1", "key-1", &IdempotencyResult{
		NotificationRef: "notif-789",
		StatusCode:      202,
	}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	// Check returns stored result
	cached, err := svc.Check(ctx, "tenant-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached.NotificationRef != "notif-789" {
		t.Errorf("expected notif-789, got %s", cached.NotificationRef)
	}
}

func TestIdempotencyService_ForgetReleasesReservation(t *testing.T) {
	client, _ := setupTestRedis(t)

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "tenant-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Forget(ctx, "tenant-1", "key-1"); err != nil {
		t.Fatalf("forget failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "tenant-1", "key-1")
	if err != nil {
		t.Fatalf("key should be reusable after forget: %v", err)
	}
	if result != nil {
		t.Fatalf("expected fresh reservation, got %+v", result)
	}
}

func TestIdempotencyService_ForgetKeepsCompletedResult(t *testing.T) {
	client, _ := setupTestRedis(t)

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if err := svc.Store(ctx, "tenant-1", "key-1", &IdempotencyResult{NotificationRef: "n-1", StatusCode: 202}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := svc.Forget(ctx, "tenant-1", "key-1"); err != nil {
		t.Fatalf("forget failed: %v", err)
	}

	cached, err := svc.Check(ctx, "tenant-1", "key-1")
	if err != nil || cached == nil {
		t.Fatalf("expected stored result to survive, got %v, %v", cached, err)
	}
}

func TestIdempotencyService_AbandonedReservationExpires(t *testing.T) {
	client, mr := setupTestRedis(t)

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "tenant-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	mr.FastForward(processingTTL + time.Second)

	if _, err := svc.CheckOrReserve(ctx, "tenant-1", "key-1"); err != nil {
		t.Fatalf("expired reservation should be reusable: %v", err)
	}
}
