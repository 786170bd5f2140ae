// Package redistest starts an in-process Redis for tests of packages that
// depend on internal/redis.
package redistest

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/redis"
)

// New returns a client connected to a fresh miniredis that is torn down
// with the test.
func New(t testing.TB) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("miniredis port: %v", err)
	}

	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect miniredis: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client, mr
}
