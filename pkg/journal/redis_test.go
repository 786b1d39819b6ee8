package journal

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis connects to a local Redis on DB 15 and skips when none is
// running.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewRedis_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedis should panic with nil redis client")
		}
	}()
	NewRedis(nil, "")
}

func TestNewRedis_DefaultPrefix(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	j := NewRedis(client, "")
	if j.prefix != DefaultRedisPrefix {
		t.Errorf("prefix = %q, want %q", j.prefix, DefaultRedisPrefix)
	}
	if key, _ := j.streamKey(KindFailedProject); key != "importer:journal:failed-projects" {
		t.Errorf("streamKey = %q", key)
	}
}

func TestRedisJournal_AppendAndImported(t *testing.T) {
	ctx := context.Background()
	j := NewRedis(setupTestRedis(t), "test")

	if ok, err := j.Imported(ctx, "repo:owner:main"); err != nil || ok {
		t.Fatalf("Imported() before append = %v, %v", ok, err)
	}
	if err := j.Append(ctx, KindImportedTarget, "repo:owner:main"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if ok, err := j.Imported(ctx, "repo:owner:main"); err != nil || !ok {
		t.Errorf("Imported() after append = %v, %v", ok, err)
	}

	lines, err := j.Records(ctx, KindImportedTarget)
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(lines) != 1 || lines[0] != "repo:owner:main" {
		t.Errorf("Records() = %v", lines)
	}
}

func TestRedisJournal_JSONStreams(t *testing.T) {
	ctx := context.Background()
	j := NewRedis(setupTestRedis(t), "test")

	for i := 0; i < 3; i++ {
		if err := j.Append(ctx, KindBatch, map[string]int{"batch": i}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	lines, err := j.Records(ctx, KindBatch)
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(lines) != 3 || lines[2] != `{"batch":2}` {
		t.Errorf("Records() = %v", lines)
	}
	if err := j.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
