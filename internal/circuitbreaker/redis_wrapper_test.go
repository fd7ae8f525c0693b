package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestRedisWrapper_NormalOperations(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	defer client.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewRedisWrapper(client, GetRedisConfig(), logger)
	ctx := context.Background()

	// Test Ping
	if result := wrapper.Ping(ctx); result.Err() != nil {
		t.Errorf("Ping failed: %v", result.Err())
	}

	// Test Set
	if setResult := wrapper.Set(ctx, "test:key", "test:value", time.Minute); setResult.Err() != nil {
		t.Errorf("Set failed: %v", setResult.Err())
	}

	// Test Get
	getResult := wrapper.Get(ctx, "test:key")
	if getResult.Err() != nil {
		t.Errorf("Get failed: %v", getResult.Err())
	}
	if getResult.Val() != "test:value" {
		t.Errorf("Expected 'test:value', got '%s'", getResult.Val())
	}

	// Get non-existent key returns redis.Nil and must not trip the breaker
	if nilResult := wrapper.Get(ctx, "nonexistent:key"); nilResult.Err() != redis.Nil {
		t.Errorf("Expected redis.Nil for non-existent key, got %v", nilResult.Err())
	}
	if wrapper.Breaker().State() != StateClosed {
		t.Error("Circuit breaker should remain closed for redis.Nil")
	}

	// Test Scan
	keys, _, err := wrapper.Scan(ctx, 0, "test:*", 100).Result()
	if err != nil {
		t.Errorf("Scan failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "test:key" {
		t.Errorf("Expected ['test:key'], got %v", keys)
	}

	// Test Del
	delResult := wrapper.Del(ctx, "test:key")
	if delResult.Err() != nil {
		t.Errorf("Del failed: %v", delResult.Err())
	}
	if delResult.Val() != 1 {
		t.Errorf("Expected 1 deleted key, got %d", delResult.Val())
	}
}

func TestRedisWrapper_CircuitBreakerTriggering(t *testing.T) {
	// Client pointing at a port nothing listens on
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:9999",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewRedisWrapper(client, GetRedisConfig(), logger)
	ctx := context.Background()

	// Repeated transport failures trip the breaker
	for i := 0; i < 4; i++ {
		if result := wrapper.Ping(ctx); result.Err() == nil {
			t.Error("Expected ping to fail against non-existent server")
		}
	}

	if wrapper.Breaker().State() != StateOpen {
		t.Error("Expected circuit breaker to be open after repeated failures")
	}

	// Subsequent calls fail fast with the short-circuit error
	result := wrapper.Get(ctx, "any:key")
	if !errors.Is(result.Err(), ErrOpen) {
		t.Errorf("Expected circuit breaker open error, got %v", result.Err())
	}
}

func TestRedisWrapper_RedisNilHandling(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	defer client.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewRedisWrapper(client, GetRedisConfig(), logger)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if result := wrapper.Get(ctx, "nonexistent:key"); result.Err() != redis.Nil {
			t.Errorf("Expected redis.Nil, got %v", result.Err())
		}
	}

	if wrapper.Breaker().State() != StateClosed {
		t.Error("Circuit breaker should remain closed for redis.Nil results")
	}
}
