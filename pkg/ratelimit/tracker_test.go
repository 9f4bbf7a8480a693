package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupTestRedis connects to a local Redis or skips the test.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   14,
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

func TestKey(t *testing.T) {
	if got := Key("crm.deal.list"); got != "b24:operating:crm.deal.list" {
		t.Errorf("Key() = %q", got)
	}
}

func TestTracker_RecordAndGetState(t *testing.T) {
	tracker := NewTracker(setupTestRedis(t), zerolog.Nop())
	ctx := context.Background()
	resetAt := time.Now().Add(5 * time.Minute).Truncate(time.Second)

	if err := tracker.Record(ctx, "crm.deal.list", 412.25, resetAt); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	state, err := tracker.GetState(ctx, "crm.deal.list")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.Operating != 412.25 {
		t.Errorf("Operating = %v, want 412.25", state.Operating)
	}
	if !state.ResetAt.Equal(resetAt) {
		t.Errorf("ResetAt = %v, want %v", state.ResetAt, resetAt)
	}
	if state.IsStale(time.Minute) {
		t.Error("state should be fresh")
	}
	if !state.NeedsThrottling() {
		t.Error("412s should be in the warning band")
	}
}

func TestTracker_GetState_Empty(t *testing.T) {
	tracker := NewTracker(setupTestRedis(t), zerolog.Nop())

	state, err := tracker.GetState(context.Background(), "user.current")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.IsHealthy || state.Operating != 0 {
		t.Errorf("empty state = %+v, want healthy zero state", state)
	}
}

func TestTracker_Record_NoTelemetry(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, zerolog.Nop())
	ctx := context.Background()

	if err := tracker.Record(ctx, "user.current", 0, time.Time{}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if n, _ := client.Exists(ctx, Key("user.current")).Result(); n != 0 {
		t.Error("zero telemetry should not be stored")
	}
}

func TestTracker_ShouldAllowRequest(t *testing.T) {
	future := time.Now().Add(2 * time.Minute)

	tests := []struct {
		name        string
		operating   float64
		resetAt     time.Time
		wantAllowed bool
		wantWait    bool
		minDuration time.Duration
	}{
		{"healthy", 10, future, true, false, 0},
		{"warning throttles", 420, future, true, false, ThrottleDelay},
		{"critical blocks", 470, future, false, true, 0},
		{"critical after reset", 470, time.Now().Add(-time.Second), true, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(setupTestRedis(t), zerolog.Nop())
			ctx := context.Background()
			if err := tracker.Record(ctx, "crm.deal.list", tt.operating, tt.resetAt); err != nil {
				t.Fatalf("Record() error = %v", err)
			}

			start := time.Now()
			allowed, wait, err := tracker.ShouldAllowRequest(ctx, "crm.deal.list")
			if err != nil {
				t.Fatalf("ShouldAllowRequest() error = %v", err)
			}
			if allowed != tt.wantAllowed {
				t.Errorf("allowed = %v, want %v", allowed, tt.wantAllowed)
			}
			if (wait > 0) != tt.wantWait {
				t.Errorf("wait = %v, want wait: %v", wait, tt.wantWait)
			}
			if elapsed := time.Since(start); elapsed < tt.minDuration {
				t.Errorf("elapsed = %v, want at least %v", elapsed, tt.minDuration)
			}
		})
	}
}

func TestTracker_ShouldAllowRequest_CancelledDuringThrottle(t *testing.T) {
	tracker := NewTracker(setupTestRedis(t), zerolog.Nop())
	if err := tracker.Record(context.Background(), "crm.deal.list", 420, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	allowed, _, err := tracker.ShouldAllowRequest(ctx, "crm.deal.list")
	if err == nil || allowed {
		t.Errorf("ShouldAllowRequest() = %v, %v; want cancellation", allowed, err)
	}
}
