package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/cron-catchup/internal/domain"
)

func TestTruncateToBucket(t *testing.T) {
	ts := time.Date(2024, 3, 15, 18, 47, 31, 0, time.UTC)

	tests := []struct {
		window time.Duration
		want   string
	}{
		{time.Minute, "202403151847"},
		{5 * time.Minute, "202403151845"},
		{time.Hour, "2024031518"},
		{24 * time.Hour, "20240315"},
		{42 * time.Second, "202403151847"},
	}

	for _, tt := range tests {
		if got := truncateToBucket(ts, tt.window); got != tt.want {
			t.Errorf("truncateToBucket(%s) = %q, want %q", tt.window, got, tt.want)
		}
	}
}

func TestTruncateToBucket_UsesUTC(t *testing.T) {
	la := time.FixedZone("PDT", -7*3600)
	ts := time.Date(2024, 3, 15, 11, 47, 0, 0, la)

	if got := truncateToBucket(ts, time.Hour); got != "2024031518" {
		t.Errorf("expected UTC bucket, got %q", got)
	}
}

func TestKeysFor(t *testing.T) {
	event := domain.TriggerEvent{
		PipelineID:  "p1",
		Application: "billing",
		FiredAt:     time.Date(2024, 3, 15, 18, 47, 0, 0, time.UTC),
	}

	keys := keysFor(event, time.Hour)
	want := []string{
		"catchup:a:billing:2024031518",
		"catchup:a:billing:p:p1:2024031518",
	}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestWrite_DisabledSkipsRedis(t *testing.T) {
	// A nil client would panic if it were used.
	sink := &RedisSink{}
	if err := sink.Write(context.Background(), domain.TriggerEvent{}, domain.AnalyticsConfig{Enabled: false}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecord_UnreachableRedisIsBestEffort(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	sink := NewRedisSink(client)

	config := domain.AnalyticsConfig{Enabled: true, Window: time.Hour, Retention: 24 * time.Hour}
	event := domain.TriggerEvent{PipelineID: "p1", Application: "billing", FiredAt: time.Now()}

	if err := sink.Write(context.Background(), event, config); err == nil {
		t.Fatal("expected error from unreachable redis")
	}
	// Must not panic or block.
	sink.Record(context.Background(), event, config)
}
