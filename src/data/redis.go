package data

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	runLockPrefix = "settle:lock:"
	streamEvents  = "bitline.engine.events"
)

func MustRedis(url string) *redis.Client {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	return redis.NewClient(opt)
}

// AcquireRunLock takes the per-window settlement lock. Returns false when
// another process already holds it.
func AcquireRunLock(ctx context.Context, rdb *redis.Client, windowID uint64, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, runLockKey(windowID), "1", ttl).Result()
}

func ReleaseRunLock(ctx context.Context, rdb *redis.Client, windowID uint64) error {
	return rdb.Del(ctx, runLockKey(windowID)).Err()
}

func runLockKey(windowID uint64) string {
	return runLockPrefix + strconv.FormatUint(windowID, 10)
}

// PublishEvent pushes an engine event onto the shared stream consumed by
// the chat service and bots. Every event carries a unique id so consumers
// can dedupe across reconnects.
func PublishEvent(ctx context.Context, rdb *redis.Client, kind string, payload map[string]interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["id"] = uuid.NewString()
	payload["kind"] = kind
	payload["at"] = time.Now().UTC().Format(time.RFC3339)
	_, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamEvents,
		Values: payload,
	}).Result()
	return err
}
