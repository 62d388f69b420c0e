package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"filly/run-service/internal/model"
	"filly/run-service/internal/notify"
)

func TestChannel(t *testing.T) {
	assert.Equal(t, "run-42", notify.Channel("42"))
}

func TestPublish_UnreachableRedisIsNonFatal(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() {
		notify.NewRedis(rdb).Publish(ctx, model.StatusEvent{JobID: "42", Status: model.JobRunning})
	})
}
