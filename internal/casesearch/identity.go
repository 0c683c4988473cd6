package casesearch

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const anonymousIDChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// ClientContext identifies the caller to the case-search backends.
type ClientContext struct {
	UserID string
}

// NewClientContext returns a context with a fresh anonymous identifier of the form user_<9 chars>.
func NewClientContext() ClientContext {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		return ClientContext{UserID: fmt.Sprintf("user_%d", time.Now().UnixNano())}
	}
	for i, v := range buf {
		buf[i] = anonymousIDChars[int(v)%len(anonymousIDChars)]
	}
	return ClientContext{UserID: "user_" + string(buf)}
}

// DeviceIDs keeps one anonymous identifier per device key in Redis.
type DeviceIDs struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewDeviceIDs(rdb *redis.Client, ttl time.Duration) *DeviceIDs {
	return &DeviceIDs{redis: rdb, ttl: ttl}
}

func (d *DeviceIDs) ClientContext(ctx context.Context, deviceKey string) (ClientContext, error) {
	key := "hakichat:device:" + deviceKey
	id, err := d.redis.Get(ctx, key).Result()
	if err == nil && id != "" {
		return ClientContext{UserID: id}, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return ClientContext{}, fmt.Errorf("get device id: %w", err)
	}

	cc := NewClientContext()
	ok, err := d.redis.SetNX(ctx, key, cc.UserID, d.ttl).Result()
	if err != nil {
		return ClientContext{}, fmt.Errorf("set device id: %w", err)
	}
	if ok {
		return cc, nil
	}
	id, err = d.redis.Get(ctx, key).Result()
	if err != nil {
		return ClientContext{}, fmt.Errorf("get device id: %w", err)
	}
	return ClientContext{UserID: id}, nil
}
