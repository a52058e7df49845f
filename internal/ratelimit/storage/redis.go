package storage

import (
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"motya/internal/configmodel"
)

// Redis is the recognized-but-unimplemented storage variant: its
// configuration is parsed into real go-redis option types and a client is
// constructed, but CheckAndUpdate always fails with a ResolveError rather
// than guessing at a wire scheme nothing has pinned down yet.
type Redis struct {
	client  *redis.Client
	address string
}

func newRedis(def configmodel.StorageDef) *Redis {
	addr := ""
	if len(def.Addrs) > 0 {
		addr = def.Addrs[0]
	}
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := &redis.Options{
		Addr:        addr,
		Password:    def.Password,
		DialTimeout: timeout,
		ReadTimeout: timeout,
	}
	return &Redis{client: redis.NewClient(opts), address: addr}
}

func (r *Redis) CheckAndUpdate(key string, rate float64, burst, cost int64, now time.Time) (bool, int64, time.Duration, error) {
	return false, 0, 0, &ResolveError{Reason: "redis rate-limit storage (" + strings.TrimSpace(r.address) + ") is declared but not implemented"}
}

func (r *Redis) Close() {
	_ = r.client.Close()
}
