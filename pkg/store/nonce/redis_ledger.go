package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger shares reservations between relay instances on different hosts.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLedger uses client with keys under "relay:nonce:".
func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client, prefix: "relay:nonce:"}
}

func (l *RedisLedger) key(senderID, nonce string) string {
	// Length-prefix the sender so "a:b"+"c" never collides with "a"+"b:c".
	return fmt.Sprintf("%s%d:%s:%s", l.prefix, len(senderID), senderID, nonce)
}

func (l *RedisLedger) Reserve(ctx context.Context, senderID, nonce string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(senderID, nonce), time.Now().Unix(), 0).Result()
	if err != nil {
		return false, fmt.Errorf("redis reserve nonce: %w", err)
	}
	return ok, nil
}
