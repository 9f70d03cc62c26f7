package lock

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TimeoutCounter tracks provider-wide withdraw connectivity failures.
// The platform reads these counters to circuit-break a payment whose
// network keeps timing out.
type TimeoutCounter interface {
	BumpWithdrawTimeout(ctx context.Context, partnerPaymentID string)
	ClearWithdrawTimeout(ctx context.Context, partnerPaymentID string)
}

type RedisTimeoutCounter struct {
	client *redis.Client
}

func NewRedisTimeoutCounter(client *redis.Client) *RedisTimeoutCounter {
	return &RedisTimeoutCounter{client: client}
}

func (c *RedisTimeoutCounter) BumpWithdrawTimeout(ctx context.Context, partnerPaymentID string) {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, partnerPaymentID+"_withdraw_timeout")
	pipe.Expire(ctx, partnerPaymentID+"_withdraw_timeout", 1200*time.Second)
	pipe.Incr(ctx, partnerPaymentID+"_withdraw_timeout_count")
	pipe.Expire(ctx, partnerPaymentID+"_withdraw_timeout_count", 1200*time.Second)
	pipe.Set(ctx, partnerPaymentID+"_withdraw_timeout_timestamp", time.Now().Unix(), 900*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("lock: bump withdraw timeout for %s failed: %v", partnerPaymentID, err)
	}
}

func (c *RedisTimeoutCounter) ClearWithdrawTimeout(ctx context.Context, partnerPaymentID string) {
	err := c.client.Del(ctx,
		partnerPaymentID+"_withdraw_timeout_count",
		partnerPaymentID+"_withdraw_timeout_timestamp",
	).Err()
	if err != nil {
		log.Printf("lock: clear withdraw timeout for %s failed: %v", partnerPaymentID, err)
	}
}

// MemoryTimeoutCounter is the in-process counterpart used in tests and
// when no Redis is configured.
type MemoryTimeoutCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryTimeoutCounter() *MemoryTimeoutCounter {
	return &MemoryTimeoutCounter{counts: map[string]int{}}
}

func (c *MemoryTimeoutCounter) BumpWithdrawTimeout(_ context.Context, partnerPaymentID string) {
	c.mu.Lock()
	c.counts[partnerPaymentID]++
	c.mu.Unlock()
}

func (c *MemoryTimeoutCounter) ClearWithdrawTimeout(_ context.Context, partnerPaymentID string) {
	c.mu.Lock()
	delete(c.counts, partnerPaymentID)
	c.mu.Unlock()
}

// Count reports the current counter value, for assertions.
func (c *MemoryTimeoutCounter) Count(partnerPaymentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[partnerPaymentID]
}
