package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Distributed is the shared, cross-replica backend over a *redis.Client:
// plain key/value with native TTLs, SetIfAbsent (SETNX), and the
// sorted-set operations the rate limiter's sliding window and idempotency
// tracking need.
type Distributed struct {
	client *redis.Client
}

func NewDistributed(client *redis.Client) *Distributed {
	return &Distributed{client: client}
}

func (c *Distributed) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Distributed) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *Distributed) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *Distributed) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *Distributed) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *Distributed) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		c.client.Expire(ctx, key, ttl)
	}
	return n, nil
}

func (c *Distributed) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

func (c *Distributed) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (c *Distributed) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	return c.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
}

func (c *Distributed) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return c.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
}

func (c *Distributed) Close() error {
	return c.client.Close()
}

// redisPipeline batches queued operations into one round trip via
// client.Pipeline().
type redisPipeline struct {
	client *redis.Client
	ops    []Op
}

func (c *Distributed) Pipeline() Pipeline {
	return &redisPipeline{client: c.client}
}

func (p *redisPipeline) ZAdd(key string, score float64, member string) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpZAdd, Key: key, Score: score, Member: member})
	return p
}

func (p *redisPipeline) ZCount(key string, min, max float64) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpZCount, Key: key, Min: min, Max: max})
	return p
}

func (p *redisPipeline) ZRemRangeByScore(key string, min, max float64) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpZRemRangeByScore, Key: key, Min: min, Max: max})
	return p
}

func (p *redisPipeline) SetIfAbsent(key, value string, ttl time.Duration) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpSetIfAbsent, Key: key, Value: value, TTL: ttl})
	return p
}

func (p *redisPipeline) Set(key, value string, ttl time.Duration) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpSet, Key: key, Value: value, TTL: ttl})
	return p
}

func (p *redisPipeline) Get(key string) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpGet, Key: key})
	return p
}

func (p *redisPipeline) Exists(key string) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpExists, Key: key})
	return p
}

func (p *redisPipeline) Exec(ctx context.Context) ([]Result, error) {
	pipe := p.client.Pipeline()
	cmds := make([]redis.Cmder, len(p.ops))

	for i, op := range p.ops {
		switch op.Kind {
		case OpZAdd:
			cmds[i] = pipe.ZAdd(ctx, op.Key, redis.Z{Score: op.Score, Member: op.Member})
		case OpZCount:
			cmds[i] = pipe.ZCount(ctx, op.Key, formatScore(op.Min), formatScore(op.Max))
		case OpZRemRangeByScore:
			cmds[i] = pipe.ZRemRangeByScore(ctx, op.Key, formatScore(op.Min), formatScore(op.Max))
		case OpSetIfAbsent:
			cmds[i] = pipe.SetNX(ctx, op.Key, op.Value, op.TTL)
		case OpSet:
			cmds[i] = pipe.Set(ctx, op.Key, op.Value, op.TTL)
		case OpGet:
			cmds[i] = pipe.Get(ctx, op.Key)
		case OpExists:
			cmds[i] = pipe.Exists(ctx, op.Key)
		}
	}

	_, execErr := pipe.Exec(ctx)

	results := make([]Result, len(p.ops))
	for i, op := range p.ops {
		switch op.Kind {
		case OpZCount:
			results[i].Int64Val, results[i].Err = cmds[i].(*redis.IntCmd).Result()
		case OpSetIfAbsent:
			results[i].BoolVal, results[i].Err = cmds[i].(*redis.BoolCmd).Result()
		case OpGet:
			v, err := cmds[i].(*redis.StringCmd).Result()
			results[i].StrVal, results[i].BoolVal = v, err == nil
			if err != redis.Nil {
				results[i].Err = err
			}
		case OpExists:
			n, err := cmds[i].(*redis.IntCmd).Result()
			results[i].BoolVal, results[i].Err = n > 0, err
		default:
			results[i].Err = cmds[i].Err()
		}
		if results[i].Err == redis.Nil {
			results[i].Err = nil
		}
	}
	if execErr != nil && execErr != redis.Nil {
		return results, execErr
	}
	return results, nil
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
