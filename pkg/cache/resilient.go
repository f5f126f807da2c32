package cache

import (
	"context"
	"time"

	"phishtriage/pkg/resilience"
)

// Resilient composes a Local and a Distributed backend behind a circuit
// breaker: writes go to both (write-through), reads prefer Distributed but
// fall back to Local whenever the breaker is open or the call errors out.
// This is the backend every other component is handed; Local and Distributed
// are never used directly outside of tests and this file.
type Resilient struct {
	local       *Local
	distributed *Distributed
	breaker     *resilience.Breaker
}

func NewResilient(local *Local, distributed *Distributed, breaker *resilience.Breaker) *Resilient {
	if breaker == nil {
		breaker = resilience.New(resilience.DefaultConfig("cache-substrate"))
	}
	return &Resilient{local: local, distributed: distributed, breaker: breaker}
}

// degraded reports whether the Distributed backend should be bypassed,
// either because it was never configured (single-replica mode) or the
// breaker has tripped.
func (r *Resilient) degraded() bool {
	return r.distributed == nil || r.breaker.State() == resilience.StateOpen
}

func (r *Resilient) Get(ctx context.Context, key string) (string, bool, error) {
	if r.degraded() {
		return r.local.Get(ctx, key)
	}
	var value string
	var found bool
	err := r.breaker.Execute(func() error {
		v, ok, err := r.distributed.Get(ctx, key)
		value, found = v, ok
		return err
	})
	if err != nil {
		return r.local.Get(ctx, key)
	}
	return value, found, nil
}

func (r *Resilient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_ = r.local.Set(ctx, key, value, ttl)
	if r.degraded() {
		return nil
	}
	return r.breaker.Execute(func() error {
		return r.distributed.Set(ctx, key, value, ttl)
	})
}

func (r *Resilient) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if r.degraded() {
		return r.local.SetIfAbsent(ctx, key, value, ttl)
	}
	var ok bool
	err := r.breaker.Execute(func() error {
		v, err := r.distributed.SetIfAbsent(ctx, key, value, ttl)
		ok = v
		return err
	})
	if err != nil {
		return r.local.SetIfAbsent(ctx, key, value, ttl)
	}
	return ok, nil
}

func (r *Resilient) Exists(ctx context.Context, key string) (bool, error) {
	if r.degraded() {
		return r.local.Exists(ctx, key)
	}
	var exists bool
	err := r.breaker.Execute(func() error {
		v, err := r.distributed.Exists(ctx, key)
		exists = v
		return err
	})
	if err != nil {
		return r.local.Exists(ctx, key)
	}
	return exists, nil
}

func (r *Resilient) Delete(ctx context.Context, key string) error {
	_ = r.local.Delete(ctx, key)
	if r.degraded() {
		return nil
	}
	return r.breaker.Execute(func() error {
		return r.distributed.Delete(ctx, key)
	})
}

func (r *Resilient) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if r.degraded() {
		return r.local.Increment(ctx, key, ttl)
	}
	var n int64
	err := r.breaker.Execute(func() error {
		v, err := r.distributed.Increment(ctx, key, ttl)
		n = v
		return err
	})
	if err != nil {
		return r.local.Increment(ctx, key, ttl)
	}
	return n, nil
}

func (r *Resilient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_ = r.local.Expire(ctx, key, ttl)
	if r.degraded() {
		return nil
	}
	return r.breaker.Execute(func() error {
		return r.distributed.Expire(ctx, key, ttl)
	})
}

func (r *Resilient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_ = r.local.ZAdd(ctx, key, score, member)
	if r.degraded() {
		return nil
	}
	return r.breaker.Execute(func() error {
		return r.distributed.ZAdd(ctx, key, score, member)
	})
}

// ZCount always prefers the live window. Per the rate limiter's resolution
// of the sorted-set-vs-array question, the Local mirror is only
// authoritative when Distributed is unavailable or unconfigured; the two
// windows are not reconciled against each other.
func (r *Resilient) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	if r.degraded() {
		return r.local.ZCount(ctx, key, min, max)
	}
	var n int64
	err := r.breaker.Execute(func() error {
		v, err := r.distributed.ZCount(ctx, key, min, max)
		n = v
		return err
	})
	if err != nil {
		return r.local.ZCount(ctx, key, min, max)
	}
	return n, nil
}

func (r *Resilient) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	_ = r.local.ZRemRangeByScore(ctx, key, min, max)
	if r.degraded() {
		return nil
	}
	return r.breaker.Execute(func() error {
		return r.distributed.ZRemRangeByScore(ctx, key, min, max)
	})
}

// Pipeline executes against Distributed when healthy, Local otherwise. The
// write-through mirroring Set/ZAdd give the other methods is skipped here:
// pipelines are used by the rate limiter's read-modify-read sequence, where
// the caller already issues the individual mutating calls it needs mirrored.
func (r *Resilient) Pipeline() Pipeline {
	if r.degraded() {
		return r.local.Pipeline()
	}
	return &resilientPipeline{r: r}
}

// resilientPipeline records ops so it can replay them against Local if the
// Distributed round trip fails; it cannot share a single queued Pipeline
// across backends since each backend builds its own op list.
type resilientPipeline struct {
	r   *Resilient
	ops []Op
}

func (p *resilientPipeline) ZAdd(key string, score float64, member string) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpZAdd, Key: key, Score: score, Member: member})
	return p
}

func (p *resilientPipeline) ZCount(key string, min, max float64) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpZCount, Key: key, Min: min, Max: max})
	return p
}

func (p *resilientPipeline) ZRemRangeByScore(key string, min, max float64) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpZRemRangeByScore, Key: key, Min: min, Max: max})
	return p
}

func (p *resilientPipeline) SetIfAbsent(key, value string, ttl time.Duration) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpSetIfAbsent, Key: key, Value: value, TTL: ttl})
	return p
}

func (p *resilientPipeline) Set(key, value string, ttl time.Duration) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpSet, Key: key, Value: value, TTL: ttl})
	return p
}

func (p *resilientPipeline) Get(key string) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpGet, Key: key})
	return p
}

func (p *resilientPipeline) Exists(key string) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpExists, Key: key})
	return p
}

func (p *resilientPipeline) replay(dst Pipeline) {
	for _, op := range p.ops {
		switch op.Kind {
		case OpZAdd:
			dst.ZAdd(op.Key, op.Score, op.Member)
		case OpZCount:
			dst.ZCount(op.Key, op.Min, op.Max)
		case OpZRemRangeByScore:
			dst.ZRemRangeByScore(op.Key, op.Min, op.Max)
		case OpSetIfAbsent:
			dst.SetIfAbsent(op.Key, op.Value, op.TTL)
		case OpSet:
			dst.Set(op.Key, op.Value, op.TTL)
		case OpGet:
			dst.Get(op.Key)
		case OpExists:
			dst.Exists(op.Key)
		}
	}
}

func (p *resilientPipeline) Exec(ctx context.Context) ([]Result, error) {
	var results []Result
	err := p.r.breaker.Execute(func() error {
		distPipe := p.r.distributed.Pipeline()
		p.replay(distPipe)
		var execErr error
		results, execErr = distPipe.Exec(ctx)
		return execErr
	})
	if err != nil {
		localPipe := p.r.local.Pipeline()
		p.replay(localPipe)
		return localPipe.Exec(ctx)
	}
	return results, nil
}

func (r *Resilient) Close() error {
	if r.distributed != nil {
		_ = r.distributed.Close()
	}
	return r.local.Close()
}
