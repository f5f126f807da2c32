package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time
}

type zmember struct {
	member string
	score  float64
}

type zset struct {
	members []zmember
}

// Local is a process-wide in-memory backend with oldest-first eviction and a
// monotonic expiry sweep, used directly in single-replica deployments and
// as the Resilient wrapper's degraded fallback. A map plus insertion-order
// slice with a background cleanup ticker, extended with the sorted-set and
// set-if-absent semantics the rate limiter and guardrails need.
type Local struct {
	maxSize int

	mu    sync.Mutex
	items map[string]*entry
	order []string
	zsets map[string]*zset

	stopCh chan struct{}
}

// NewLocal creates a Local backend and starts its cleanup sweep.
func NewLocal(maxSize int) *Local {
	if maxSize <= 0 {
		maxSize = 10000
	}
	l := &Local{
		maxSize: maxSize,
		items:   make(map[string]*entry),
		zsets:   make(map[string]*zset),
		order:   make([]string, 0, maxSize),
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *Local) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Local) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.items {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(l.items, k)
		}
	}
}

func (l *Local) evictIfFull() {
	if len(l.items) < l.maxSize {
		return
	}
	for len(l.order) > 0 {
		oldest := l.order[0]
		l.order = l.order[1:]
		if _, ok := l.items[oldest]; ok {
			delete(l.items, oldest)
			return
		}
	}
}

func (l *Local) getLocked(key string) (*entry, bool) {
	e, ok := l.items[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(l.items, key)
		return nil, false
	}
	return e, true
}

func expiresAt(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (l *Local) Get(_ context.Context, key string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.getLocked(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (l *Local) Set(_ context.Context, key, value string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.items[key]; !exists {
		l.evictIfFull()
		l.order = append(l.order, key)
	}
	l.items[key] = &entry{value: value, expiresAt: expiresAt(ttl)}
	return nil
}

func (l *Local) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.getLocked(key); ok {
		return false, nil
	}
	l.evictIfFull()
	l.order = append(l.order, key)
	l.items[key] = &entry{value: value, expiresAt: expiresAt(ttl)}
	return true, nil
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.getLocked(key)
	return ok, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, key)
	delete(l.zsets, key)
	return nil
}

func (l *Local) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.getLocked(key)
	if !ok {
		l.evictIfFull()
		l.order = append(l.order, key)
		l.items[key] = &entry{value: "1", expiresAt: expiresAt(ttl)}
		return 1, nil
	}
	var n int64
	for _, c := range e.value {
		n = n*10 + int64(c-'0')
	}
	n++
	e.value = itoa(n)
	return n, nil
}

func (l *Local) Expire(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.items[key]; ok {
		e.expiresAt = expiresAt(ttl)
	}
	return nil
}

func (l *Local) ZAdd(_ context.Context, key string, score float64, member string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	z, ok := l.zsets[key]
	if !ok {
		z = &zset{}
		l.zsets[key] = z
	}
	for i, m := range z.members {
		if m.member == member {
			z.members[i].score = score
			return nil
		}
	}
	z.members = append(z.members, zmember{member: member, score: score})
	return nil
}

func (l *Local) ZCount(_ context.Context, key string, min, max float64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	z, ok := l.zsets[key]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, m := range z.members {
		if m.score >= min && m.score <= max {
			n++
		}
	}
	return n, nil
}

func (l *Local) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	z, ok := l.zsets[key]
	if !ok {
		return nil
	}
	kept := z.members[:0]
	for _, m := range z.members {
		if m.score < min || m.score > max {
			kept = append(kept, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].score < kept[j].score })
	z.members = kept
	return nil
}

func (l *Local) Close() error {
	close(l.stopCh)
	return nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// localPipeline simulates Pipeline by sequential calls against Local:
// identical API, different execution strategy.
type localPipeline struct {
	l   *Local
	ops []Op
}

func (l *Local) Pipeline() Pipeline {
	return &localPipeline{l: l}
}

func (p *localPipeline) ZAdd(key string, score float64, member string) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpZAdd, Key: key, Score: score, Member: member})
	return p
}

func (p *localPipeline) ZCount(key string, min, max float64) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpZCount, Key: key, Min: min, Max: max})
	return p
}

func (p *localPipeline) ZRemRangeByScore(key string, min, max float64) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpZRemRangeByScore, Key: key, Min: min, Max: max})
	return p
}

func (p *localPipeline) SetIfAbsent(key, value string, ttl time.Duration) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpSetIfAbsent, Key: key, Value: value, TTL: ttl})
	return p
}

func (p *localPipeline) Set(key, value string, ttl time.Duration) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpSet, Key: key, Value: value, TTL: ttl})
	return p
}

func (p *localPipeline) Get(key string) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpGet, Key: key})
	return p
}

func (p *localPipeline) Exists(key string) Pipeline {
	p.ops = append(p.ops, Op{Kind: OpExists, Key: key})
	return p
}

func (p *localPipeline) Exec(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(p.ops))
	for i, op := range p.ops {
		switch op.Kind {
		case OpZAdd:
			results[i].Err = p.l.ZAdd(ctx, op.Key, op.Score, op.Member)
		case OpZCount:
			n, err := p.l.ZCount(ctx, op.Key, op.Min, op.Max)
			results[i].Int64Val, results[i].Err = n, err
		case OpZRemRangeByScore:
			results[i].Err = p.l.ZRemRangeByScore(ctx, op.Key, op.Min, op.Max)
		case OpSetIfAbsent:
			ok, err := p.l.SetIfAbsent(ctx, op.Key, op.Value, op.TTL)
			results[i].BoolVal, results[i].Err = ok, err
		case OpSet:
			results[i].Err = p.l.Set(ctx, op.Key, op.Value, op.TTL)
		case OpGet:
			v, ok, err := p.l.Get(ctx, op.Key)
			results[i].StrVal, results[i].BoolVal, results[i].Err = v, ok, err
		case OpExists:
			ok, err := p.l.Exists(ctx, op.Key)
			results[i].BoolVal, results[i].Err = ok, err
		}
	}
	return results, nil
}
