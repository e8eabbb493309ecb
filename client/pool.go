package client

import (
	"context"
	"sync"
	"time"

	"github.com/jeffersonwarrior/myco/internal/obs"
	"github.com/jeffersonwarrior/myco/transport"
)

// PoolConfig controls a Pool. Zero values are replaced by defaults.
type PoolConfig struct {
	// MaxIdlePerOrigin bounds the idle transports kept per origin
	// (default 8). Transports released beyond it are closed.
	MaxIdlePerOrigin int
	// IdleTimeout is how long a transport may sit idle before it is
	// closed instead of reused (default 90s). Negative disables expiry.
	IdleTimeout time.Duration
	Logger      obs.Logger
}

func (c *PoolConfig) setDefaults() {
	if c.MaxIdlePerOrigin == 0 {
		c.MaxIdlePerOrigin = 8
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 90 * time.Second
	}
	c.Logger = obs.OrNop(c.Logger)
}

type idleEntry struct {
	t     transport.Transport
	since time.Time
}

// bucket holds the idle transports of one origin, most recently used
// first.
type bucket struct {
	mu      sync.Mutex
	entries []idleEntry
	dead    bool
}

// Pool keeps idle transports for reuse. A transport is either held by
// exactly one caller or sits in the pool; never both.
type Pool struct {
	cfg PoolConfig
	log obs.Logger
	now func() time.Time

	mu      sync.RWMutex
	buckets map[Origin]*bucket
}

// NewPool returns an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	cfg.setDefaults()
	return &Pool{
		cfg:     cfg,
		log:     cfg.Logger,
		now:     time.Now,
		buckets: make(map[Origin]*bucket),
	}
}

func (p *Pool) lookup(o Origin) *bucket {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.buckets[o]
}

func (p *Pool) lookupOrCreate(o Origin) *bucket {
	if b := p.lookup(o); b != nil {
		return b
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[o]
	if !ok {
		b = &bucket{}
		p.buckets[o] = b
	}
	return b
}

func (p *Pool) expired(e idleEntry, now time.Time) bool {
	return p.cfg.IdleTimeout > 0 && now.Sub(e.since) > p.cfg.IdleTimeout
}

// Acquire removes and returns the most recently released live transport
// for o. Expired transports met on the way are closed.
func (p *Pool) Acquire(o Origin) (transport.Transport, bool) {
	b := p.lookup(o)
	if b == nil {
		return nil, false
	}
	now := p.now()
	var stale []transport.Transport
	var found transport.Transport

	b.mu.Lock()
	for len(b.entries) > 0 {
		e := b.entries[0]
		b.entries[0] = idleEntry{}
		b.entries = b.entries[1:]
		if p.expired(e, now) {
			stale = append(stale, e.t)
			continue
		}
		found = e.t
		break
	}
	b.mu.Unlock()

	closeAll(stale)
	if len(stale) > 0 {
		p.log.Logf(obs.Debug, "pool: %s: closed %d expired", o, len(stale))
	}
	if found == nil {
		return nil, false
	}
	p.log.Logf(obs.Debug, "pool: %s: reuse", o)
	return found, true
}

// Release hands t back to the pool. A non-reusable transport is closed.
// Releasing a transport that is already pooled panics.
func (p *Pool) Release(o Origin, t transport.Transport, reusable bool) {
	if t == nil {
		return
	}
	if !reusable {
		t.Close()
		return
	}
	var overflow []transport.Transport
	for {
		b := p.lookupOrCreate(o)
		b.mu.Lock()
		if b.dead {
			// removed by Cleanup after we looked it up
			b.mu.Unlock()
			continue
		}
		for _, e := range b.entries {
			if e.t == t {
				b.mu.Unlock()
				panic("client: transport released to the pool twice")
			}
		}
		b.entries = append(b.entries, idleEntry{})
		copy(b.entries[1:], b.entries)
		b.entries[0] = idleEntry{t: t, since: p.now()}
		if limit := p.cfg.MaxIdlePerOrigin; limit > 0 && len(b.entries) > limit {
			for _, e := range b.entries[limit:] {
				overflow = append(overflow, e.t)
			}
			clear(b.entries[limit:])
			b.entries = b.entries[:limit]
		}
		b.mu.Unlock()
		break
	}
	closeAll(overflow)
	p.log.Logf(obs.Debug, "pool: %s: released (closed %d over limit)", o, len(overflow))
}

// Sweep closes every expired transport and returns how many it closed.
func (p *Pool) Sweep() int {
	now := p.now()
	var stale []transport.Transport
	for _, b := range p.snapshot() {
		b.mu.Lock()
		kept := b.entries[:0]
		for _, e := range b.entries {
			if p.expired(e, now) {
				stale = append(stale, e.t)
				continue
			}
			kept = append(kept, e)
		}
		clear(b.entries[len(kept):])
		b.entries = kept
		b.mu.Unlock()
	}
	closeAll(stale)
	return len(stale)
}

// Cleanup drops the bookkeeping of origins with no idle transports.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for o, b := range p.buckets {
		b.mu.Lock()
		if len(b.entries) == 0 {
			b.dead = true
			delete(p.buckets, o)
		}
		b.mu.Unlock()
	}
}

// Clear closes every idle transport.
func (p *Pool) Clear() {
	var all []transport.Transport
	for _, b := range p.snapshot() {
		b.mu.Lock()
		for _, e := range b.entries {
			all = append(all, e.t)
		}
		b.entries = nil
		b.mu.Unlock()
	}
	closeAll(all)
	p.Cleanup()
}

// Run sweeps and cleans the pool periodically until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	every := p.cfg.IdleTimeout / 2
	if every <= 0 {
		every = 30 * time.Second
	}
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if n := p.Sweep(); n > 0 {
				p.log.Logf(obs.Debug, "pool: swept %d idle transports", n)
			}
			p.Cleanup()
		}
	}
}

// IdleCount returns the number of idle transports for o.
func (p *Pool) IdleCount(o Origin) int {
	b := p.lookup(o)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Len returns the number of idle transports across all origins.
func (p *Pool) Len() int {
	n := 0
	for _, b := range p.snapshot() {
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
	}
	return n
}

// Origins lists the origins the pool has buckets for.
func (p *Pool) Origins() []Origin {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Origin, 0, len(p.buckets))
	for o := range p.buckets {
		out = append(out, o)
	}
	return out
}

func (p *Pool) snapshot() []*bucket {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		out = append(out, b)
	}
	return out
}

func closeAll(ts []transport.Transport) {
	for _, t := range ts {
		t.Close()
	}
}
