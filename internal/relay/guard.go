package relay

import (
	"net"
	"sync"
	"time"
)

// Failed-auth budget per remote host: a handful of quick attempts,
// then one more every refill interval.
const (
	authFailBurst  = 5
	authFailRefill = 10 * time.Second
)

type failBucket struct {
	tokens float64
	last   time.Time
}

// AuthGuard throttles hosts that keep failing controller
// authentication. Each failure consumes a token from the host's
// bucket; a host with no tokens left is refused at accept until the
// bucket refills. Successful traffic never consumes anything.
type AuthGuard struct {
	burst  float64
	refill time.Duration
	now    func() time.Time

	mu    sync.Mutex
	hosts map[string]*failBucket
}

// NewAuthGuard creates a guard allowing burst failures per host, with
// one token regained every refill.
func NewAuthGuard(burst int, refill time.Duration) *AuthGuard {
	if burst <= 0 {
		burst = authFailBurst
	}
	if refill <= 0 {
		refill = authFailRefill
	}
	return &AuthGuard{
		burst:  float64(burst),
		refill: refill,
		now:    time.Now,
		hosts:  make(map[string]*failBucket),
	}
}

// Fail records a failed authentication from addr.
func (g *AuthGuard) Fail(addr string) {
	host := hostOf(addr)

	g.mu.Lock()
	defer g.mu.Unlock()

	b := g.hosts[host]
	if b == nil {
		b = &failBucket{tokens: g.burst, last: g.now()}
		g.hosts[host] = b
	}
	g.refillLocked(b)
	if b.tokens > 0 {
		b.tokens--
	}
}

// Blocked reports whether addr has exhausted its failure budget.
func (g *AuthGuard) Blocked(addr string) bool {
	host := hostOf(addr)

	g.mu.Lock()
	defer g.mu.Unlock()

	b := g.hosts[host]
	if b == nil {
		return false
	}
	g.refillLocked(b)
	return b.tokens < 1
}

// Sweep drops hosts whose buckets have refilled to capacity, so the
// map only holds hosts with a recent failure history.
func (g *AuthGuard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for host, b := range g.hosts {
		g.refillLocked(b)
		if b.tokens >= g.burst {
			delete(g.hosts, host)
		}
	}
}

func (g *AuthGuard) refillLocked(b *failBucket) {
	now := g.now()
	elapsed := now.Sub(b.last)
	b.last = now

	b.tokens += float64(elapsed) / float64(g.refill)
	if b.tokens > g.burst {
		b.tokens = g.burst
	}
}

// hostOf strips the port so every connection from one machine shares a
// bucket.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
