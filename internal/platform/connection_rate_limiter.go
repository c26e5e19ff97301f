package platform

import (
	"sync"
	"time"

	"github.com/odin-gateway/gwctl/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter bounds WebSocket upgrade attempts two ways:
// per source IP and system-wide, both token buckets. Ported from the
// teacher's internal/shared/limits.ConnectionRateLimiter; the Loki
// alert text and GetStats formatting were trimmed, the mechanism is
// unchanged.
type ConnectionRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiterConfig configures ConnectionRateLimiter; zero fields take
// the defaults noted per field.
type RateLimiterConfig struct {
	IPBurst int           // default 10
	IPRate  float64       // default 1.0/sec
	IPTTL   time.Duration // default 5m

	GlobalBurst int     // default 300
	GlobalRate  float64 // default 50.0/sec

	Logger zerolog.Logger
}

// NewConnectionRateLimiter builds a limiter and starts its stale-entry
// cleanup loop.
func NewConnectionRateLimiter(cfg RateLimiterConfig) *ConnectionRateLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	l := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        cfg.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(1 * time.Minute)
	go l.cleanupLoop()
	return l
}

// CheckConnectionAllowed checks the global bucket first, then the
// per-IP bucket. Either exhausted rejects the connection attempt.
func (l *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	if !l.globalLimiter.Allow() {
		metrics.AdmissionRejections.WithLabelValues("rate_limit_global").Inc()
		return false
	}

	if !l.ipLimiterFor(ip).Allow() {
		metrics.AdmissionRejections.WithLabelValues("rate_limit_ip").Inc()
		return false
	}
	return true
}

func (l *ConnectionRateLimiter) ipLimiterFor(ip string) *rate.Limiter {
	l.ipMu.RLock()
	entry, ok := l.ipLimiters[ip]
	l.ipMu.RUnlock()
	if ok {
		l.ipMu.Lock()
		entry.lastAccess = time.Now()
		l.ipMu.Unlock()
		return entry.limiter
	}

	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	if entry, ok := l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst), lastAccess: time.Now()}
	l.ipLimiters[ip] = entry
	return entry.limiter
}

func (l *ConnectionRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *ConnectionRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
		}
	}
}

// Stop halts the cleanup goroutine; call on graceful shutdown.
func (l *ConnectionRateLimiter) Stop() {
	close(l.stopCleanup)
}
