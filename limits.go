package chop

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnLimitsConfig bounds how many cover connections a configuration
// will carry. A censored client opens downstreams in small bursts, but
// a public-facing server is exposed to anyone who finds the port; these
// limits keep a probe flood from exhausting it. Zero or negative values
// disable the corresponding limit.
type ConnLimitsConfig struct {
	// MaxConcurrentConns caps live downstream connections across all
	// circuits.
	MaxConcurrentConns int

	// MaxConnsPerMinute caps new connections per minute from a single
	// peer host.
	MaxConnsPerMinute int

	// MaxTotalConnsPerMinute caps new connections per minute across all
	// peers combined.
	MaxTotalConnsPerMinute int
}

// DefaultConnLimitsConfig returns the default configuration with every
// limit disabled.
func DefaultConnLimitsConfig() ConnLimitsConfig {
	return ConnLimitsConfig{}
}

// connLimiter enforces ConnLimitsConfig. It keeps per-host and total
// admission timestamps inside one-minute sliding windows. It has its
// own lock so the harness can consult it from accept loops without
// entering the engine.
type connLimiter struct {
	config ConnLimitsConfig

	mu          sync.Mutex
	active      int
	perHost     map[string][]time.Time
	total       []time.Time
	lastTrimmed time.Time
}

func newConnLimiter(config ConnLimitsConfig) *connLimiter {
	return &connLimiter{
		config:  config,
		perHost: make(map[string][]time.Time),
	}
}

// admit records an attempted connection from host and reports whether
// it may proceed.
func (cl *connLimiter) admit(host string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	cl.trim(now)

	if cl.config.MaxConcurrentConns > 0 && cl.active >= cl.config.MaxConcurrentConns {
		log.Warn().
			Str("host", host).
			Int("active", cl.active).
			Msg("connection rejected: concurrent limit")
		return false
	}
	if cl.config.MaxConnsPerMinute > 0 && len(cl.perHost[host]) >= cl.config.MaxConnsPerMinute {
		log.Warn().
			Str("host", host).
			Msg("connection rejected: per-host rate limit")
		return false
	}
	if cl.config.MaxTotalConnsPerMinute > 0 && len(cl.total) >= cl.config.MaxTotalConnsPerMinute {
		log.Warn().
			Str("host", host).
			Msg("connection rejected: total rate limit")
		return false
	}

	cl.active++
	if cl.config.MaxConnsPerMinute > 0 {
		cl.perHost[host] = append(cl.perHost[host], now)
	}
	if cl.config.MaxTotalConnsPerMinute > 0 {
		cl.total = append(cl.total, now)
	}
	return true
}

// release undoes admit's concurrent-connection accounting when the
// connection goes away.
func (cl *connLimiter) release() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.active > 0 {
		cl.active--
	}
}

// trim drops timestamps that have aged out of the one-minute window.
// Caller holds cl.mu.
func (cl *connLimiter) trim(now time.Time) {
	if now.Sub(cl.lastTrimmed) < time.Second {
		return
	}
	cl.lastTrimmed = now
	cutoff := now.Add(-time.Minute)

	for host, stamps := range cl.perHost {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(cl.perHost, host)
		} else {
			cl.perHost[host] = kept
		}
	}

	kept := cl.total[:0]
	for _, ts := range cl.total {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cl.total = kept
}
