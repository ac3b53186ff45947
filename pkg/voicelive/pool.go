package voicelive

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voicebridge-server/pkg/metrics"
)

// WarmConnection is a pre-established speech session held in reserve.
// Ownership transfers to the acquiring caller; the pool never touches a
// session again after it has been handed out.
type WarmConnection struct {
	session   Session
	createdAt time.Time
}

// PoolConfig configures the warm connection pool
type PoolConfig struct {
	TargetSize          int
	MaxAge              time.Duration
	MaintenanceInterval time.Duration
	RefillJitterMax     time.Duration
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		TargetSize:          2,
		MaxAge:              30 * time.Second,
		MaintenanceInterval: 5 * time.Second,
		RefillJitterMax:     500 * time.Millisecond,
	}
}

// PoolStatus is an observability snapshot of the pool
type PoolStatus struct {
	Size       int  `json:"size"`
	TargetSize int  `json:"target_size"`
	Running    bool `json:"running"`
}

// ConnectionPool maintains a small set of pre-established speech sessions so
// call setup does not pay per-call connection latency
type ConnectionPool struct {
	logger *logrus.Logger
	dialer Dialer
	config PoolConfig

	mu      sync.Mutex
	warm    []*WarmConnection
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnectionPool creates a connection pool using the given dialer
func NewConnectionPool(logger *logrus.Logger, dialer Dialer, config PoolConfig) *ConnectionPool {
	if config.TargetSize == 0 {
		config = DefaultPoolConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionPool{
		logger: logger,
		dialer: dialer,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins background pool maintenance
func (p *ConnectionPool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.maintenanceLoop()

	p.logger.WithFields(logrus.Fields{
		"target_size":          p.config.TargetSize,
		"max_age":              p.config.MaxAge,
		"maintenance_interval": p.config.MaintenanceInterval,
	}).Info("Connection pool started")
}

// Acquire removes and returns one non-expired warm session. Ownership of the
// session transfers to the caller. Returns false when the pool has nothing
// usable; callers fall back to dialing synchronously.
func (p *ConnectionPool) Acquire() (Session, bool) {
	p.mu.Lock()

	var acquired Session
	now := time.Now()
	for acquired == nil && len(p.warm) > 0 {
		// Oldest first, so expiring entries drain before fresh ones
		wc := p.warm[0]
		p.warm = p.warm[1:]

		if now.Sub(wc.createdAt) >= p.config.MaxAge {
			p.logger.WithField("age", now.Sub(wc.createdAt)).Debug("Discarding expired warm session at acquire")
			metrics.PoolExpiredTotal.Inc()
			go wc.session.Close()
			continue
		}
		acquired = wc.session
	}
	size := len(p.warm)
	running := p.running
	p.mu.Unlock()

	metrics.PoolWarmConnections.Set(float64(size))

	if acquired == nil {
		metrics.PoolAcquiresTotal.WithLabelValues("miss").Inc()
		return nil, false
	}

	metrics.PoolAcquiresTotal.WithLabelValues("hit").Inc()

	// Refill asynchronously with a small jitter so simultaneous acquisitions
	// do not stampede the speech service with reconnects
	if running {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			jitter := time.Duration(0)
			if p.config.RefillJitterMax > 0 {
				jitter = time.Duration(rand.Int63n(int64(p.config.RefillJitterMax)))
			}
			select {
			case <-time.After(jitter):
				p.refill()
			case <-p.ctx.Done():
			}
		}()
	}

	return acquired, true
}

// Status reports the current pool state; no side effects
func (p *ConnectionPool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStatus{
		Size:       len(p.warm),
		TargetSize: p.config.TargetSize,
		Running:    p.running,
	}
}

// Stop halts maintenance and closes all pooled sessions
func (p *ConnectionPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	warm := p.warm
	p.warm = nil
	p.mu.Unlock()

	for _, wc := range warm {
		if err := wc.session.Close(); err != nil {
			p.logger.WithError(err).Debug("Error closing pooled session during shutdown")
		}
	}
	metrics.PoolWarmConnections.Set(0)

	p.logger.WithField("closed_sessions", len(warm)).Info("Connection pool stopped")
}

// maintenanceLoop evicts stale sessions and keeps the pool filled
func (p *ConnectionPool) maintenanceLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.MaintenanceInterval)
	defer ticker.Stop()

	// Fill immediately on start rather than waiting a full interval
	p.evictExpired()
	p.refill()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.evictExpired()
			p.refill()
		}
	}
}

// evictExpired closes and drops warm sessions older than the max age
func (p *ConnectionPool) evictExpired() {
	p.mu.Lock()
	now := time.Now()
	var kept []*WarmConnection
	var expired []*WarmConnection
	for _, wc := range p.warm {
		if now.Sub(wc.createdAt) >= p.config.MaxAge {
			expired = append(expired, wc)
		} else {
			kept = append(kept, wc)
		}
	}
	p.warm = kept
	size := len(kept)
	p.mu.Unlock()

	metrics.PoolWarmConnections.Set(float64(size))

	for _, wc := range expired {
		metrics.PoolExpiredTotal.Inc()
		if err := wc.session.Close(); err != nil {
			p.logger.WithError(err).Debug("Error closing expired warm session")
		}
	}

	if len(expired) > 0 {
		p.logger.WithField("evicted", len(expired)).Debug("Evicted expired warm sessions")
	}
}

// refill dials new sessions until the pool reaches its target size. A failed
// dial is logged and retried on the next maintenance tick; it never blocks
// acquisition by other callers.
func (p *ConnectionPool) refill() {
	for {
		p.mu.Lock()
		if !p.running || len(p.warm) >= p.config.TargetSize {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(p.ctx, 15*time.Second)
		session, err := p.dialer.Dial(dialCtx)
		cancel()
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.WithError(err).Warn("Failed to pre-warm speech session; will retry next cycle")
				metrics.PoolDialErrors.Inc()
			}
			return
		}

		p.mu.Lock()
		if !p.running || len(p.warm) >= p.config.TargetSize {
			// Lost the race while dialing; do not exceed the target
			p.mu.Unlock()
			session.Close()
			return
		}
		p.warm = append(p.warm, &WarmConnection{session: session, createdAt: time.Now()})
		size := len(p.warm)
		p.mu.Unlock()

		metrics.PoolWarmConnections.Set(float64(size))
		p.logger.WithField("pool_size", size).Debug("Added warm speech session")
	}
}
