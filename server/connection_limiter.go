package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianmail/meridian/logger"
)

// ConnectionLimiter manages connection limits for protocol servers
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.RWMutex
	cleanupInterval  time.Duration
	protocol         string
}

// NewConnectionLimiter creates a new connection limiter. A zero limit
// disables the corresponding check.
func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		cleanupInterval:  5 * time.Minute, // Clean up stale IP entries
		protocol:         protocol,
	}
}

func ipOf(remoteAddr net.Addr) string {
	ip, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return remoteAddr.String()
	}
	return ip
}

// CanAccept checks if a new connection can be accepted from the given remote address
func (cl *ConnectionLimiter) CanAccept(remoteAddr net.Addr) error {
	if cl.maxConnections <= 0 && cl.maxPerIP <= 0 {
		return nil // No limits configured
	}

	if cl.maxConnections > 0 {
		current := cl.currentTotal.Load()
		if current >= int64(cl.maxConnections) {
			return fmt.Errorf("maximum connections reached (%d/%d)", current, cl.maxConnections)
		}
	}

	if cl.maxPerIP > 0 {
		ip := ipOf(remoteAddr)

		cl.mu.RLock()
		ipCounter, exists := cl.perIPConnections[ip]
		cl.mu.RUnlock()

		if exists {
			current := ipCounter.Load()
			if current >= int64(cl.maxPerIP) {
				return fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, current, cl.maxPerIP)
			}
		}
	}

	return nil
}

// Accept registers a new connection and returns a release function the caller
// must invoke when the connection closes.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	if err := cl.CanAccept(remoteAddr); err != nil {
		return nil, err
	}

	ip := ipOf(remoteAddr)
	cl.currentTotal.Add(1)

	cl.mu.Lock()
	ipCounter, exists := cl.perIPConnections[ip]
	if !exists {
		ipCounter = &atomic.Int64{}
		cl.perIPConnections[ip] = ipCounter
	}
	cl.mu.Unlock()
	ipCounter.Add(1)

	var once sync.Once
	release := func() {
		once.Do(func() {
			cl.currentTotal.Add(-1)
			ipCounter.Add(-1)
		})
	}
	return release, nil
}

// StartCleanup periodically removes per-IP counters that dropped to zero
func (cl *ConnectionLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cl.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup()
			}
		}
	}()
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	removed := 0
	for ip, counter := range cl.perIPConnections {
		if counter.Load() == 0 {
			delete(cl.perIPConnections, ip)
			removed++
		}
	}
	if removed > 0 {
		logger.Debug("Connection limiter: cleaned up idle IP entries", "protocol", cl.protocol, "removed", removed)
	}
}

// Total returns the current number of accepted connections
func (cl *ConnectionLimiter) Total() int64 {
	return cl.currentTotal.Load()
}
