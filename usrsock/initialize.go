package usrsock

import (
	"sync"

	"go.uber.org/zap"
)

var (
	initMu      sync.Mutex
	defaultPool *Pool
)

// Initialize builds the process-wide connection pool. Only the first call has an effect; every
// call returns the same pool.
func Initialize(cfg Config) *Pool {
	initMu.Lock()
	defer initMu.Unlock()

	if defaultPool != nil {
		return defaultPool
	}

	defaultPool = NewPool(cfg)
	c := defaultPool.Config()
	Logger().Info("usrsock initialized",
		zap.Int("prealloc", c.PreallocConns),
		zap.Int("alloc", c.AllocConns),
		zap.Int("max", c.MaxConns),
		zap.Int("max_callbacks", c.MaxCallbacks))

	return defaultPool
}

// DefaultPool returns the pool built by Initialize, or nil before it ran.
func DefaultPool() *Pool {
	initMu.Lock()
	defer initMu.Unlock()
	return defaultPool
}
