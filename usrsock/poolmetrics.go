package usrsock

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var DefaultTickerDuration = 1 * time.Second

// na + nr equal the total number of acquires
// na + nr - np equal the number still in use.
type PoolMetrics struct {
	na atomic.Uint32 // acquires served by a never-used slot
	nr atomic.Uint32 // acquires served by a recycled slot
	np atomic.Uint32 // put back
	nx atomic.Uint32 // acquires refused

	naa atomic.Uint64 // accumulative
	nra atomic.Uint64 // accumulative
	npa atomic.Uint64 // accumulative
	nxa atomic.Uint64 // accumulative

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

func newPoolMetrics() *PoolMetrics {
	return &PoolMetrics{}
}

func (p *PoolMetrics) fresh()     { p.na.Add(1) }
func (p *PoolMetrics) reused()    { p.nr.Add(1) }
func (p *PoolMetrics) putBack()   { p.np.Add(1) }
func (p *PoolMetrics) exhausted() { p.nx.Add(1) }

func (p *PoolMetrics) fold() {
	p.naa.Add(uint64(p.na.Swap(0)))
	p.nra.Add(uint64(p.nr.Swap(0)))
	p.npa.Add(uint64(p.np.Swap(0)))
	p.nxa.Add(uint64(p.nx.Swap(0)))
}

// start folds the counters into the accumulators every DefaultTickerDuration until stop.
func (p *PoolMetrics) start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		return
	}
	p.done = make(chan struct{})

	ticker := time.NewTicker(DefaultTickerDuration)
	p.wg.Add(1)
	go func(done chan struct{}) {
		defer p.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.fold()
			case <-done:
				p.fold()
				return
			}
		}
	}(p.done)
}

func (p *PoolMetrics) stop() {
	p.mu.Lock()
	done := p.done
	p.done = nil
	p.mu.Unlock()

	if done == nil {
		return
	}
	close(done)
	p.wg.Wait()
}

// Totals returns acquires (new + reused), releases and refusals since creation.
func (p *PoolMetrics) Totals() (acquired, released, refused uint64) {
	acquired = p.naa.Load() + p.nra.Load() + uint64(p.na.Load()) + uint64(p.nr.Load())
	released = p.npa.Load() + uint64(p.np.Load())
	refused = p.nxa.Load() + uint64(p.nx.Load())
	return
}

func (p *PoolMetrics) metricsString() string {
	return fmt.Sprintf("[ %v|%v|%v|%v, %v|%v|%v|%v ]",
		p.na.Load(), p.nr.Load(), p.np.Load(), p.nx.Load(),
		p.naa.Load(), p.nra.Load(), p.npa.Load(), p.nxa.Load())
}
