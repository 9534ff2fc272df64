package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthPool periodically polls every registered provider's HealthCheck
// and logs state transitions. Adapted from the teacher's worker
// pool/worker split: one goroutine per provider, shared Start/Wait
// lifecycle driven by context cancellation.
type HealthPool struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewHealthPool(registry *Registry, interval time.Duration, logger *zap.Logger) *HealthPool {
	return &HealthPool{registry: registry, interval: interval, logger: logger}
}

// Start launches one poller goroutine per currently registered provider.
// Cancelling ctx triggers a graceful shutdown of the whole pool.
func (p *HealthPool) Start(ctx context.Context) {
	for _, provider := range p.registry.All() {
		p.wg.Add(1)
		go func(prov Provider) {
			defer p.wg.Done()
			p.poll(ctx, prov)
		}(provider)
	}
}

// Wait blocks until every poller has returned after ctx is cancelled.
func (p *HealthPool) Wait() {
	p.wg.Wait()
}

func (p *HealthPool) poll(ctx context.Context, prov Provider) {
	log := p.logger.With(zap.String("provider_id", prov.Manifest().ID))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, p.interval/2)
			ok := prov.HealthCheck(checkCtx)
			cancel()

			if ok != healthy {
				if ok {
					log.Info("provider health check recovered")
				} else {
					log.Warn("provider health check failing")
				}
				healthy = ok
			}
		}
	}
}
