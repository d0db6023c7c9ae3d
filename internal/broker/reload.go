package broker

import (
	"time"

	"github.com/broker/llmbroker/internal/brokererrors"
	"github.com/broker/llmbroker/internal/metrics"
	"github.com/broker/llmbroker/internal/queue"
	"github.com/broker/llmbroker/internal/usagestore"
)

// Resolver produces KeyConfigs for one provider from the external key
// source (direct environment, authenticated record store, or HTTP).
type Resolver interface {
	Resolve(provider string) ([]queue.KeyConfig, error)
	IsDirect() bool
}

// ClientFactory builds a provider Client from one resolved KeyConfig.
type ClientFactory func(provider string, cfg queue.KeyConfig) (Client, error)

// StoreFactory builds the UsageStore a new Queuer should own.
type StoreFactory func(cfg queue.KeyConfig) usagestore.Store

// ReloadProvider re-resolves key configurations for provider (or every
// registered provider, when provider == "all"), builds fresh Queuer/Client
// pairs from them, and swaps them in atomically. Old Queuers keep running
// any in-flight dispatch to completion against their old clients; they are
// disposed once idle. Rejected when the resolver is the direct environment,
// which has nothing to re-resolve.
func (r *Router) ReloadProvider(provider string) error {
	if r.resolver == nil || r.clientFactory == nil || r.storeFactory == nil {
		return brokererrors.New(brokererrors.TypeInvalidRequest, "router has no reload dependencies configured")
	}
	if r.resolver.IsDirect() {
		return brokererrors.New(brokererrors.TypeInvalidRequest, "reload rejected: direct resolver has nothing to reload")
	}

	targets := []string{provider}
	if provider == "all" {
		targets = r.Providers()
	}

	for _, p := range targets {
		if err := r.reloadOne(p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) reloadOne(provider string) error {
	configs, err := r.resolver.Resolve(provider)
	if err != nil {
		return brokererrors.Wrap(brokererrors.TypeBootstrapFailure, "resolving keys for "+provider, err)
	}

	queuers := make([]*queue.Queuer, 0, len(configs))
	clients := make([]Client, 0, len(configs))
	for _, cfg := range configs {
		client, err := r.clientFactory(provider, cfg)
		if err != nil {
			r.logger.Error("building client for %s/%s: %v", provider, cfg.Label, err)
			continue
		}
		store := r.storeFactory(cfg)
		queuers = append(queuers, queue.New(cfg, store, r.estimator))
		clients = append(clients, client)
	}

	r.mu.Lock()
	old := r.providers[provider]
	r.providers[provider] = &providerSet{queuers: queuers, clients: clients}
	r.mu.Unlock()

	if old != nil {
		go disposeWhenIdle(old.queuers)
	}

	metrics.Global.IncReload(provider)
	return nil
}

// disposeWhenIdle waits for a retired Queuer's dispatch loop to drain before
// releasing its UsageStore, so in-flight work finishes against its own
// client rather than being interrupted by the reload.
func disposeWhenIdle(queuers []*queue.Queuer) {
	for _, q := range queuers {
		for q.IsProcessing() || q.QueueLength() > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		q.Dispose()
	}
}
