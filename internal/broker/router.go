// Package broker implements the Router: the component that picks, for each
// incoming request, the candidate (provider, model) target whose Queuer
// reports the smallest estimated wait, and hands the call off to it.
package broker

import (
	"sync"

	"github.com/broker/llmbroker/internal/brokererrors"
	"github.com/broker/llmbroker/internal/estimator"
	"github.com/broker/llmbroker/internal/logx"
	"github.com/broker/llmbroker/internal/queue"
)

// Message is one turn of a chat history passed to a provider client.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Candidate is one acceptable (provider, model) routing target.
type Candidate struct {
	Provider string
	Model    string
}

// Client is implemented by each provider adapter. A Queuer owns exactly one,
// for the lifetime of that Queuer.
type Client interface {
	Ask(model string, history []Message) (string, error)
	AnalyzeImage(model string, image []byte, prompt string) (string, error)
}

// CallFunc invokes client for target; it runs inside the winning Queuer's
// dispatch loop, so its duration feeds that Queuer's exec-time estimate.
type CallFunc func(client Client, target Candidate) (any, error)

// DispatchResult is a successful Dispatch outcome enriched with routing info.
type DispatchResult struct {
	Value    any
	Provider string
	Model    string
}

type providerSet struct {
	queuers []*queue.Queuer
	clients []Client
}

// Router holds provider -> Queuers/Clients in parallel and selects among
// them by minimum estimated wait.
type Router struct {
	estimator     estimator.Estimator
	logger        *logx.Logger
	resolver      Resolver
	clientFactory ClientFactory
	storeFactory  StoreFactory

	mu        sync.RWMutex
	providers map[string]*providerSet
}

// New creates an empty Router. resolver/clientFactory/storeFactory may be
// nil if ReloadProvider will never be called (e.g. in tests that register
// providers directly).
func New(est estimator.Estimator, resolver Resolver, clientFactory ClientFactory, storeFactory StoreFactory) *Router {
	return &Router{
		estimator:     est,
		logger:        logx.NewLogger("router"),
		resolver:      resolver,
		clientFactory: clientFactory,
		storeFactory:  storeFactory,
		providers:     make(map[string]*providerSet),
	}
}

// Register installs the Queuer/Client pairs for provider, replacing any
// existing registration.
func (r *Router) Register(provider string, queuers []*queue.Queuer, clients []Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider] = &providerSet{queuers: queuers, clients: clients}
}

// Providers returns the registered provider names in unspecified order.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for p := range r.providers {
		names = append(names, p)
	}
	return names
}

// QueuersFor returns the Queuers registered for provider, nil if unknown.
func (r *Router) QueuersFor(provider string) []*queue.Queuer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.providers[provider]
	if !ok {
		return nil
	}
	return set.queuers
}

// Dispatch picks the (provider, Queuer, Client) among candidates with the
// smallest EstimateWaitMs, enqueues call on the winner, and blocks for the
// result. Ties are broken by first-seen order across candidates and, within
// a provider, across its Queuers. tokenEstimateText sizes the request
// against token-based limits; pass "" to skip token estimation.
func (r *Router) Dispatch(candidates []Candidate, tokenEstimateText string, call CallFunc) (DispatchResult, error) {
	tokens := 0
	if tokenEstimateText != "" && r.estimator != nil {
		tokens = r.estimator.Estimate(tokenEstimateText)
	}

	type option struct {
		candidate Candidate
		queuer    *queue.Queuer
		client    Client
		waitMs    int64
	}

	r.mu.RLock()
	var best *option
	for _, c := range candidates {
		set, ok := r.providers[c.Provider]
		if !ok || len(set.queuers) == 0 {
			continue
		}
		for i, q := range set.queuers {
			wait := q.EstimateWaitMs(c.Model, tokens)
			if best == nil || wait < best.waitMs {
				best = &option{candidate: c, queuer: q, client: set.clients[i], waitMs: wait}
			}
		}
	}
	r.mu.RUnlock()

	if best == nil {
		return DispatchResult{}, brokererrors.New(brokererrors.TypeNoAvailableProvider, "no queuer available for any requested target")
	}

	target := best.candidate
	client := best.client
	future := best.queuer.AddTokens(func() (any, error) {
		return call(client, target)
	}, tokens, target.Model)

	res := future.Await()
	if res.Err != nil {
		return DispatchResult{}, brokererrors.Wrap(brokererrors.TypeProviderFailure, "provider call failed", res.Err)
	}
	return DispatchResult{Value: res.Value, Provider: target.Provider, Model: target.Model}, nil
}
