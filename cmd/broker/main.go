// Command broker runs the LLM request broker: it resolves provider keys,
// builds one Queuer per key, and serves the HTTP surface defined in
// internal/httpapi.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/broker/llmbroker/internal/broker"
	"github.com/broker/llmbroker/internal/brokererrors"
	"github.com/broker/llmbroker/internal/config"
	"github.com/broker/llmbroker/internal/estimator"
	"github.com/broker/llmbroker/internal/httpapi"
	"github.com/broker/llmbroker/internal/keyresolver"
	"github.com/broker/llmbroker/internal/logx"
	"github.com/broker/llmbroker/internal/providers/anthropic"
	"github.com/broker/llmbroker/internal/providers/gemini"
	"github.com/broker/llmbroker/internal/providers/mistral"
	"github.com/broker/llmbroker/internal/providers/ollama"
	"github.com/broker/llmbroker/internal/providers/openai"
	"github.com/broker/llmbroker/internal/queue"
	"github.com/broker/llmbroker/internal/usagestore"
)

// knownProviders lists every provider the broker has an adapter for. All of
// them are attempted at bootstrap; only the configured default provider's
// resolution failure is fatal.
var knownProviders = []string{"anthropic", "openai", "gemini", "ollama", "mistral"}

func main() {
	logger := logx.NewLogger("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading config: %v", err)
		os.Exit(1)
	}

	est := estimator.New()
	resolver := buildResolver(cfg)
	clientFactory := buildClientFactory()
	storeFactory := buildStoreFactory(cfg)

	router := broker.New(est, resolver, clientFactory, storeFactory)

	registered := 0
	for _, provider := range knownProviders {
		n, err := bootstrapProvider(router, resolver, clientFactory, storeFactory, est, provider)
		if err != nil {
			if provider == cfg.DefaultProvider {
				logger.Error("bootstrap failed for default provider %s: %v", provider, err)
				os.Exit(1)
			}
			logger.Warn("skipping provider %s: %v", provider, err)
			continue
		}
		registered += n
	}
	if registered == 0 {
		logger.Error("no provider keys resolved for any provider; refusing to start")
		os.Exit(1)
	}

	server := httpapi.NewServer(router, est, cfg.DefaultProvider, cfg.AdminUser, cfg.AdminPasswordHash)
	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error: %v", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal %v, shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during http shutdown: %v", err)
		os.Exit(1)
	}
}

func buildResolver(cfg *config.Config) broker.Resolver {
	switch cfg.ResolverStrategy {
	case config.ResolverRecordStore:
		return keyresolver.NewRecordStore(keyresolver.RecordStoreConfig{
			Endpoint:  cfg.Remote.Endpoint,
			Namespace: cfg.Remote.Namespace,
			Database:  cfg.Remote.Database,
			Username:  cfg.Remote.Username,
			Password:  cfg.Remote.Password,
		})
	case config.ResolverHTTP:
		return keyresolver.NewHTTP(cfg.KeyResolverURL)
	default:
		return keyresolver.NewDirect(fallbackDelayPtr(cfg.FallbackDelayMs))
	}
}

func buildStoreFactory(cfg *config.Config) broker.StoreFactory {
	return func(keyCfg queue.KeyConfig) usagestore.Store {
		if cfg.UsageStrategy != config.UsageStrategyRemote {
			return usagestore.NewMemory()
		}
		remote := usagestore.NewRemote(context.Background(), usagestore.RemoteConfig{
			Endpoint:  cfg.Remote.Endpoint,
			Namespace: cfg.Remote.Namespace,
			Database:  cfg.Remote.Database,
			Username:  cfg.Remote.Username,
			Password:  cfg.Remote.Password,
			Label:     keyCfg.Label,
		})
		remote.StartBackgroundFlush(context.Background(), cfg.PersistInterval())
		return remote
	}
}

func buildClientFactory() broker.ClientFactory {
	return func(provider string, keyCfg queue.KeyConfig) (broker.Client, error) {
		switch provider {
		case "anthropic":
			return anthropic.New(keyCfg.Key), nil
		case "openai":
			return openai.New(keyCfg.Key), nil
		case "gemini":
			return gemini.New(context.Background(), keyCfg.Key)
		case "ollama":
			return ollama.New(keyCfg.Key), nil
		case "mistral":
			return mistral.New(keyCfg.Key), nil
		default:
			return nil, brokererrors.New(brokererrors.TypeBootstrapFailure, "unknown provider "+provider)
		}
	}
}

// bootstrapProvider resolves provider's keys and registers a Queuer/Client
// pair per key. It returns the number of Queuers registered; a resolution
// error is returned unchanged so the caller can decide whether it is fatal.
func bootstrapProvider(router *broker.Router, resolver broker.Resolver, clientFactory broker.ClientFactory, storeFactory broker.StoreFactory, est estimator.Estimator, provider string) (int, error) {
	logger := logx.NewLogger("bootstrap")

	configs, err := resolver.Resolve(provider)
	if err != nil {
		return 0, err
	}

	queuers := make([]*queue.Queuer, 0, len(configs))
	clients := make([]broker.Client, 0, len(configs))
	for _, keyCfg := range configs {
		client, err := clientFactory(provider, keyCfg)
		if err != nil {
			logger.Warn("building client for %s/%s: %v", provider, keyCfg.Label, err)
			continue
		}
		store := storeFactory(keyCfg)
		queuers = append(queuers, queue.New(keyCfg, store, est))
		clients = append(clients, client)
	}

	if len(queuers) == 0 {
		return 0, fmt.Errorf("no usable keys for provider %s", provider)
	}

	router.Register(provider, queuers, clients)
	return len(queuers), nil
}

func fallbackDelayPtr(ms int) *int64 {
	if ms <= 0 {
		return nil
	}
	v := int64(ms)
	return &v
}
