package keyresolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/broker/llmbroker/internal/brokererrors"
	"github.com/broker/llmbroker/internal/queue"
)

const recordResolveTimeout = 15 * time.Second

// RecordStoreConfig carries the connection details for the authenticated
// key-record store.
type RecordStoreConfig struct {
	Endpoint   string
	Namespace  string
	Database   string
	Username   string
	Password   string
	Collection string // defaults to "broker_key"
}

// RecordStore resolves KeyConfigs by listing records from a SurrealDB
// collection, filtered by provider, deduplicated by raw key string.
type RecordStore struct {
	cfg RecordStoreConfig

	connMu sync.Mutex
	db     *surrealdb.DB
	authed bool
}

// NewRecordStore creates a RecordStore resolver for cfg.
func NewRecordStore(cfg RecordStoreConfig) *RecordStore {
	if cfg.Collection == "" {
		cfg.Collection = "broker_key"
	}
	return &RecordStore{cfg: cfg}
}

// IsDirect always returns false for this strategy.
func (r *RecordStore) IsDirect() bool { return false }

func (r *RecordStore) connect(ctx context.Context) (*surrealdb.DB, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if r.db != nil && r.authed {
		return r.db, nil
	}

	db, err := surrealdb.FromEndpointURLString(ctx, r.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("connecting to key record store: %w", err)
	}
	if _, err := db.SignIn(ctx, &surrealdb.Auth{Username: r.cfg.Username, Password: r.cfg.Password}); err != nil {
		return nil, fmt.Errorf("authenticating to key record store: %w", err)
	}
	if err := db.Use(ctx, r.cfg.Namespace, r.cfg.Database); err != nil {
		return nil, fmt.Errorf("selecting namespace/database: %w", err)
	}

	r.db = db
	r.authed = true
	return db, nil
}

func (r *RecordStore) invalidateAuth() {
	r.connMu.Lock()
	r.authed = false
	r.connMu.Unlock()
}

// Resolve lists and deduplicates the KeyConfigs tagged with provider.
func (r *RecordStore) Resolve(provider string) ([]queue.KeyConfig, error) {
	ctx, cancel := context.WithTimeout(context.Background(), recordResolveTimeout)
	defer cancel()

	db, err := r.connect(ctx)
	if err != nil {
		return nil, brokererrors.Wrap(brokererrors.TypeBootstrapFailure, "connecting to key record store", err)
	}

	query := fmt.Sprintf("SELECT * FROM %s WHERE provider = $provider", r.cfg.Collection)
	results, err := surrealdb.Query[[]rawKeyRecord](ctx, db, query, map[string]any{"provider": provider})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "expired") {
			r.invalidateAuth()
		}
		return nil, brokererrors.Wrap(brokererrors.TypeBootstrapFailure, "listing key records", err)
	}

	seen := make(map[string]bool)
	var configs []queue.KeyConfig
	if results == nil {
		return configs, nil
	}
	for _, qr := range *results {
		for _, rec := range qr.Result {
			if seen[rec.Key] {
				continue
			}
			seen[rec.Key] = true

			defaults, modelLimits, err := parseLimitField(rec.Limit)
			if err != nil {
				return nil, brokererrors.Wrap(brokererrors.TypeBootstrapFailure, "parsing limit for key "+rec.Label, err)
			}
			configs = append(configs, queue.KeyConfig{
				Key:             rec.Key,
				Label:           rec.Label,
				DefaultLimits:   defaults,
				ModelLimits:     modelLimits,
				FallbackDelayMs: rec.FallbackDelayMs,
			})
		}
	}
	return configs, nil
}
