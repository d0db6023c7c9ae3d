package usagestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/broker/llmbroker/internal/logx"
	"github.com/broker/llmbroker/internal/metrics"
	"github.com/broker/llmbroker/internal/ratelimit"
)

// RemoteConfig carries the connection details for the SurrealDB-backed
// record store.
type RemoteConfig struct {
	Endpoint   string
	Namespace  string
	Database   string
	Username   string
	Password   string
	Collection string // defaults to "usage_bucket"
	Label      string // namespaces keys as "<label>::<modelKey>" when set
}

// bucketRecord is the wire shape persisted for one UsageBucket.
type bucketRecord struct {
	ID                     string  `json:"id,omitempty"`
	ModelKey               string  `json:"model_key"`
	SecondTs               []int64 `json:"second_ts"`
	MinuteTs               []int64 `json:"minute_ts"`
	DayTs                  []int64 `json:"day_ts"`
	MonthTokenCount        int     `json:"month_token_count"`
	MonthTokenResetAt      int64   `json:"month_token_reset_at"`
	MonthRequestCount      int     `json:"month_request_count"`
	MonthRequestResetAt    int64   `json:"month_request_reset_at"`
	MinuteTokenCount       int     `json:"minute_token_count"`
	MinuteTokenWindowStart int64   `json:"minute_token_window_start"`
}

// Remote is the SurrealDB-backed UsageStore backend. It namespaces keys by
// label so several queues can share one collection, keeps an in-memory
// mirror for fast reads, tracks dirty keys, and flushes them on a ticker.
//
//nolint:govet // logical field grouping preferred over byte packing here
type Remote struct {
	cfg    RemoteConfig
	logger *logx.Logger

	connMu sync.Mutex
	db     *surrealdb.DB
	authed bool

	mu        sync.RWMutex
	buckets   map[string]ratelimit.UsageBucket
	recordIDs map[string]string
	dirty     map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRemote constructs a Remote store and performs the initial bootstrap
// listing, tolerating connection failure (the store simply starts empty;
// persistence failures never block dispatch).
func NewRemote(ctx context.Context, cfg RemoteConfig) *Remote {
	r := newBareRemote(cfg)

	if err := r.bootstrap(ctx); err != nil {
		r.logger.Error("bootstrap failed, starting with empty store: %v", err)
	}

	return r
}

// newBareRemote constructs a Remote without performing the network
// bootstrap, used directly by tests that only exercise the in-memory
// dirty-tracking and namespacing logic.
func newBareRemote(cfg RemoteConfig) *Remote {
	if cfg.Collection == "" {
		cfg.Collection = "usage_bucket"
	}
	return &Remote{
		cfg:       cfg,
		logger:    logx.NewLogger("usagestore.remote"),
		buckets:   make(map[string]ratelimit.UsageBucket),
		recordIDs: make(map[string]string),
		dirty:     make(map[string]bool),
	}
}

func (r *Remote) namespacedKey(modelKey string) string {
	if r.cfg.Label == "" {
		return modelKey
	}
	return r.cfg.Label + "::" + modelKey
}

func (r *Remote) stripNamespace(key string) string {
	prefix := r.cfg.Label + "::"
	if r.cfg.Label != "" && strings.HasPrefix(key, prefix) {
		return strings.TrimPrefix(key, prefix)
	}
	return key
}

// connect lazily authenticates and caches the connection; an expired-token
// error on a later call clears authed so the next attempt re-authenticates.
func (r *Remote) connect(ctx context.Context) (*surrealdb.DB, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if r.db != nil && r.authed {
		return r.db, nil
	}

	db, err := surrealdb.FromEndpointURLString(ctx, r.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("connecting to remote store: %w", err)
	}

	if _, err := db.SignIn(ctx, &surrealdb.Auth{
		Username: r.cfg.Username,
		Password: r.cfg.Password,
	}); err != nil {
		return nil, fmt.Errorf("authenticating to remote store: %w", err)
	}

	if err := db.Use(ctx, r.cfg.Namespace, r.cfg.Database); err != nil {
		return nil, fmt.Errorf("selecting namespace/database: %w", err)
	}

	r.db = db
	r.authed = true
	return db, nil
}

// invalidateAuth marks the cached connection as needing re-authentication;
// called after a query fails with an expired-token-shaped error.
func (r *Remote) invalidateAuth() {
	r.connMu.Lock()
	r.authed = false
	r.connMu.Unlock()
}

func isExpiredTokenErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "expired") || strings.Contains(msg, "token") && strings.Contains(msg, "invalid")
}

// bootstrap lists up to 200 records, filters by label prefix if configured,
// and populates the in-memory map, tolerating missing fields by defaulting.
func (r *Remote) bootstrap(ctx context.Context) error {
	db, err := r.connect(ctx)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s LIMIT 200", r.cfg.Collection)
	results, err := surrealdb.Query[[]bucketRecord](ctx, db, query, nil)
	if err != nil {
		if isExpiredTokenErr(err) {
			r.invalidateAuth()
		}
		return fmt.Errorf("listing usage records: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, qr := range *results {
		for _, rec := range qr.Result {
			if r.cfg.Label != "" && !strings.HasPrefix(rec.ModelKey, r.cfg.Label+"::") {
				continue
			}
			bucket := recordToBucket(rec, now)
			r.buckets[rec.ModelKey] = bucket
			r.recordIDs[rec.ModelKey] = rec.ID
		}
	}
	return nil
}

// recordToBucket converts a parsed record into a bucket, defaulting any
// field that JSON decoding left at its zero value: arrays to empty, counts
// to 0 (already the zero value), reset-at/window-start to now.
func recordToBucket(rec bucketRecord, now int64) ratelimit.UsageBucket {
	b := ratelimit.UsageBucket{
		SecondTs:               rec.SecondTs,
		MinuteTs:               rec.MinuteTs,
		DayTs:                  rec.DayTs,
		MonthTokenCount:        rec.MonthTokenCount,
		MonthTokenResetAt:      rec.MonthTokenResetAt,
		MonthRequestCount:      rec.MonthRequestCount,
		MonthRequestResetAt:    rec.MonthRequestResetAt,
		MinuteTokenCount:       rec.MinuteTokenCount,
		MinuteTokenWindowStart: rec.MinuteTokenWindowStart,
	}
	if b.MonthTokenResetAt == 0 {
		b.MonthTokenResetAt = ratelimit.NextUTCMonthStartMs(now)
	}
	if b.MonthRequestResetAt == 0 {
		b.MonthRequestResetAt = ratelimit.NextUTCMonthStartMs(now)
	}
	if b.MinuteTokenWindowStart == 0 {
		b.MinuteTokenWindowStart = now
	}
	return b
}

// Get returns the bucket for modelKey, creating a zeroed one on miss.
func (r *Remote) Get(modelKey string, now int64) ratelimit.UsageBucket {
	key := r.namespacedKey(modelKey)

	r.mu.RLock()
	b, ok := r.buckets[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	fresh := ratelimit.NewBucket(now)
	r.mu.Lock()
	if existing, ok := r.buckets[key]; ok {
		r.mu.Unlock()
		return existing
	}
	r.buckets[key] = fresh
	r.mu.Unlock()
	return fresh
}

// Set stores bucket under modelKey and marks it dirty for the next flush.
func (r *Remote) Set(modelKey string, bucket ratelimit.UsageBucket) {
	key := r.namespacedKey(modelKey)
	r.mu.Lock()
	r.buckets[key] = bucket
	r.dirty[key] = true
	r.mu.Unlock()
}

// Entries returns a snapshot of all (modelKey, bucket) pairs, with the
// label prefix stripped.
func (r *Remote) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.buckets))
	for k, b := range r.buckets {
		out = append(out, Entry{ModelKey: r.stripNamespace(k), Bucket: b})
	}
	return out
}

// StartBackgroundFlush starts a ticker that calls Persist every interval
// until Dispose is called.
func (r *Remote) StartBackgroundFlush(ctx context.Context, interval time.Duration) {
	r.connMu.Lock()
	if r.stopCh != nil {
		r.connMu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.connMu.Unlock()

	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				<-r.Persist(time.Now().UnixMilli())
			}
		}
	}()
}

// Persist writes every bucket dirtied since the last flush. On update
// failure it falls back to create (healing after external record
// deletion); on create success it remembers the returned record id.
// Failures are logged and swallowed — they never block dispatch.
func (r *Remote) Persist(now int64) <-chan error {
	ch := make(chan error, 1)

	r.mu.Lock()
	dirtyKeys := make([]string, 0, len(r.dirty))
	for k := range r.dirty {
		dirtyKeys = append(dirtyKeys, k)
	}
	r.mu.Unlock()

	go func() {
		defer close(ch)
		if len(dirtyKeys) == 0 {
			ch <- nil
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := r.connect(ctx)
		if err != nil {
			metrics.Global.IncPersistError(r.cfg.Label)
			r.logger.Error("persist: connect failed: %v", err)
			ch <- err
			return
		}

		var firstErr error
		for _, key := range dirtyKeys {
			if err := r.persistOne(ctx, db, key); err != nil {
				metrics.Global.IncPersistError(r.cfg.Label)
				r.logger.Error("persist: %s: %v", key, err)
				if firstErr == nil {
					firstErr = err
				}
				continue // leave dirty set so a later flush retries
			}
			r.mu.Lock()
			delete(r.dirty, key)
			r.mu.Unlock()
		}
		ch <- firstErr
	}()

	return ch
}

func (r *Remote) persistOne(ctx context.Context, db *surrealdb.DB, key string) error {
	r.mu.RLock()
	bucket := r.buckets[key]
	recordID, hasID := r.recordIDs[key]
	r.mu.RUnlock()

	rec := bucketToRecord(key, bucket)
	vars, err := recordVars(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	if hasID {
		updateQuery := fmt.Sprintf("UPDATE %s CONTENT $content", recordID)
		if _, err := surrealdb.Query[[]bucketRecord](ctx, db, updateQuery, map[string]any{"content": vars}); err == nil {
			return nil
		} else if isExpiredTokenErr(err) {
			r.invalidateAuth()
		}
		// Update failed (record likely deleted externally): heal via create.
	}

	createQuery := fmt.Sprintf("CREATE %s CONTENT $content", r.cfg.Collection)
	results, err := surrealdb.Query[[]bucketRecord](ctx, db, createQuery, map[string]any{"content": vars})
	if err != nil {
		if isExpiredTokenErr(err) {
			r.invalidateAuth()
		}
		return fmt.Errorf("creating record: %w", err)
	}
	if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
		r.mu.Lock()
		r.recordIDs[key] = (*results)[0].Result[0].ID
		r.mu.Unlock()
	}
	return nil
}

func bucketToRecord(key string, b ratelimit.UsageBucket) bucketRecord {
	return bucketRecord{
		ModelKey:               key,
		SecondTs:               b.SecondTs,
		MinuteTs:               b.MinuteTs,
		DayTs:                  b.DayTs,
		MonthTokenCount:        b.MonthTokenCount,
		MonthTokenResetAt:      b.MonthTokenResetAt,
		MonthRequestCount:      b.MonthRequestCount,
		MonthRequestResetAt:    b.MonthRequestResetAt,
		MinuteTokenCount:       b.MinuteTokenCount,
		MinuteTokenWindowStart: b.MinuteTokenWindowStart,
	}
}

func recordVars(rec bucketRecord) (map[string]any, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var vars map[string]any
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

// Dispose stops the background flush timer and closes the connection.
func (r *Remote) Dispose() {
	r.connMu.Lock()
	if r.stopCh != nil {
		close(r.stopCh)
		<-r.doneCh
		r.stopCh = nil
	}
	db := r.db
	r.db = nil
	r.authed = false
	r.connMu.Unlock()

	if db != nil {
		_ = db.Close(context.Background())
	}
}
