package strata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/strata/internal/store"
)

// Client owns the local database and the remote store connection shared by
// every DataStore it opens. Clients are independent: several may coexist in
// one process, each with its own database.
type Client struct {
	store  *Store
	remote RemoteStore
	config Config
	logger *slog.Logger
	debug  *DebugLogger

	mu         sync.Mutex
	partitions map[string]*sync.Mutex
	stores     map[string]*DataStore
	closed     bool
	stopPush   chan struct{}
	pushDone   chan struct{}
}

// New creates a new Strata client.
func New(cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	debug, err := NewDebugLogger(cfg.Debug, cfg.DebugLogPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = debug.Slog()
	}
	if logger == nil {
		logger = discardLogger()
	}

	st, err := NewStore(cfg.LocalPath)
	if err != nil {
		_ = debug.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		store:      st,
		remote:     cfg.Remote,
		config:     cfg,
		logger:     logger,
		debug:      debug,
		partitions: map[string]*sync.Mutex{},
		stores:     map[string]*DataStore{},
		stopPush:   make(chan struct{}),
		pushDone:   make(chan struct{}),
	}

	if c.remote != nil && cfg.AutoPush {
		go c.backgroundPush()
	} else {
		close(c.pushDone)
	}

	return c, nil
}

// Store returns the underlying local store.
func (c *Client) Store() *Store {
	return c.store
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// DebugLogger returns the client's debug logger, for remote store implementations.
func (c *Client) DebugLogger() *DebugLogger {
	return c.debug
}

// DataStore opens a store over one collection partition. Stores opened for
// the same (collection, tag) share their cache and pending log and never
// push or pull concurrently.
func (c *Client) DataStore(collection string, opts StoreOptions) (*DataStore, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return nil, &ValidationError{Field: "Collection", Message: err.Error()}
	}
	if opts.Tag == "" {
		opts.Tag = store.DefaultTag
	}
	if err := store.ValidateTag(opts.Tag); err != nil {
		return nil, &ValidationError{Field: "Tag", Message: err.Error()}
	}
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if !opts.Mode.IsValid() {
		return nil, &ValidationError{Field: "Mode", Message: fmt.Sprintf("unknown mode %q", opts.Mode)}
	}
	if opts.TTL < 0 {
		return nil, &ValidationError{Field: "TTL", Message: "must be non-negative"}
	}
	if opts.PageSize < 0 {
		return nil, &ValidationError{Field: "PageSize", Message: "must be non-negative"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrStoreClosed
	}

	key := collection + "\x00" + opts.Tag
	lock, ok := c.partitions[key]
	if !ok {
		lock = &sync.Mutex{}
		c.partitions[key] = lock
	}

	now := c.config.Clock
	logger := c.logger.With("collection", collection, "tag", opts.Tag, "mode", string(opts.Mode))
	cache := newCache(c.store, collection, opts.Tag, opts.TTL, now)
	log := newPendingLog(c.store, collection, opts.Tag, now)

	ds := &DataStore{
		collection: collection,
		tag:        opts.Tag,
		mode:       opts.Mode,
		opts:       opts,
		store:      c.store,
		cache:      cache,
		log:        log,
		remote:     c.remote,
		logger:     logger,
		now:        now,
		sync: &SyncCoordinator{
			collection:  collection,
			tag:         opts.Tag,
			store:       c.store,
			cache:       cache,
			log:         log,
			remote:      c.remote,
			logger:      logger,
			concurrency: c.config.PushConcurrency,
			deltaSet:    opts.DeltaSet,
			pageSize:    opts.PageSize,
			now:         now,
			mu:          lock,
		},
	}
	if opts.Mode != ModeNetwork {
		c.stores[key] = ds
	}
	return ds, nil
}

// Close stops background pushing, makes a last push attempt when AutoPush
// is enabled, and closes the local store.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopPush)
	c.mu.Unlock()

	select {
	case <-c.pushDone:
	case <-time.After(5 * time.Second):
	}

	if c.remote != nil && c.config.AutoPush {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c.pushAll(ctx)
		cancel()
	}

	_ = c.debug.Close()
	return c.store.Close()
}

func (c *Client) backgroundPush() {
	defer close(c.pushDone)

	ticker := time.NewTicker(c.config.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopPush:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			c.pushAll(ctx)
			cancel()
		}
	}
}

// pushAll pushes every open partition with pending changes.
func (c *Client) pushAll(ctx context.Context) {
	c.mu.Lock()
	stores := make([]*DataStore, 0, len(c.stores))
	for _, ds := range c.stores {
		stores = append(stores, ds)
	}
	c.mu.Unlock()

	for _, ds := range stores {
		n, err := ds.SyncCount()
		if err != nil || n == 0 {
			continue
		}
		res, err := ds.Push(ctx)
		if err != nil {
			c.logger.Warn("background push failed", "collection", ds.collection, "tag", ds.tag, "error", err)
			continue
		}
		if !res.OK() {
			c.logger.Warn("background push incomplete",
				"collection", ds.collection, "tag", ds.tag,
				"succeeded", res.Succeeded, "failed", len(res.Errors))
		}
	}
}
