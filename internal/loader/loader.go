// Package loader shares decoded pricing resources across a process. Each
// resource path is decoded at most once at a time; finished resources are
// kept in a bounded cache.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rshade/rainbow-pricing/internal/pricing"
	"github.com/rshade/rainbow-pricing/internal/stream"
	"github.com/rshade/rainbow-pricing/internal/transport"
)

// DefaultCacheSize is the number of decoded resources kept by default.
const DefaultCacheSize = 64

// Config configures a Loader.
type Config struct {
	Source transport.Source
	Codec  pricing.Codec

	// CacheSize bounds the number of finished resources kept in memory.
	CacheSize int

	Logger zerolog.Logger

	// Registerer receives the loader metrics when set.
	Registerer prometheus.Registerer

	// StreamOptions are passed to every stream.Process call.
	StreamOptions []stream.Option
}

// Loader decodes pricing resources from one source. A process normally
// holds a single Loader per source and codec.
type Loader struct {
	src     transport.Source
	codec   pricing.Codec
	logger  zerolog.Logger
	opts    []stream.Option
	metrics *metrics

	mu       sync.Mutex
	cache    *lru.Cache[string, []pricing.Instance]
	inflight map[string]*load
}

// New creates a Loader.
func New(cfg Config) (*Loader, error) {
	if cfg.Source == nil {
		return nil, errors.New("loader: source is required")
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []pricing.Instance](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return &Loader{
		src:      cfg.Source,
		codec:    cfg.Codec,
		logger:   cfg.Logger,
		opts:     append([]stream.Option{stream.WithLogger(cfg.Logger)}, cfg.StreamOptions...),
		metrics:  m,
		cache:    cache,
		inflight: make(map[string]*load),
	}, nil
}

// load is one in-flight decode of a resource, shared by every Collection
// that asked for it while it was running.
type load struct {
	path   string
	cancel context.CancelFunc

	mu      sync.Mutex
	records []pricing.Instance
	changed chan struct{}
	done    chan struct{}
	err     error
	refs    int
}

func (ld *load) snapshot() ([]pricing.Instance, <-chan struct{}) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	return ld.records[:len(ld.records):len(ld.records)], ld.changed
}

func (ld *load) extend(recs []pricing.Instance) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	ld.records = append(ld.records, recs...)
	close(ld.changed)
	ld.changed = make(chan struct{})
}

func (ld *load) finish(err error) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	ld.err = err
	// the final changed channel stays closed
	close(ld.changed)
	close(ld.done)
}

// Load returns a Collection that starts with initial and grows as the
// resource at path is decoded. An empty path yields a finished Collection
// holding only initial. Cancelling ctx closes the Collection.
//
// Callers must Close the Collection once they no longer need updates.
func (l *Loader) Load(ctx context.Context, path string, initial []pricing.Instance) *Collection {
	if path == "" {
		return finished(initial, nil, nil)
	}

	l.mu.Lock()
	if recs, ok := l.cache.Get(path); ok {
		l.mu.Unlock()
		l.metrics.cacheHits.Inc()
		return finished(initial, recs, nil)
	}

	ld, ok := l.inflight[path]
	if ok {
		ld.refs++
		l.metrics.joins.Inc()
	} else {
		ld = l.start(path)
	}
	l.mu.Unlock()

	c := &Collection{initial: initial, load: ld, loader: l}
	if ctx.Err() != nil {
		c.Close()
		return c
	}
	c.setStop(context.AfterFunc(ctx, c.Close))
	return c
}

// start registers and runs a new load. l.mu must be held.
func (l *Loader) start(path string) *load {
	ctx, cancel := context.WithCancel(context.Background())
	ld := &load{
		path:    path,
		cancel:  cancel,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
		refs:    1,
	}
	l.inflight[path] = ld
	l.metrics.inflight.Inc()
	go l.run(ctx, ld)
	return ld
}

func (l *Loader) run(ctx context.Context, ld *load) {
	err := l.decode(ctx, ld)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	l.mu.Lock()
	if l.inflight[ld.path] == ld {
		delete(l.inflight, ld.path)
	}
	if err == nil {
		ld.mu.Lock()
		recs := ld.records[:len(ld.records):len(ld.records)]
		ld.mu.Unlock()
		l.cache.Add(ld.path, recs)
	}
	l.mu.Unlock()
	l.metrics.inflight.Dec()

	switch {
	case err == nil:
		l.metrics.loads.WithLabelValues(resultOK).Inc()
		l.logger.Debug().Str("path", ld.path).Int("records", len(ld.records)).Msg("resource loaded")
	case errors.Is(err, context.Canceled):
		l.metrics.loads.WithLabelValues(resultCancelled).Inc()
		l.logger.Debug().Str("path", ld.path).Msg("resource load abandoned")
	default:
		l.metrics.loads.WithLabelValues(resultError).Inc()
		l.logger.Error().Err(err).Str("path", ld.path).Msg("resource load failed")
	}
	ld.finish(err)
	ld.cancel()
}

func (l *Loader) decode(ctx context.Context, ld *load) error {
	batches, err := stream.Process(ctx, l.src, ld.path, l.codec, l.opts...)
	if err != nil {
		return err
	}
	var seen int64
	for b := range batches {
		l.metrics.bytes.Add(float64(b.RawBytes - seen))
		seen = b.RawBytes
		if b.Err != nil {
			return b.Err
		}
		l.metrics.records.Add(float64(len(b.Records)))
		ld.extend(b.Records)
	}
	return nil
}

// release drops one subscriber of ld and cancels the load when it was the
// last one and the load has not finished.
func (l *Loader) release(ld *load) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ld.refs--
	if ld.refs > 0 {
		return
	}
	select {
	case <-ld.done:
		return
	default:
	}
	if l.inflight[ld.path] == ld {
		delete(l.inflight, ld.path)
	}
	ld.cancel()
}

// Fetch loads path and waits for it to finish.
func (l *Loader) Fetch(ctx context.Context, path string) ([]pricing.Instance, error) {
	c := l.Load(ctx, path, nil)
	defer c.Close()
	return c.Wait(ctx)
}

// Cached reports whether a finished resource is cached for path.
func (l *Loader) Cached(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Contains(path)
}

// Forget drops path from the cache.
func (l *Loader) Forget(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Remove(path)
}
