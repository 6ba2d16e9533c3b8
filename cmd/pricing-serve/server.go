package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rshade/rainbow-pricing/internal/loader"
	"github.com/rshade/rainbow-pricing/internal/pricing"
	"github.com/rshade/rainbow-pricing/internal/publish"
	"github.com/rshade/rainbow-pricing/internal/transport"
)

const requestIDHeader = "X-Request-ID"

// server serves the families published in one source.
type server struct {
	ctx      context.Context
	src      transport.Source
	logger   zerolog.Logger
	registry *prometheus.Registry
	timeout  time.Duration
	allowed  []string
	cache    int

	requests *prometheus.CounterVec

	mu       sync.Mutex
	loaders  map[pricing.Scheme]*loader.Loader
	families map[string]*family
}

// family is a manifest with its first batch. client is built once every
// page has been decoded.
type family struct {
	manifest publish.Manifest
	codec    pricing.Codec
	inline   []*pricing.LazyInstance
	loader   *loader.Loader

	mu     sync.Mutex
	client *pricing.Client
}

// newServer creates a server. ctx bounds background prefetches and should be
// cancelled on shutdown.
func newServer(ctx context.Context, src transport.Source, config *Config, logger zerolog.Logger, registry *prometheus.Registry) (*server, error) {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pricing",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by handler and status code.",
	}, []string{"handler", "code"})
	if err := registry.Register(requests); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return &server{
		ctx:      ctx,
		src:      src,
		logger:   logger,
		registry: registry,
		timeout:  config.Timeout,
		allowed:  config.Families,
		cache:    config.CacheSize,
		requests: requests,
		loaders:  make(map[pricing.Scheme]*loader.Loader),
		families: make(map[string]*family),
	}, nil
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.Handle("/instances", s.instrument("instances", s.handleInstances))
	mux.Handle("/price", s.instrument("price", s.handlePrice))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s.withRequestID(mux)
}

func (s *server) instrument(name string, h http.HandlerFunc) http.Handler {
	return promhttp.InstrumentHandlerCounter(s.requests.MustCurryWith(prometheus.Labels{"handler": name}), h)
}

// withRequestID tags every request with the X-Request-ID header, or a fresh
// UUID when the client sent none, and logs the request when it completes.
func (s *server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)

		logger := s.logger.With().Str("request_id", id).Logger()
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}

// family returns the named family, reading its manifest and first batch on
// first use. Failures are not cached.
func (s *server) family(ctx context.Context, name string) (*family, error) {
	if err := publish.ValidateFamily(name); err != nil {
		return nil, err
	}
	if len(s.allowed) > 0 && !slices.Contains(s.allowed, name) {
		return nil, fmt.Errorf("family %s: %w", name, transport.ErrNotFound)
	}

	s.mu.Lock()
	f, ok := s.families[name]
	s.mu.Unlock()
	if ok {
		return f, nil
	}

	m, err := publish.ReadManifest(ctx, s.src, name)
	if err != nil {
		return nil, err
	}
	codec, err := m.Codec()
	if err != nil {
		return nil, err
	}
	inline, err := publish.ReadInline(ctx, s.src, m)
	if err != nil {
		return nil, err
	}
	ld, err := s.loader(codec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.families[name]; ok {
		return f, nil
	}
	f = &family{manifest: m, codec: codec, inline: inline, loader: ld}
	s.families[name] = f
	s.logger.Info().
		Str("family", name).
		Str("scheme", m.Scheme).
		Int("records", m.Records).
		Int("pages", len(m.Pages)).
		Msg("family registered")
	return f, nil
}

// loader returns the Loader of the codec's scheme. Loaders are shared by
// every family of a scheme and label their metrics with it.
func (s *server) loader(codec pricing.Codec) (*loader.Loader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ld, ok := s.loaders[codec.Scheme]; ok {
		return ld, nil
	}
	ld, err := loader.New(loader.Config{
		Source:     s.src,
		Codec:      codec,
		CacheSize:  s.cache,
		Logger:     s.logger,
		Registerer: prometheus.WrapRegistererWith(prometheus.Labels{"scheme": codec.Scheme.String()}, s.registry),
	})
	if err != nil {
		return nil, err
	}
	s.loaders[codec.Scheme] = ld
	return ld, nil
}

// snapshot returns the records available without waiting: the first batch
// followed by the pages already decoded, in order. Decoding of the first
// missing page is started in the background. complete reports whether every
// page was available.
func (s *server) snapshot(f *family) (records []pricing.Instance, complete bool, err error) {
	records, err = instances(f.inline)
	if err != nil {
		return nil, false, err
	}
	for _, p := range f.manifest.Pages {
		c := f.loader.Load(s.ctx, p.Name, nil)
		select {
		case <-c.Done():
			c.Close()
			if err := c.Err(); err != nil {
				return nil, false, err
			}
			records = append(records, c.Records()...)
		default:
			records = append(records, c.Records()...)
			go func() {
				defer c.Close()
				_, _ = c.Wait(s.ctx)
			}()
			return records, false, nil
		}
	}
	return records, true, nil
}

// all waits for every page of f.
func (s *server) all(ctx context.Context, f *family) ([]pricing.Instance, error) {
	records, err := instances(f.inline)
	if err != nil {
		return nil, err
	}
	for _, p := range f.manifest.Pages {
		recs, err := f.loader.Fetch(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

// pricingClient returns the lookup client of f, built on first use from all
// of its records.
func (s *server) pricingClient(ctx context.Context, f *family) (*pricing.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}

	lazies := slices.Clone(f.inline)
	for _, p := range f.manifest.Pages {
		recs, err := f.loader.Fetch(ctx, p.Name)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			lazies = append(lazies, pricing.NewDecodedInstance(rec))
		}
	}
	f.client = pricing.NewClient(s.logger.With().Str("family", f.manifest.Family).Logger(), lazies)
	return f.client, nil
}

func instances(lazies []*pricing.LazyInstance) ([]pricing.Instance, error) {
	out := make([]pricing.Instance, 0, len(lazies))
	for _, l := range lazies {
		inst, err := l.Instance()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

type instancesResponse struct {
	Family    string           `json:"family"`
	Scheme    string           `json:"scheme"`
	Total     int              `json:"total"`
	Complete  bool             `json:"complete"`
	Instances []map[string]any `json:"instances"`
}

func (s *server) handleInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("family")
	if name == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("family is required"))
		return
	}
	wait, _ := strconv.ParseBool(q.Get("wait"))

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	f, err := s.family(ctx, name)
	if err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}

	var records []pricing.Instance
	complete := true
	if wait {
		records, err = s.all(ctx, f)
	} else {
		records, complete, err = s.snapshot(f)
	}
	if err != nil {
		writeError(w, r, loadStatus(err), err)
		return
	}

	resp := instancesResponse{
		Family:    f.manifest.Family,
		Scheme:    f.manifest.Scheme,
		Total:     f.manifest.Records,
		Complete:  complete,
		Instances: make([]map[string]any, 0, len(records)),
	}
	for _, inst := range records {
		resp.Instances = append(resp.Instances, inst.Map())
	}
	writeJSON(w, r, http.StatusOK, resp)
}

type priceResponse struct {
	Family       string             `json:"family"`
	InstanceType string             `json:"instance_type"`
	Region       string             `json:"region"`
	Platform     string             `json:"platform,omitempty"`
	Currency     string             `json:"currency"`
	OnDemand     *float64           `json:"ondemand,omitempty"`
	Reserved     map[string]float64 `json:"reserved,omitempty"`
}

func (s *server) handlePrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name, instanceType, region := q.Get("family"), q.Get("instance_type"), q.Get("region")
	platform, term := q.Get("platform"), q.Get("term")
	if name == "" || instanceType == "" || region == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("family, instance_type and region are required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	f, err := s.family(ctx, name)
	if err != nil {
		writeError(w, r, statusOf(err), err)
		return
	}
	if f.codec.Scheme == pricing.SchemeFull && platform == "" {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("family %s needs a platform", name))
		return
	}
	client, err := s.pricingClient(ctx, f)
	if err != nil {
		writeError(w, r, loadStatus(err), err)
		return
	}

	resp := priceResponse{
		Family:       name,
		InstanceType: instanceType,
		Region:       region,
		Platform:     platform,
		Currency:     client.Currency(),
		Reserved:     map[string]float64{},
	}
	if term != "" {
		price, ok := client.ReservedPricePerHour(instanceType, region, platform, term)
		if !ok {
			writeError(w, r, http.StatusNotFound, fmt.Errorf("no %s price for %s in %s", term, instanceType, region))
			return
		}
		resp.Reserved[term] = price
		writeJSON(w, r, http.StatusOK, resp)
		return
	}

	price, ok := client.OnDemandPricePerHour(instanceType, region, platform)
	if ok {
		resp.OnDemand = &price
	}
	for _, t := range client.ReservedTerms(instanceType, region, platform) {
		if p, ok := client.ReservedPricePerHour(instanceType, region, platform, t); ok {
			resp.Reserved[t] = p
		}
	}
	if !ok && len(resp.Reserved) == 0 {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("no price for %s in %s", instanceType, region))
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, publish.ErrInvalidFamily):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// loadStatus maps a page load error. A page listed in a manifest but missing
// from the source is an upstream fault, not a missing family.
func loadStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Int("status", code).Msg("request failed")
	}
	writeJSON(w, r, code, map[string]string{"error": err.Error()})
}
