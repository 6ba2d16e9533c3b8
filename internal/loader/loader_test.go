package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/rainbow-pricing/internal/compress"
	"github.com/rshade/rainbow-pricing/internal/pricing"
	"github.com/rshade/rainbow-pricing/internal/stream"
	"github.com/rshade/rainbow-pricing/internal/transport"
)

func instances(prefix string, n int) []pricing.Instance {
	out := make([]pricing.Instance, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, pricing.Instance{
			Attributes: map[string]any{"instance_type": fmt.Sprintf("%s%d.large", prefix, i)},
			Pricing: pricing.PricingTree{
				"us-east-1": {"linux": {OnDemand: fmt.Sprintf("0.%03d", i)}},
			},
		})
	}
	return out
}

func resource(t *testing.T, name string, in []pricing.Instance) []byte {
	t.Helper()
	batch, err := pricing.NewBatch(pricing.DefaultCodec(), in)
	require.NoError(t, err)
	data, err := pricing.MarshalBatch(batch)
	require.NoError(t, err)

	var out bytes.Buffer
	w, err := compress.NewWriter(name, &out)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return out.Bytes()
}

// gatedSource counts opens and holds each body until the gate is opened.
type gatedSource struct {
	inner *transport.MemorySource
	gate  chan struct{}
	opens atomic.Int32
}

func newGatedSource(files map[string][]byte) *gatedSource {
	return &gatedSource{inner: transport.NewMemorySource(files), gate: make(chan struct{})}
}

func (g *gatedSource) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	g.opens.Add(1)
	rc, err := g.inner.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &gatedReader{ReadCloser: rc, gate: g.gate, ctx: ctx}, nil
}

type gatedReader struct {
	io.ReadCloser
	gate chan struct{}
	ctx  context.Context
}

func (r *gatedReader) Read(p []byte) (int, error) {
	select {
	case <-r.gate:
		return r.ReadCloser.Read(p)
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	}
}

func newLoader(t *testing.T, src transport.Source, size int) (*Loader, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	l, err := New(Config{
		Source:     src,
		Codec:      pricing.DefaultCodec(),
		CacheSize:  size,
		Logger:     zerolog.Nop(),
		Registerer: reg,
		StreamOptions: []stream.Option{
			stream.WithBatchSize(10),
		},
	})
	require.NoError(t, err)
	return l, reg
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_RequiresSource(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	in := instances("m", 35)
	src := transport.NewMemorySource(map[string][]byte{"ec2.msgpack.xz": resource(t, "ec2.msgpack.xz", in)})
	l, _ := newLoader(t, src, 4)

	got, err := l.Fetch(waitCtx(t), "ec2.msgpack.xz")
	require.NoError(t, err)
	assert.Equal(t, in, got)
	assert.True(t, l.Cached("ec2.msgpack.xz"))

	assert.Equal(t, float64(1), testutil.ToFloat64(l.metrics.loads.WithLabelValues(resultOK)))
	assert.Equal(t, float64(35), testutil.ToFloat64(l.metrics.records))
	assert.Positive(t, testutil.ToFloat64(l.metrics.bytes))
	assert.Zero(t, testutil.ToFloat64(l.metrics.inflight))

	again, err := l.Fetch(waitCtx(t), "ec2.msgpack.xz")
	require.NoError(t, err)
	assert.Equal(t, in, again)
	assert.Equal(t, float64(1), testutil.ToFloat64(l.metrics.cacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(l.metrics.loads.WithLabelValues(resultOK)))
}

func TestFetch_NotFound(t *testing.T) {
	l, _ := newLoader(t, transport.NewMemorySource(nil), 4)

	got, err := l.Fetch(waitCtx(t), "ec2-instances-p3.msgpack.xz")
	require.Error(t, err)
	assert.Empty(t, got)
	assert.ErrorIs(t, err, transport.ErrNotFound)
	assert.Contains(t, err.Error(), "ec2-instances-p3.msgpack.xz")
	assert.False(t, l.Cached("ec2-instances-p3.msgpack.xz"), "failures are never cached")
	assert.Equal(t, float64(1), testutil.ToFloat64(l.metrics.loads.WithLabelValues(resultError)))
}

func TestLoad_InitialThenStreamed(t *testing.T) {
	initial := instances("first", 3)
	rest := instances("m", 25)
	src := newGatedSource(map[string][]byte{"p1.msgpack.zst": resource(t, "p1.msgpack.zst", rest)})
	l, _ := newLoader(t, src, 4)

	c := l.Load(waitCtx(t), "p1.msgpack.zst", initial)
	defer c.Close()

	assert.Equal(t, initial, c.Records())
	assert.NoError(t, c.Err())
	changed := c.Changed()
	select {
	case <-c.Done():
		t.Fatal("load finished before the source was readable")
	default:
	}

	close(src.gate)
	select {
	case <-changed:
	case <-time.After(10 * time.Second):
		t.Fatal("no change notification")
	}

	got, err := c.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, append(append([]pricing.Instance{}, initial...), rest...), got)

	// a done collection reports every change channel as closed
	select {
	case <-c.Changed():
	default:
		t.Fatal("changed channel of a done collection must be closed")
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	l, _ := newLoader(t, transport.NewMemorySource(nil), 4)
	initial := instances("first", 2)

	c := l.Load(context.Background(), "", initial)
	defer c.Close()

	select {
	case <-c.Done():
	default:
		t.Fatal("inline-only collection must be done")
	}
	assert.Equal(t, initial, c.Records())
	assert.NoError(t, c.Err())
}

func TestLoad_DeduplicatesInFlight(t *testing.T) {
	in := instances("c", 12)
	src := newGatedSource(map[string][]byte{"c.msgpack": resource(t, "c.msgpack", in)})
	l, _ := newLoader(t, src, 4)

	a := l.Load(waitCtx(t), "c.msgpack", nil)
	defer a.Close()
	b := l.Load(waitCtx(t), "c.msgpack", instances("x", 1))
	defer b.Close()

	close(src.gate)
	gotA, err := a.Wait(waitCtx(t))
	require.NoError(t, err)
	gotB, err := b.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, in, gotA)
	assert.Equal(t, in, gotB[1:])
	assert.Equal(t, int32(1), src.opens.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(l.metrics.joins))
}

func TestLoad_AbandonedLoadIsCancelled(t *testing.T) {
	in := instances("c", 12)
	src := newGatedSource(map[string][]byte{"c.msgpack": resource(t, "c.msgpack", in)})
	l, _ := newLoader(t, src, 4)

	a := l.Load(context.Background(), "c.msgpack", nil)
	b := l.Load(context.Background(), "c.msgpack", nil)
	a.Close()

	select {
	case <-b.Done():
		t.Fatal("load cancelled while a subscriber remains")
	case <-time.After(20 * time.Millisecond):
	}

	b.Close()
	select {
	case <-b.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("abandoned load was not cancelled")
	}
	assert.ErrorIs(t, b.Err(), context.Canceled)
	assert.False(t, l.Cached("c.msgpack"))

	// a later request starts over
	close(src.gate)
	got, err := l.Fetch(waitCtx(t), "c.msgpack")
	require.NoError(t, err)
	assert.Equal(t, in, got)
	assert.Equal(t, int32(2), src.opens.Load())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(l.metrics.loads.WithLabelValues(resultCancelled)) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoad_ContextClosesCollection(t *testing.T) {
	src := newGatedSource(map[string][]byte{"c.msgpack": resource(t, "c.msgpack", instances("c", 3))})
	l, _ := newLoader(t, src, 4)

	ctx, cancel := context.WithCancel(context.Background())
	c := l.Load(ctx, "c.msgpack", nil)
	cancel()

	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("cancelling the request context did not release the load")
	}
	assert.ErrorIs(t, c.Err(), context.Canceled)
}

func TestLoad_CancelledContext(t *testing.T) {
	src := newGatedSource(map[string][]byte{"c.msgpack": resource(t, "c.msgpack", instances("c", 3))})
	l, _ := newLoader(t, src, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 200; i++ {
		c := l.Load(ctx, "c.msgpack", nil)
		select {
		case <-c.Done():
		case <-time.After(10 * time.Second):
			t.Fatal("a load requested with a cancelled context was not released")
		}
		assert.ErrorIs(t, c.Err(), context.Canceled)
		c.Close()
	}
	assert.False(t, l.Cached("c.msgpack"))
}

func TestLoad_ConcurrentCancel(t *testing.T) {
	src := newGatedSource(map[string][]byte{"c.msgpack": resource(t, "c.msgpack", instances("c", 3))})
	l, _ := newLoader(t, src, 4)

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go cancel()
		c := l.Load(ctx, "c.msgpack", nil)
		select {
		case <-c.Done():
		case <-time.After(10 * time.Second):
			t.Fatal("cancelling the context did not release the load")
		}
		c.Close()
	}
}

func TestLoader_CacheIsBounded(t *testing.T) {
	src := transport.NewMemorySource(map[string][]byte{
		"a.msgpack": resource(t, "a.msgpack", instances("a", 2)),
		"b.msgpack": resource(t, "b.msgpack", instances("b", 2)),
	})
	l, _ := newLoader(t, src, 1)

	_, err := l.Fetch(waitCtx(t), "a.msgpack")
	require.NoError(t, err)
	_, err = l.Fetch(waitCtx(t), "b.msgpack")
	require.NoError(t, err)

	assert.False(t, l.Cached("a.msgpack"))
	assert.True(t, l.Cached("b.msgpack"))

	l.Forget("b.msgpack")
	assert.False(t, l.Cached("b.msgpack"))
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(Config{Source: transport.NewMemorySource(nil), Registerer: reg})
	require.NoError(t, err)
	_, err = New(Config{Source: transport.NewMemorySource(nil), Registerer: reg})
	assert.Error(t, err)
}
