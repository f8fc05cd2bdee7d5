// Package counters implements the daemon's out-of-band metrics surface:
// a mutex-guarded group+metric map, mirrored into Prometheus and served
// over HTTP, with a durable on-disk snapshot surviving restarts.
package counters

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/buntdb"
	"github.com/tinylib/msgp/msgp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hundeboll/rlncd/internal/nlog"
)

// Counters is a group+metric counter map (key "<group> <metric>"),
// mirrored into a prometheus.CounterVec and a buntdb on-disk snapshot.
type Counters struct {
	mu     sync.Mutex
	values map[string]uint64

	registry *prometheus.Registry
	vec      *prometheus.CounterVec

	db   *buntdb.DB
	srv  *fasthttp.Server
	addr string
}

// New builds a Counters instance. dbPath may be empty, in which case the
// durable mirror is skipped (e.g. under test).
func New(addr, dbPath string) (*Counters, error) {
	vec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rlncd",
			Name:      "events_total",
			Help:      "RLNC overlay daemon event counters, by group and metric.",
		},
		[]string{"group", "metric"},
	)
	registry := prometheus.NewRegistry()
	if err := registry.Register(vec); err != nil {
		return nil, errors.Wrap(err, "counters: register prometheus vec")
	}

	c := &Counters{
		values:   make(map[string]uint64),
		registry: registry,
		vec:      vec,
		addr:     addr,
	}

	if dbPath != "" {
		db, err := buntdb.Open(dbPath)
		if err != nil {
			return nil, errors.Wrap(err, "counters: open buntdb")
		}
		c.db = db
	}

	return c, nil
}

// Increment is fire-and-forget: never blocks a data-path caller beyond a
// single short-held mutex. This is the innermost lock in the daemon and
// never calls back into another locked component.
func (c *Counters) Increment(group, metric string) {
	key := group + " " + metric
	c.mu.Lock()
	c.values[key]++
	c.mu.Unlock()
	c.vec.WithLabelValues(group, metric).Inc()
}

// Snapshot returns a point-in-time copy, used by the HTTP handler and by
// the final shutdown print.
func (c *Counters) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// persist writes the current snapshot into buntdb under one key per
// counter, each with no expiry. New does not read these keys back, so
// a restart starts counting from zero and the next persist overwrites
// the stored values with the new run's counts.
func (c *Counters) persist() error {
	if c.db == nil {
		return nil
	}
	snap := c.Snapshot()
	return c.db.Update(func(tx *buntdb.Tx) error {
		for k, v := range snap {
			if _, _, err := tx.Set(k, snapValue(v), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Serve runs the /metrics (Prometheus text) and /counters (msgpack
// snapshot) endpoints until ctx is canceled.
func (c *Counters) Serve(ctx context.Context) error {
	if c.addr == "" {
		return nil
	}

	mux := func(rctx *fasthttp.RequestCtx) {
		switch string(rctx.Path()) {
		case "/metrics":
			fasthttpadaptor.NewFastHTTPHandler(
				promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}),
			)(rctx)
		case "/counters":
			c.serveCountersSnapshot(rctx)
		default:
			rctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	c.srv = &fasthttp.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- c.srv.ListenAndServe(c.addr) }()

	select {
	case <-ctx.Done():
		_ = c.srv.Shutdown()
		return nil
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "counters: http server")
		}
		return nil
	}
}

func (c *Counters) serveCountersSnapshot(rctx *fasthttp.RequestCtx) {
	snap := c.Snapshot()

	var b []byte
	b = msgp.AppendMapHeader(b, uint32(len(snap)))
	for k, v := range snap {
		b = msgp.AppendString(b, k)
		b = msgp.AppendUint64(b, v)
	}

	rctx.SetContentType("application/msgpack")
	if _, err := rctx.Write(b); err != nil {
		nlog.Warningf("counters: write snapshot response: %v", err)
	}
}

// Close flushes the durable mirror and releases its handle.
func (c *Counters) Close() error {
	if err := c.persist(); err != nil {
		nlog.Warningf("counters: persist on close: %v", err)
	}
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func snapValue(v uint64) string {
	var b []byte
	b = msgp.AppendUint64(b, v)
	return string(b)
}
