// Package daemon wires every other package into the running process:
// opening the netlink socket, constructing IoMux and both pools,
// starting the metrics server, and supervising the whole goroutine set
// until SIGINT/SIGTERM, at which point it drains, joins, prints the
// accumulated counter map, and exits.
package daemon

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	shortid "github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"

	"github.com/hundeboll/rlncd/internal/config"
	"github.com/hundeboll/rlncd/internal/counters"
	"github.com/hundeboll/rlncd/internal/decoderpool"
	"github.com/hundeboll/rlncd/internal/encoderpool"
	"github.com/hundeboll/rlncd/internal/iomux"
	"github.com/hundeboll/rlncd/internal/netlink"
	"github.com/hundeboll/rlncd/internal/nlog"
	"github.com/hundeboll/rlncd/internal/rtt"
)

// Daemon owns every long-lived component for one run of the process.
type Daemon struct {
	cfg      *config.Config
	runID    string
	sock     *netlink.Socket
	mux      *iomux.IoMux
	encoders *encoderpool.EncoderPool
	decoders *decoderpool.DecoderPool
	counters *counters.Counters
}

// New opens the netlink socket and builds every component. It does not
// start the IoMux reader/writer or the metrics server; call Run to do
// that. Building the encoder pool already starts its housekeeping ticker
// and the worker of its first encoder.
func New(cfg *config.Config) (*Daemon, error) {
	nlog.SetVerbosity(cfg.Verbosity)

	runID, err := shortid.Generate()
	if err != nil {
		runID = "unknown"
	}
	nlog.Infof("daemon: starting (run=%s, interface=%s, symbols=%d, symbol_size=%d)",
		runID, cfg.Interface, cfg.Symbols, cfg.SymbolSize)

	sock, err := netlink.Open()
	if err != nil {
		return nil, errors.Wrap(err, "daemon: open netlink socket")
	}

	cnt, err := counters.New(cfg.MetricsAddr, cfg.CountersDBPath)
	if err != nil {
		sock.Close()
		return nil, errors.Wrap(err, "daemon: init counters")
	}

	mux := iomux.New(cfg, sock)
	rttInitial := (cfg.ReqTimeout + cfg.AckTimeout) / 2
	rttSet := rtt.NewSet(rttInitial)

	encPool := encoderpool.New(cfg, mux, cnt)
	decPool := decoderpool.New(cfg, mux, rttSet, cnt)
	mux.SetPools(encPool, decPool)

	return &Daemon{
		cfg:      cfg,
		runID:    runID,
		sock:     sock,
		mux:      mux,
		encoders: encPool,
		decoders: decPool,
		counters: cnt,
	}, nil
}

// Run starts every goroutine, registers with the kernel, and blocks
// until ctx is canceled or SIGINT/SIGTERM arrives. It always returns
// nil on a clean shutdown; errgroup propagates the first fatal error
// from any supervised goroutine instead.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	d.mux.Start(gctx)
	d.mux.Register()

	g.Go(func() error {
		return d.counters.Serve(gctx)
	})

	<-gctx.Done()
	nlog.Infoln("daemon: shutting down (run=" + d.runID + ")")

	d.shutdown()

	return g.Wait()
}

func (d *Daemon) shutdown() {
	d.encoders.Stop()
	d.decoders.Stop()
	d.mux.Stop()

	snap := d.counters.Snapshot()
	for k, v := range snap {
		nlog.Infof("counter: %s = %d", k, v)
	}
	if err := d.counters.Close(); err != nil {
		nlog.Warningf("daemon: close counters: %v", err)
	}

	nlog.Flush()
}

// RunStandalone is the convenience entrypoint cmd/rlncd/main.go calls:
// build, run until signaled, and report a process exit code.
func RunStandalone(cfg *config.Config) int {
	d, err := New(cfg)
	if err != nil {
		nlog.Errorf("daemon: %v", err)
		return 1
	}

	if err := d.Run(context.Background()); err != nil {
		nlog.Errorf("daemon: %v", err)
		return 1
	}
	return 0
}
