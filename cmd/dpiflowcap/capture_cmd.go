package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/kestrelnet/dpiflow/dispatch"
	"github.com/kestrelnet/dpiflow/export"
	"github.com/kestrelnet/dpiflow/mempool"
	"github.com/kestrelnet/dpiflow/pcap"
	"github.com/kestrelnet/dpiflow/reassemble"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// defaultBufferPoolBytes/defaultBufferChunkBytes size each worker's
// mempool.BufferPool, independent of the one dispatch.Setup builds
// internally for parser-owned copies -- this one backs the reassembly
// queue's opposing-direction replay buffer (appstate.StreamMsg).
const (
	defaultBufferPoolBytes  int64 = 64 * 1024 * 1024
	defaultBufferChunkBytes int64 = 4096
)

type captureOptions struct {
	readName string
	iface    string
	bpf      string

	enableHTTP bool
	enableTLS  bool
	enableSSH  bool
	enableFTP  bool
	inline     bool

	workers int
	harOut  string

	flushTimeoutSec int64
	closeTimeoutSec int64

	debug bool
}

var captureOpts captureOptions

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Replay a pcap file or live interface through the dispatch core",
	RunE:  runCapture,
}

func runCapture(cmd *cobra.Command, args []string) error {
	if (captureOpts.readName == "") == (captureOpts.iface == "") {
		return errors.New("exactly one of --read or --iface must be set")
	}
	if captureOpts.workers < 1 {
		return errors.New("--workers must be at least 1")
	}

	logger, err := newLogger(captureOpts.debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var harSink *export.HARSink
	var outputSink dispatch.OutputSink
	if captureOpts.harOut != "" {
		harSink = export.NewHARSink()
		outputSink = harSink
	}

	engine, err := dispatch.Setup(dispatch.Config{
		Logger:     logger,
		Inline:     captureOpts.inline,
		EnableHTTP: captureOpts.enableHTTP,
		EnableTLS:  captureOpts.enableTLS,
		EnableSSH:  captureOpts.enableSSH,
		EnableFTP:  captureOpts.enableFTP,
		OutputSink: outputSink,
	})
	if err != nil {
		return err
	}

	opts := pcap.NewOptions()
	if captureOpts.readName != "" {
		opts.Live = false
		opts.ReadName = captureOpts.readName
	} else {
		opts.Live = true
		opts.ReadName = captureOpts.iface
	}
	opts.BPFilter = captureOpts.bpf
	if captureOpts.flushTimeoutSec > 0 {
		opts.StreamFlushTimeout = captureOpts.flushTimeoutSec
	}
	if captureOpts.closeTimeoutSec > 0 {
		opts.StreamCloseTimeout = captureOpts.closeTimeoutSec
	}

	var reader pcap.PcapReader
	if opts.Live {
		reader = pcap.NewDeviceReader(opts.ReadName, opts.BPFilter)
	} else {
		reader = pcap.NewFileReader(opts.ReadName, opts.BPFilter)
	}

	runner, err := buildRunner(engine, reader, opts, captureOpts.workers, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	runErr := runner(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("capture ended with an error", zap.Error(runErr))
	}

	if harSink != nil {
		f, err := os.Create(captureOpts.harOut)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := harSink.Flush(f); err != nil {
			return err
		}
		logger.Info("wrote HAR log", zap.String("path", captureOpts.harOut))
	}

	return nil
}

// buildRunner wires one worker per requested shard: each gets its own
// dispatch.ThreadContext (never shared, spec.md §5), its own TCPDispatcher +
// Reassembler pair bound via the Reassembler.New/Bind split, and its own
// UDPDispatcher. A single worker runs through reassemble.Capture directly;
// more than one runs through reassemble.Pipeline, which hashes flows across
// shards by 5-tuple.
func buildRunner(engine *dispatch.Engine, reader pcap.PcapReader, opts pcap.Options,
	workers int, logger *zap.Logger) (func(context.Context) error, error) {

	pool, err := newWorkerPool(engine, logger, workers)
	if err != nil {
		return nil, err
	}

	if workers == 1 {
		capture := reassemble.NewCapture(reader, opts, pool[0].udp, pool[0].reassembler, logger)
		return capture.Run, nil
	}

	shards := make([]*reassemble.Shard, len(pool))
	for i, w := range pool {
		shards[i] = reassemble.NewShard(w.reassembler, w.udp)
	}
	pipeline := reassemble.NewPipeline(reader, opts, shards, logger)
	return pipeline.Run, nil
}

type worker struct {
	reassembler *reassemble.Reassembler
	udp         *dispatch.UDPDispatcher
}

func newWorkerPool(engine *dispatch.Engine, logger *zap.Logger, n int) ([]*worker, error) {
	pool := make([]*worker, 0, n)
	for i := 0; i < n; i++ {
		tctx, err := dispatch.NewThreadContext(engine)
		if err != nil {
			return nil, err
		}

		bufPool, err := mempool.MakeBufferPool(defaultBufferPoolBytes, defaultBufferChunkBytes)
		if err != nil {
			return nil, err
		}

		r := reassemble.New(reassemble.Config{Pool: bufPool, Logger: logger, Inline: captureOpts.inline})
		tcp := dispatch.NewTCPDispatcher(tctx, r, nil)
		r.Bind(tcp)
		udp := dispatch.NewUDPDispatcher(tctx)

		pool = append(pool, &worker{reassembler: r, udp: udp})
	}
	return pool, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
