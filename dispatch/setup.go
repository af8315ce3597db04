package dispatch

import (
	"sync"

	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/l7parser"
	"github.com/kestrelnet/dpiflow/mempool"
	"github.com/kestrelnet/dpiflow/protodetect"
	"go.uber.org/zap"
)

// Config controls what Setup wires together. The zero value registers no
// protocols, which is valid but useless; callers (typically cmd/dpiflowcap)
// populate it from CLI flags.
type Config struct {
	Logger *zap.Logger
	Inline bool

	// EnableHTTP/EnableTLS/EnableSSH/EnableFTP gate which built-in
	// protocol probes + parsers get registered. All default to false so a
	// caller opts in explicitly.
	EnableHTTP bool
	EnableTLS  bool
	EnableSSH  bool
	EnableFTP  bool

	// BufferPoolBytes/BufferChunkBytes size the mempool.BufferPool backing
	// parser-owned payload copies; only the HTTP parser factory uses it.
	BufferPoolBytes  int64
	BufferChunkBytes int64

	// OutputSink, if set, receives completed parser output (e.g. HTTP
	// request/response pairs) as ParserTable.Parse produces it. nil is
	// valid: output is simply dropped, which is fine for detection-only
	// runs.
	OutputSink OutputSink
}

func (c Config) withDefaults() Config {
	if c.BufferPoolBytes == 0 {
		c.BufferPoolBytes = 64 * 1024 * 1024
	}
	if c.BufferChunkBytes == 0 {
		c.BufferChunkBytes = 4096
	}
	return c
}

var (
	setupOnce   sync.Once
	setupEngine *Engine
	setupErr    error
)

// Setup implements setup(): it initializes the detector and parser
// subsystems, registers the protocol-parser table, and primes the
// detector's internal state (spec.md §4.2). It is idempotent: the first
// call performs initialization and every subsequent call returns the same
// Engine, regardless of the Config passed — calling Setup a second time
// with a different Config is a caller error the core does not attempt to
// detect, matching the "undefined, but must not corrupt state" contract.
func Setup(cfg Config) (*Engine, error) {
	setupOnce.Do(func() {
		setupEngine, setupErr = buildEngine(cfg.withDefaults())
	})
	return setupEngine, setupErr
}

func buildEngine(cfg Config) (*Engine, error) {
	reg := alproto.NewRegistry()

	pool, err := mempool.MakeBufferPool(cfg.BufferPoolBytes, cfg.BufferChunkBytes)
	if err != nil {
		return nil, err
	}

	var probes []protodetect.Probe
	parserReg := l7parser.NewRegistry()

	if cfg.EnableHTTP {
		httpProto := reg.Register("http")
		probes = append(probes, protodetect.NewHTTPRequestProbe(httpProto), protodetect.NewHTTPResponseProbe(httpProto))
		parserReg.Register(l7parser.NewHTTPFactory(httpProto, pool))
	}
	if cfg.EnableTLS {
		tlsProto := reg.Register("tls")
		probes = append(probes, protodetect.NewTLSClientHelloProbe(tlsProto), protodetect.NewTLSServerHelloProbe(tlsProto))
	}
	if cfg.EnableSSH {
		sshProto := reg.Register("ssh")
		probes = append(probes, protodetect.NewSSHBannerProbe(sshProto))
	}
	if cfg.EnableFTP {
		ftpProto := reg.Register("ftp")
		probes = append(probes, protodetect.NewFTPControlProbe(ftpProto))
	}

	inner := protodetect.NewDetector(reg, probes...)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		Registry: reg,
		detector: NewProbeDetector(reg, inner),
		parsers:  NewParserTable(parserReg, cfg.OutputSink),
		logger:   logger,
		inline:   cfg.Inline,
	}, nil
}

// resetForTest clears Setup's memoized state so tests can exercise Setup's
// idempotency and Config variations in isolation. Not exported: production
// callers must never un-initialize a live Engine.
func resetForTest() {
	setupOnce = sync.Once{}
	setupEngine = nil
	setupErr = nil
}
