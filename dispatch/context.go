package dispatch

import (
	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/l7parser"
	"github.com/kestrelnet/dpiflow/protodetect"
	"go.uber.org/zap"
)

// ThreadContext bundles the per-worker handles the dispatch core needs: a
// Detector and a ParserTable. Unlike the original's per-thread detector/
// parser contexts, ProbeDetector and ParserTable carry no mutable state of
// their own -- every ThreadContext created from the same Engine holds the
// same *ProbeDetector/*ParserTable references (SPEC_FULL.md §4.1). What
// stays genuinely per-call is the Flow each Dispatch is invoked with, guarded
// by the flow's own lock.
type ThreadContext struct {
	Detector Detector
	Parser   *ParserTable
	Logger   *zap.Logger
}

// NewThreadContext attaches a ThreadContext to the process-wide Engine. It
// returns ErrNoContext only when e (or a field Setup populates) is nil --
// NewThreadContext called ahead of Setup -- never as a resource-acquisition
// failure, since there is no per-thread resource to acquire (SPEC_FULL.md
// §4.1).
func NewThreadContext(e *Engine) (*ThreadContext, error) {
	if e == nil || e.detector == nil || e.parsers == nil {
		return nil, ErrNoContext
	}

	logger := e.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ThreadContext{
		Detector: e.detector,
		Parser:   e.parsers,
		Logger:   logger,
	}, nil
}

// Destroy drops this ThreadContext's references to the shared Engine state.
// There is nothing else to release: Detector and Parser are shared, stateless
// singletons, not per-thread OS resources.
func (c *ThreadContext) Destroy() {
	if c == nil {
		return
	}
	c.Detector = nil
	c.Parser = nil
}

// Engine is the process-wide, one-time-initialized state Setup populates:
// the protocol registry, the detector's probe table, and the parser table.
// Every ThreadContext acquires its handles from the same Engine.
type Engine struct {
	Registry *alproto.Registry
	detector *ProbeDetector
	parsers  *ParserTable
	logger   *zap.Logger
	inline   bool
}
