package reassemble

import (
	"sync"

	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/dispatch"
	"github.com/kestrelnet/dpiflow/mempool"
	"github.com/kestrelnet/dpiflow/memview"
	"go.uber.org/zap"
)

// Reassembler is the gopacket/reassembly-backed implementation of
// dispatch.Reassembler. One Reassembler is shared by every connection
// produced by its streamFactory; it tracks the live *connection for each
// *appstate.TcpSession so that the dispatch core's session-only interface
// can be satisfied without handing dispatch a transport-layer type.
type Reassembler struct {
	dispatcher *dispatch.TCPDispatcher
	pool       mempool.BufferPool
	logger     *zap.Logger
	inline     bool

	mu    sync.Mutex
	byLoc map[*appstate.TcpSession]*connection
}

// Config configures a Reassembler and its streamFactory.
type Config struct {
	Pool   mempool.BufferPool
	Logger *zap.Logger
	Inline bool
}

// New builds a Reassembler. dispatch.TCPDispatcher and Reassembler need
// each other (NewTCPDispatcher takes a Reassembler; every *connection this
// Reassembler's streamFactory produces needs a *dispatch.TCPDispatcher to
// hand reassembled bytes to), so construction happens in two steps: build
// the Reassembler first, pass it to dispatch.NewTCPDispatcher, then call
// Bind with the result before any packets arrive.
func New(cfg Config) *Reassembler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Reassembler{
		pool:   cfg.Pool,
		logger: cfg.Logger,
		inline: cfg.Inline,
		byLoc:  make(map[*appstate.TcpSession]*connection),
	}
}

// Bind attaches the TCPDispatcher that was constructed with this
// Reassembler. Must be called before Capture.Run or any streamFactory use.
func (r *Reassembler) Bind(dispatcher *dispatch.TCPDispatcher) {
	r.dispatcher = dispatcher
}

func (r *Reassembler) track(session *appstate.TcpSession, c *connection) {
	r.mu.Lock()
	r.byLoc[session] = c
	r.mu.Unlock()
}

func (r *Reassembler) untrack(session *appstate.TcpSession) {
	r.mu.Lock()
	delete(r.byLoc, session)
	r.mu.Unlock()
}

func (r *Reassembler) lookup(session *appstate.TcpSession) *connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byLoc[session]
}

// ReassembleAppLayer implements dispatch.Reassembler: drain dir's queued
// backlog, replaying each chunk through TCPDispatcher.Dispatch so the
// now-detected protocol's parser sees everything buffered while detection
// on the OTHER direction was still pending (spec.md §4.4 Case S.c).
func (r *Reassembler) ReassembleAppLayer(session *appstate.TcpSession, dir appstate.Direction) error {
	conn := r.lookup(session)
	if conn == nil {
		return nil
	}

	stream := session.Stream(dir)
	for {
		msg := stream.Queue.PopFront()
		if msg == nil {
			break
		}
		payload := msg.Payload()
		// Start is set on every replayed chunk, not just the first: each one
		// must re-enter caseStreamStart so the direction-of-first-data checks
		// re-run against whatever the OTHER direction settled on in the
		// meantime, mirroring the original's replay-then-recurse instead of
		// falling through to the steady-state parser path (spec.md §4.4 Case
		// S.c).
		err := conn.dispatcher.Dispatch(dispatch.TCPInput{Flow: conn.flow, Dir: dir, Bytes: payload, Start: true})
		msg.ReturnToPool()
		if err != nil {
			return err
		}
	}
	conn.accumDetect[dir] = memview.Empty()
	return nil
}

// ReassembleAppLayerInline is the inline-mode variant (spec.md §9). This
// reassembler buffers identically in both modes (StreamMessageQueue holds
// whatever arrived before detection regardless of inline/non-inline), so
// there is no separate wire-order fast path to take here; it replays the
// same backlog ReassembleAppLayer would.
func (r *Reassembler) ReassembleAppLayerInline(session *appstate.TcpSession, dir appstate.Direction) error {
	return r.ReassembleAppLayer(session, dir)
}

func (r *Reassembler) InlineMode() bool { return r.inline }

// SetSessionNoReassembly implements dispatch.Reassembler: marks dir as
// abandoned (Case G) and releases its queued backlog. connection.reassembled
// checks the flag and delivers no further segments of dir to Dispatch.
func (r *Reassembler) SetSessionNoReassembly(session *appstate.TcpSession, dir appstate.Direction) {
	stream := session.Stream(dir)
	stream.NoReassembly = true
	for {
		msg := stream.Queue.PopFront()
		if msg == nil {
			break
		}
		msg.ReturnToPool()
	}
}
