// Package l7parser implements the application-layer parsers that
// dispatch.TCPDispatcher and dispatch.UDPDispatcher hand payload to once a
// protocol has been detected (spec.md §4, the "AppLayerParserParse" half of
// the pipeline). Detection itself lives in package protodetect.
package l7parser

import (
	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/gid"
	"github.com/kestrelnet/dpiflow/memview"
)

// Parser consumes reassembled payload for one flow, one direction at a time,
// and produces ParsedNetworkContent as it completes logical protocol
// messages (an HTTP request, a TLS handshake, ...). A Parser instance is
// owned by exactly one Flow for its lifetime; dispatch.TCPDispatcher creates
// one via Factory.CreateParser the moment a protocol is first detected on
// that flow (spec.md §4.4 Case S.b2/S.d).
type Parser interface {
	Name() string

	// Parse consumes as much of input as it can without blocking on more
	// data, returning the number of bytes consumed. isEnd signals the
	// stream closed (FIN/RST) with input as the last available bytes, so
	// the parser should flush whatever partial message it is holding.
	Parse(dir appstate.Direction, input memview.MemView, isEnd bool) (consumed int64, err error)

	// Close releases any resources the parser is holding that outlive a
	// single Parse call -- for l7parser's io.Pipe-backed parsers, the
	// goroutine blocked reading the other end. Called once, when the flow is
	// torn down; a Parser that never started such a resource is a no-op.
	Close() error
}

// Factory constructs Parser instances for one AppProto. FirstDataDir
// expresses a parser-level requirement analogous to Probe.FirstDataDir: some
// protocols (HTTP/1.x) are only well-formed if their first bytes are
// toserver, and dispatch.TCPDispatcher checks this against
// TcpSession.DataFirstSeenDir to raise WRONG_DIRECTION_FIRST_DATA (spec.md
// §4.4, §7).
type Factory interface {
	Proto() alproto.AppProto
	FirstDataDir() appstate.DirMask
	CreateParser(flow gid.FlowID) Parser
}

// Registry maps a detected AppProto to the Factory that can parse it,
// mirroring AppLayerParserGetParserState's proto-to-parser-table lookup.
type Registry struct {
	byProto map[alproto.AppProto]Factory
}

func NewRegistry() *Registry {
	return &Registry{byProto: make(map[alproto.AppProto]Factory)}
}

func (r *Registry) Register(f Factory) {
	r.byProto[f.Proto()] = f
}

func (r *Registry) Factory(p alproto.AppProto) (Factory, bool) {
	f, ok := r.byProto[p]
	return f, ok
}
