package dispatch

import (
	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/gnet"
	"github.com/kestrelnet/dpiflow/l7parser"
	"github.com/kestrelnet/dpiflow/memview"
)

// OutputSink receives completed protocol messages (an HTTP request/response
// pair, a TLS handshake, ...) as parsers finish producing them. export.HARSink
// is the one implementation so far.
type OutputSink interface {
	Consume(gnet.NetTraffic) error
}

// outputtingParser is satisfied by parser implementations that buffer
// finished messages on a channel instead of returning them from Parse
// directly -- currently just the HTTP/1.x parser (l7parser.httpParser).
type outputtingParser interface {
	l7parser.Parser
	Output() <-chan gnet.NetTraffic
}

// ParserTable is the injected parser dependency (spec.md §6, "Parser"). It
// wraps an l7parser.Registry, lazily instantiating one l7parser.Parser per
// flow the first time a protocol is attached to it and caching it on
// Flow.AppState.
type ParserTable struct {
	registry *l7parser.Registry
	sink     OutputSink
}

func NewParserTable(reg *l7parser.Registry, sink OutputSink) *ParserTable {
	return &ParserTable{registry: reg, sink: sink}
}

// FirstDataDir implements parser_first_data_dir.
func (t *ParserTable) FirstDataDir(proto alproto.AppProto) appstate.DirMask {
	f, ok := t.registry.Factory(proto)
	if !ok {
		return appstate.MaskNone
	}
	return f.FirstDataDir()
}

// Parse implements parse(handle, flow, proto, dir_flags, bytes, len). The
// parser instance for (flow, proto) is created on first use and reused for
// the lifetime of the flow, mirroring AppLayerParserStateAlloc only running
// once per flow in the original source.
func (t *ParserTable) Parse(flow *appstate.Flow, proto alproto.AppProto, dir appstate.Direction, bytes memview.MemView) error {
	if bytes.Len() == 0 {
		return nil
	}

	factory, ok := t.registry.Factory(proto)
	if !ok {
		// Detection-only protocol: no l7parser.Factory is registered for it.
		// This is not a parser error (spec.md §7 only propagates actual
		// parser return codes); there is simply nothing downstream to feed.
		return nil
	}

	parser, ok := flow.AppState.(l7parser.Parser)
	if !ok {
		parser = factory.CreateParser(flow.ID)
		flow.AppState = parser
	}

	_, err := parser.Parse(dir, bytes, false)
	t.drain(parser)
	return err
}

// Close releases the flow's parser instance, if one was ever created. Safe
// to call on a flow whose protocol was never detected or whose AppState
// holds no parser.
func (t *ParserTable) Close(flow *appstate.Flow) error {
	parser, ok := flow.AppState.(l7parser.Parser)
	if !ok {
		return nil
	}
	return parser.Close()
}

// drain forwards whatever the parser finished producing during the Parse
// call above to the configured OutputSink, non-blockingly: the channel is
// buffered per-message by the parser itself (e.g. httpFactory.CreateParser),
// so a full drain here never waits on a producer.
func (t *ParserTable) drain(parser l7parser.Parser) {
	if t.sink == nil {
		return
	}
	op, ok := parser.(outputtingParser)
	if !ok {
		return
	}
	for {
		select {
		case traffic := <-op.Output():
			if err := t.sink.Consume(traffic); err != nil {
				return
			}
		default:
			return
		}
	}
}
