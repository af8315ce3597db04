package dispatch

import "github.com/kestrelnet/dpiflow/appstate"

// Reassembler is the injected reassembly dependency (spec.md §6). Package
// reassemble provides the gopacket/reassembly-backed implementation; this
// interface is declared here so the dispatch core has no import-time
// dependency on that transport machinery, only on the contract it needs.
type Reassembler interface {
	// ReassembleAppLayer replays whatever of the opposing stream's buffered
	// bytes are available, feeding them back through TCPDispatcher.Dispatch.
	// Used only by Case S.c's single opposing-stream replay.
	ReassembleAppLayer(session *appstate.TcpSession, dir appstate.Direction) error

	// ReassembleAppLayerInline is the inline-mode variant. It takes the same
	// explicit dir as ReassembleAppLayer: replay passes the opposing
	// direction to both, so no polarity flip happens here.
	ReassembleAppLayerInline(session *appstate.TcpSession, dir appstate.Direction) error

	InlineMode() bool

	SetSessionNoReassembly(session *appstate.TcpSession, dir appstate.Direction)
}

// replay invokes the inline or non-inline reassembly entry point depending
// on the reassembler's mode, implementing the "Replay opposing stream" step
// of spec.md §4.4 Case S.c.
func replay(r Reassembler, session *appstate.TcpSession, dir appstate.Direction) error {
	if r.InlineMode() {
		return r.ReassembleAppLayerInline(session, dir)
	}
	return r.ReassembleAppLayer(session, dir)
}
