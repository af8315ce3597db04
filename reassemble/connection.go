// Package reassemble adapts gopacket/reassembly-driven TCP stream
// reassembly (and direct UDP datagram delivery) to the dispatch package's
// Detector-agnostic entry points, implementing dispatch.Reassembler and
// owning the appstate.Flow/appstate.TcpSession pair for every connection it
// sees. It plays the role the teacher's pcap package's tcpStream/tcpFlow
// pair played, but hands reassembled bytes to dispatch.TCPDispatcher instead
// of picking a gnet.TCPParser directly.
package reassemble

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"
	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/dispatch"
	"github.com/kestrelnet/dpiflow/mempool"
	"github.com/kestrelnet/dpiflow/memview"
	"go.uber.org/zap"
)

// connection is one bidirectional TCP 5-tuple. It implements
// reassembly.Stream directly -- unlike the teacher's split tcpStream/tcpFlow
// pair, a single appstate.Flow/TcpSession already carries per-direction
// state, so there is no need for two separate per-direction objects.
type connection struct {
	flow    *appstate.Flow
	session *appstate.TcpSession

	dispatcher *dispatch.TCPDispatcher
	pool       mempool.BufferPool
	logger     *zap.Logger
	owner      *Reassembler

	established bool
	dirOf       map[reassembly.TCPFlowDirection]appstate.Direction

	// accumDetect holds the cumulative bytes seen so far in each direction
	// while that direction's own detection is still pending, mirroring
	// TCPInput.Bytes' documented pre-detection "cumulative buffer" contract
	// (dispatch/tcp.go). It is a zero-copy view over copies gopacket's
	// ScatterGather.Fetch already returns, so no extra pooling is needed here.
	accumDetect [2]memview.MemView
}

func newConnection(owner *Reassembler, netFlow, tcpFlow gopacket.Flow) *connection {
	flow := appstate.NewFlow(appstate.TransportTCP)
	session := appstate.NewTcpSession()
	flow.Session = session

	c := &connection{
		flow:       flow,
		session:    session,
		dispatcher: owner.dispatcher,
		pool:       owner.pool,
		logger:     owner.logger,
		owner:      owner,
	}
	owner.track(session, c)
	return c
}

// Accept implements reassembly.Stream. The reassembly library cannot
// guarantee it observed the SYN, so the stream is always force-started; the
// direction that sent the first packet this library ever hands us is
// labeled TOSERVER by convention (spec.md's TOSERVER/TOCLIENT distinction is
// about initiator vs. responder, which absent a SYN is simply "whoever we
// saw first").
func (c *connection) Accept(tcp *layers.TCP, _ gopacket.CaptureInfo,
	dir reassembly.TCPFlowDirection, _ reassembly.Sequence,
	start *bool, _ reassembly.AssemblerContext) bool {
	*start = true

	if !c.established {
		c.dirOf = map[reassembly.TCPFlowDirection]appstate.Direction{
			dir:           appstate.DirToServer,
			dir.Reverse(): appstate.DirToClient,
		}
		c.established = true
	}
	return true
}

func (c *connection) ReassembledSG(sg reassembly.ScatterGather, ac reassembly.AssemblerContext) {
	tcpDir, _, _, _ := sg.Info()
	c.reassembled(c.dirOf[tcpDir], sg, ac)
}

func (c *connection) ReassemblyComplete(_ reassembly.AssemblerContext) bool {
	c.flow.Lock()
	c.drainQueue(appstate.DirToServer)
	c.drainQueue(appstate.DirToClient)
	if err := c.dispatcher.Close(c.flow); err != nil {
		c.logger.Warn("parser close failed", zap.Error(err))
	}
	c.flow.Unlock()

	c.owner.untrack(c.session)
	return true
}

// reassembled implements the per-direction half of spec.md §4.4's caller
// contract: while detection is pending it grows accumDetect and also queues
// a StreamMsg (for the opposing-stream replay case), passing the cumulative
// view through; once detection has completed for this direction it forwards
// only the new chunk.
func (c *connection) reassembled(dir appstate.Direction, sg reassembly.ScatterGather, _ reassembly.AssemblerContext) {
	_, _, _, skip := sg.Info()
	bytesAvailable, _ := sg.Lengths()
	data := sg.Fetch(bytesAvailable)

	c.flow.Lock()
	defer c.flow.Unlock()

	thisSlot := c.flow.AlprotoForDir(dir)

	if c.session.Stream(dir).NoReassembly {
		// Case G already abandoned this direction: nothing more of it is
		// delivered to the dispatcher.
		return
	}

	if skip > 0 && *thisSlot == alproto.Unknown {
		// A gap arrived before this direction ever got a chance to detect
		// anything: Case G gives up on it permanently (spec.md §4.4).
		c.drainQueue(dir)
		c.accumDetect[dir] = memview.Empty()
		if err := c.dispatcher.Dispatch(dispatch.TCPInput{Flow: c.flow, Dir: dir, Gap: true}); err != nil {
			c.logger.Warn("gap dispatch failed", zap.Error(err))
		}
		return
	}

	if len(data) == 0 {
		return
	}

	wasUndetected := *thisSlot == alproto.Unknown

	var in dispatch.TCPInput
	if wasUndetected {
		c.accumDetect[dir].Append(memview.New(data))
		c.session.Enqueue(appstate.NewStreamMsg(c.pool, c.flow, dir, data))
		in = dispatch.TCPInput{Flow: c.flow, Dir: dir, Bytes: c.accumDetect[dir], Start: true}
	} else {
		in = dispatch.TCPInput{Flow: c.flow, Dir: dir, Bytes: memview.New(data)}
	}

	if err := c.dispatcher.Dispatch(in); err != nil {
		c.logger.Debug("dispatch returned an error", zap.Error(err), zap.String("dir", dir.String()))
	}

	if wasUndetected && *thisSlot != alproto.Unknown {
		// Detection resolved this round: the bytes just forwarded via Bytes
		// above already cover this direction's whole backlog, so the queued
		// copies are now redundant. Drop them without replaying them again.
		c.drainQueue(dir)
		c.accumDetect[dir] = memview.Empty()
	}
}

func (c *connection) drainQueue(dir appstate.Direction) {
	q := &c.session.Stream(dir).Queue
	for {
		msg := q.PopFront()
		if msg == nil {
			return
		}
		msg.ReturnToPool()
	}
}
