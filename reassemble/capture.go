package reassemble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/dispatch"
	"github.com/kestrelnet/dpiflow/memview"
	"github.com/kestrelnet/dpiflow/pcap"
	"go.uber.org/zap"
)

// Capture drives packets from a pcap.PcapReader into the dispatch core: TCP
// goes through gopacket/reassembly and this package's connection/
// streamFactory/Reassembler trio, UDP datagrams are handed directly to a
// dispatch.UDPDispatcher since there is no reassembly step for them
// (spec.md §4.3). Grounded on the teacher's pcap.TrafficParser.Parse /
// PacketToNetTraffic (pcap/pcap.go), trading gnet.NetTraffic emission for
// direct dispatch-core delivery.
type Capture struct {
	reader pcap.PcapReader
	opts   pcap.Options
	logger *zap.Logger

	udpDispatcher *dispatch.UDPDispatcher
	reassembler   *Reassembler

	udpMu    sync.Mutex
	udpConns map[string]*udpConn
}

type udpConn struct {
	flow        *appstate.Flow
	firstSender string
}

// NewCapture builds a Capture reading from reader. reassembler must already
// have been bound (Reassembler.Bind) to the dispatch.TCPDispatcher it was
// constructed with; udpDispatcher should come from the same ThreadContext.
func NewCapture(reader pcap.PcapReader, opts pcap.Options,
	udpDispatcher *dispatch.UDPDispatcher, reassembler *Reassembler, logger *zap.Logger) *Capture {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capture{
		reader:        reader,
		opts:          opts,
		logger:        logger,
		udpDispatcher: udpDispatcher,
		reassembler:   reassembler,
		udpConns:      make(map[string]*udpConn),
	}
}

// Run reads packets until ctx is cancelled or the reader reaches EOF,
// mirroring the teacher's ticker-driven periodic flush loop
// (pcap.TrafficParser.Parse) but routed through this package's streamFactory
// instead of gnet's.
func (c *Capture) Run(ctx context.Context) error {
	packets, err := c.reader.Capture(ctx)
	if err != nil {
		return err
	}

	factory := newStreamFactory(c.reassembler)
	pool := reassembly.NewStreamPool(factory)
	assembler := reassembly.NewAssembler(pool)
	assembler.AssemblerOptions.MaxBufferedPagesTotal = c.opts.MaxBufferedPagesTotal
	assembler.AssemblerOptions.MaxBufferedPagesPerConnection = c.opts.MaxBufferedPagesPerConnection

	flushTimeout := time.Duration(c.opts.StreamFlushTimeout) * time.Second
	closeTimeout := time.Duration(c.opts.StreamCloseTimeout) * time.Second

	ticker := time.NewTicker(flushTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			assembler.FlushAll()
			return ctx.Err()

		case packet, more := <-packets:
			if !more || packet == nil {
				assembler.FlushAll()
				return nil
			}
			c.dispatchPacket(assembler, packet)

		case <-ticker.C:
			now := time.Now()
			flushed, closed := assembler.FlushWithOptions(reassembly.FlushOptions{
				T:  now.Add(-flushTimeout),
				TC: now.Add(-closeTimeout),
			})
			if flushed != 0 || closed != 0 {
				c.logger.Debug("periodic flush", zap.Int("flushed", flushed), zap.Int("closed", closed))
			}
		}
	}
}

func (c *Capture) dispatchPacket(assembler *reassembly.Assembler, packet gopacket.Packet) {
	defer func() {
		if err := recover(); err != nil {
			c.logger.Error("recovered from panic handling packet", zap.Any("panic", err))
		}
	}()

	if packet.NetworkLayer() == nil || packet.TransportLayer() == nil {
		return
	}

	switch t := packet.TransportLayer().(type) {
	case *layers.TCP:
		assembler.AssembleWithContext(packet.NetworkLayer().NetworkFlow(), t,
			contextFromTCPPacket(packet, t))

	case *layers.UDP:
		c.dispatchUDP(packet, t)
	}
}

func (c *Capture) dispatchUDP(packet gopacket.Packet, udp *layers.UDP) {
	payload := udp.LayerPayload()
	if len(payload) == 0 {
		return
	}

	netFlow := packet.NetworkLayer().NetworkFlow()
	sender := netFlow.Src().String() + ":" + udp.SrcPort.String()
	key := udpFlowKey(netFlow, udp)

	c.udpMu.Lock()
	conn, ok := c.udpConns[key]
	if !ok {
		conn = &udpConn{flow: newUDPFlow(), firstSender: sender}
		c.udpConns[key] = conn
	}
	c.udpMu.Unlock()

	dir := dirFor(sender, conn.firstSender)

	if err := c.udpDispatcher.Dispatch(dispatch.UDPInput{
		Flow:    conn.flow,
		Dir:     dir,
		Payload: memview.New(payload),
	}); err != nil {
		c.logger.Debug("udp dispatch failed", zap.Error(err))
	}
}

// udpFlowKey normalizes a UDP 5-tuple so both directions of a conversation
// map to the same map key, independent of which side sent this particular
// datagram.
func udpFlowKey(netFlow gopacket.Flow, udp *layers.UDP) string {
	a := fmt.Sprintf("%s:%s", netFlow.Src(), udp.SrcPort)
	b := fmt.Sprintf("%s:%s", netFlow.Dst(), udp.DstPort)
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

func newUDPFlow() *appstate.Flow {
	return appstate.NewFlow(appstate.TransportUDP)
}

// dirFor reports which direction a datagram travelled given the sender of
// the first datagram seen on this flow (there is no SYN to anchor "to
// server" for UDP, so the first sender observed is treated as the client).
func dirFor(sender, firstSender string) appstate.Direction {
	if sender == firstSender {
		return appstate.DirToServer
	}
	return appstate.DirToClient
}
