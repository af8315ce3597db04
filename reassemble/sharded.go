package reassemble

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"
	"github.com/kestrelnet/dpiflow/dispatch"
	"github.com/kestrelnet/dpiflow/memview"
	"github.com/kestrelnet/dpiflow/pcap"
	"go.uber.org/zap"
)

// Shard bundles the per-worker state: its own Reassembler (and the
// gopacket assembler behind it, which is not safe for concurrent use) and
// its own UDPDispatcher, both built against a dispatch.ThreadContext
// exclusive to this shard. Shards do not run on goroutines of their own;
// Pipeline.Run feeds every shard from its calling goroutine.
type Shard struct {
	Reassembler   *Reassembler
	UDPDispatcher *dispatch.UDPDispatcher

	assembler *reassembly.Assembler
	udpConns  map[string]*udpConn
}

// NewShard wraps a bound Reassembler (Reassembler.Bind already called) and
// its sibling UDPDispatcher into one shard, building the gopacket assembler
// that will drive this shard's TCP connections.
func NewShard(r *Reassembler, udp *dispatch.UDPDispatcher) *Shard {
	pool := reassembly.NewStreamPool(newStreamFactory(r))
	return &Shard{
		Reassembler:   r,
		UDPDispatcher: udp,
		assembler:     reassembly.NewAssembler(pool),
		udpConns:      make(map[string]*udpConn),
	}
}

// Pipeline fans packets from a single pcap.PcapReader out across a fixed
// set of shards, hashing each connection's normalized 5-tuple so every
// packet of a given flow always lands on the same shard. This is the
// multi-shard counterpart to Capture: each shard runs its own
// reassembly.Assembler, so no cross-shard locking is needed once a packet
// has been routed. Routing and flushing all happen on the goroutine that
// calls Run; the shards are not processed concurrently.
type Pipeline struct {
	reader pcap.PcapReader
	opts   pcap.Options
	shards []*Shard
	logger *zap.Logger
}

func NewPipeline(reader pcap.PcapReader, opts pcap.Options, shards []*Shard, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	perShardPages := opts.MaxBufferedPagesTotal
	if n := len(shards); n > 0 {
		perShardPages = opts.MaxBufferedPagesTotal / n
	}
	for _, s := range shards {
		s.assembler.AssemblerOptions.MaxBufferedPagesTotal = perShardPages
		s.assembler.AssemblerOptions.MaxBufferedPagesPerConnection = opts.MaxBufferedPagesPerConnection
	}
	return &Pipeline{reader: reader, opts: opts, shards: shards, logger: logger}
}

// Run drives packets until ctx is cancelled or the reader reaches EOF. It
// is the sharded analogue of Capture.Run (pcap.TrafficParser.Parse's
// ticker-driven periodic flush, fanned out over every shard).
func (p *Pipeline) Run(ctx context.Context) error {
	packets, err := p.reader.Capture(ctx)
	if err != nil {
		return err
	}

	flushTimeout := time.Duration(p.opts.StreamFlushTimeout) * time.Second
	closeTimeout := time.Duration(p.opts.StreamCloseTimeout) * time.Second
	ticker := time.NewTicker(flushTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flushAll()
			return ctx.Err()

		case packet, more := <-packets:
			if !more || packet == nil {
				p.flushAll()
				return nil
			}
			p.route(packet)

		case <-ticker.C:
			now := time.Now()
			for _, s := range p.shards {
				flushed, closed := s.assembler.FlushWithOptions(reassembly.FlushOptions{
					T:  now.Add(-flushTimeout),
					TC: now.Add(-closeTimeout),
				})
				if flushed != 0 || closed != 0 {
					p.logger.Debug("periodic flush", zap.Int("flushed", flushed), zap.Int("closed", closed))
				}
			}
		}
	}
}

func (p *Pipeline) flushAll() {
	for _, s := range p.shards {
		s.assembler.FlushAll()
	}
}

func (p *Pipeline) route(packet gopacket.Packet) {
	defer func() {
		if err := recover(); err != nil {
			p.logger.Error("recovered from panic handling packet", zap.Any("panic", err))
		}
	}()

	if packet.NetworkLayer() == nil || packet.TransportLayer() == nil || len(p.shards) == 0 {
		return
	}
	netFlow := packet.NetworkLayer().NetworkFlow()

	switch t := packet.TransportLayer().(type) {
	case *layers.TCP:
		shard := p.shards[shardIndex(flowKey(netFlow, t.SrcPort.String(), t.DstPort.String()), len(p.shards))]
		shard.assembler.AssembleWithContext(netFlow, t, contextFromTCPPacket(packet, t))

	case *layers.UDP:
		shard := p.shards[shardIndex(flowKey(netFlow, t.SrcPort.String(), t.DstPort.String()), len(p.shards))]
		p.dispatchUDPOnShard(shard, netFlow, t)
	}
}

func (p *Pipeline) dispatchUDPOnShard(s *Shard, netFlow gopacket.Flow, udp *layers.UDP) {
	payload := udp.LayerPayload()
	if len(payload) == 0 {
		return
	}

	sender := netFlow.Src().String() + ":" + udp.SrcPort.String()
	key := udpFlowKey(netFlow, udp)

	conn, ok := s.udpConns[key]
	if !ok {
		conn = &udpConn{flow: newUDPFlow(), firstSender: sender}
		s.udpConns[key] = conn
	}

	dir := dirFor(sender, conn.firstSender)
	if err := s.UDPDispatcher.Dispatch(dispatch.UDPInput{
		Flow:    conn.flow,
		Dir:     dir,
		Payload: memview.New(payload),
	}); err != nil {
		p.logger.Debug("udp dispatch failed on shard", zap.Error(err))
	}
}

// flowKey normalizes a transport 5-tuple so both directions hash to the
// same shard.
func flowKey(netFlow gopacket.Flow, srcPort, dstPort string) string {
	a := fmt.Sprintf("%s:%s", netFlow.Src(), srcPort)
	b := fmt.Sprintf("%s:%s", netFlow.Dst(), dstPort)
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % n
}
