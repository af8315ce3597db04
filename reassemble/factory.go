package reassemble

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"
)

// streamFactory implements reassembly.StreamFactory, handing the assembler
// a fresh *connection for each new TCP 5-tuple it sees. Grounded on the
// teacher's tcpStreamFactory (pcap/pcap_factory.go), minus the
// gnet.TCPParserFactorySelector plumbing that package used to pick a
// gnet.TCPParser -- here every connection is driven by the same
// dispatch.TCPDispatcher regardless of what protocol it turns out to carry.
type streamFactory struct {
	owner *Reassembler
}

func newStreamFactory(owner *Reassembler) *streamFactory {
	return &streamFactory{owner: owner}
}

func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow, _ *layers.TCP,
	_ reassembly.AssemblerContext) reassembly.Stream {
	return newConnection(f.owner, netFlow, tcpFlow)
}
