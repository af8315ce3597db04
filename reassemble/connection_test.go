package reassemble

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/reassembly"
	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/dispatch"
	"github.com/kestrelnet/dpiflow/mempool"
	"github.com/kestrelnet/dpiflow/memview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScatterGather grounds on the teacher pack's only reassembly test
// helper (postmanlabs-observability-cli/pcap/stream_test.go's
// fakeScatterGather), trimmed to what connection.reassembled actually
// reads: Lengths/Fetch/Info.
type fakeScatterGather struct {
	data    memview.MemView
	skip    int
	reverse bool
}

func (sg fakeScatterGather) Lengths() (int, int) { return int(sg.data.Len()), 0 }
func (sg fakeScatterGather) Fetch(l int) []byte  { return []byte(sg.data.SubView(0, int64(l)).String()) }
func (sg *fakeScatterGather) KeepFrom(int)       {}
func (sg fakeScatterGather) CaptureInfo(int) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{}
}
func (sg fakeScatterGather) AssemblerContext(int) reassembly.AssemblerContext {
	return &assemblerCtxWithSeq{}
}
func (sg fakeScatterGather) Info() (reassembly.TCPFlowDirection, bool, bool, int) {
	return reassembly.TCPFlowDirection(sg.reverse), false, false, sg.skip
}
func (sg fakeScatterGather) Stats() reassembly.TCPAssemblyStats {
	panic("unimplemented")
}

func newTestConnection(t *testing.T) (*connection, *Reassembler) {
	t.Helper()
	engine, err := dispatch.Setup(dispatch.Config{EnableHTTP: true, EnableSSH: true})
	require.NoError(t, err)
	ctx, err := dispatch.NewThreadContext(engine)
	require.NoError(t, err)

	pool, err := mempool.MakeBufferPool(1<<20, 4096)
	require.NoError(t, err)

	r := New(Config{Pool: pool})
	d := dispatch.NewTCPDispatcher(ctx, r, nil)
	r.Bind(d)

	netFlow := gopacket.NewFlow(layers.EndpointIPv4, []byte{127, 0, 0, 1}, []byte{10, 0, 0, 1})
	tcpFlow := gopacket.NewFlow(layers.EndpointTCPPort, []byte{0, 80}, []byte{0, 81})
	c := newConnection(r, netFlow, tcpFlow)
	return c, r
}

func TestConnection_SimpleHTTPClientFirst(t *testing.T) {
	c, r := newTestConnection(t)

	var start bool
	c.Accept(nil, gopacket.CaptureInfo{}, reassembly.TCPDirClientToServer, 0, &start, nil)
	assert.True(t, start)

	sg := &fakeScatterGather{data: memview.New([]byte("GET / HTTP/1.1\r\n\r\n"))}
	c.ReassembledSG(sg, sg.AssemblerContext(0))

	assert.NotEqual(t, alproto.Unknown, c.flow.Alproto)
	assert.Equal(t, 0, c.session.Stream(appstate.DirToServer).Queue.Len(),
		"the backlog for the direction that just detected is drained, not replayed")

	assert.True(t, c.ReassemblyComplete(nil))
	assert.Nil(t, r.lookup(c.session), "ReassemblyComplete untracks the connection")
}

func TestConnection_GapBeforeDetectionAbandonsDirection(t *testing.T) {
	c, _ := newTestConnection(t)

	var start bool
	c.Accept(nil, gopacket.CaptureInfo{}, reassembly.TCPDirClientToServer, 0, &start, nil)

	sg := &fakeScatterGather{data: memview.Empty(), skip: 5}
	c.ReassembledSG(sg, sg.AssemblerContext(0))

	c.flow.Lock()
	completed := c.session.Stream(appstate.DirToServer).Flags.DetectionCompleted()
	noReassembly := c.session.Stream(appstate.DirToServer).NoReassembly
	c.flow.Unlock()

	assert.True(t, completed)
	assert.True(t, noReassembly)
}

func TestConnection_BufferedBacklogQueuedUntilDetection(t *testing.T) {
	c, _ := newTestConnection(t)

	var start bool
	c.Accept(nil, gopacket.CaptureInfo{}, reassembly.TCPDirClientToServer, 0, &start, nil)

	// An unrecognized chunk, too short to exhaust every probe yet, stays
	// queued and accumulated rather than dropped.
	sg := &fakeScatterGather{data: memview.New([]byte("xx"))}
	c.ReassembledSG(sg, sg.AssemblerContext(0))

	c.flow.Lock()
	assert.Equal(t, 1, c.session.Stream(appstate.DirToServer).Queue.Len())
	assert.Equal(t, int64(2), c.accumDetect[appstate.DirToServer].Len())
	assert.Equal(t, alproto.Unknown, *c.flow.AlprotoForDir(appstate.DirToServer))
	c.flow.Unlock()
}

// TestConnection_ReplayRevalidatesWrongDirectionFirstData reproduces the
// opposing-stream replay scenario directly through Accept/ReassembledSG (no
// manually pre-set AlprotoForDir): a too-short TOCLIENT fragment queues
// undetected, then a full TOSERVER request detects HTTP and triggers replay
// of the TOCLIENT backlog. HTTP requires TOSERVER-first data, but this
// session's actual first-seen direction was TOCLIENT, so the replayed chunk
// must re-run the direction-of-first-data check and abandon inspection --
// not be handed straight to the HTTP parser as if it were a response.
func TestConnection_ReplayRevalidatesWrongDirectionFirstData(t *testing.T) {
	c, _ := newTestConnection(t)

	var start bool
	c.Accept(nil, gopacket.CaptureInfo{}, reassembly.TCPDirClientToServer, 0, &start, nil)

	// TOCLIENT sends a fragment too short for the HTTP response-line/SSH
	// banner probes to resolve either way; it queues while detection stays
	// pending, and DataFirstSeenDir records TOCLIENT as the session's actual
	// first-seen direction.
	sgClient := &fakeScatterGather{data: memview.New([]byte("xx")), reverse: true}
	c.ReassembledSG(sgClient, sgClient.AssemblerContext(0))

	c.flow.Lock()
	require.Equal(t, appstate.MaskToClient, c.session.DataFirstSeenDir)
	require.Equal(t, 1, c.session.Stream(appstate.DirToClient).Queue.Len())
	c.flow.Unlock()

	// TOSERVER then sends a complete HTTP request and detects HTTP, which
	// triggers opposing-stream replay of the queued TOCLIENT fragment.
	sgServer := &fakeScatterGather{data: memview.New([]byte("GET / HTTP/1.1\r\n\r\n"))}
	c.ReassembledSG(sgServer, sgServer.AssemblerContext(0))

	c.flow.Lock()
	defer c.flow.Unlock()

	assert.NotEqual(t, alproto.Unknown, c.flow.Alproto, "toserver direction detected HTTP")
	assert.True(t, c.flow.NoAppLayerInspection(),
		"replay must re-validate direction-of-first-data and abandon inspection, not silently parse the backlog as a response")
	assert.Equal(t, 0, c.session.Stream(appstate.DirToClient).Queue.Len(), "replay still drains the backlog")
}

func TestReassembler_ReassembleAppLayerDrainsAndReplays(t *testing.T) {
	_, r := newTestConnection(t)

	engine, err := dispatch.Setup(dispatch.Config{EnableHTTP: true, EnableSSH: true})
	require.NoError(t, err)
	httpProto, ok := engine.Registry.ByName("http")
	require.True(t, ok)

	flow := appstate.NewFlow(appstate.TransportTCP)
	session := appstate.NewTcpSession()
	flow.Session = session
	conn := &connection{flow: flow, session: session, dispatcher: r.dispatcher, pool: r.pool}
	r.track(session, conn)

	session.Enqueue(appstate.NewStreamMsg(r.pool, flow, appstate.DirToServer, []byte("GET / HTTP/1.1\r\n\r\n")))
	require.Equal(t, 1, session.Stream(appstate.DirToServer).Queue.Len())

	flow.Lock()
	flow.Alproto = httpProto
	*flow.AlprotoForDir(appstate.DirToServer) = httpProto
	flow.Unlock()

	flow.Lock()
	defer flow.Unlock()
	err = r.ReassembleAppLayer(session, appstate.DirToServer)
	require.NoError(t, err)
	assert.Equal(t, 0, session.Stream(appstate.DirToServer).Queue.Len())
}
