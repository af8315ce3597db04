package dispatch

import (
	"testing"

	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/memview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReassembler struct {
	inline      bool
	replayErr   error
	replayed    []appstate.Direction
	noReassembly []appstate.Direction
}

func (f *fakeReassembler) ReassembleAppLayer(session *appstate.TcpSession, dir appstate.Direction) error {
	f.replayed = append(f.replayed, dir)
	return f.replayErr
}

func (f *fakeReassembler) ReassembleAppLayerInline(session *appstate.TcpSession, dir appstate.Direction) error {
	return f.ReassembleAppLayer(session, dir)
}

func (f *fakeReassembler) InlineMode() bool { return f.inline }

func (f *fakeReassembler) SetSessionNoReassembly(session *appstate.TcpSession, dir appstate.Direction) {
	f.noReassembly = append(f.noReassembly, dir)
}

func newTestDispatcher(t *testing.T) (*TCPDispatcher, *fakeReassembler) {
	t.Helper()
	engine, err := buildEngine(Config{EnableHTTP: true, EnableSSH: true}.withDefaults())
	require.NoError(t, err)
	ctx, err := NewThreadContext(engine)
	require.NoError(t, err)
	ra := &fakeReassembler{}
	return NewTCPDispatcher(ctx, ra, nil), ra
}

func newTestFlow() (*appstate.Flow, *appstate.TcpSession) {
	flow := appstate.NewFlow(appstate.TransportTCP)
	session := appstate.NewTcpSession()
	flow.Session = session
	flow.Lock()
	return flow, session
}

// Scenario 1: Simple HTTP client-first.
func TestTCPDispatcher_SimpleHTTPClientFirst(t *testing.T) {
	d, _ := newTestDispatcher(t)
	flow, session := newTestFlow()
	defer flow.Unlock()

	var events []appstate.Event
	err := d.Dispatch(TCPInput{
		Flow:   flow,
		Dir:    appstate.DirToServer,
		Bytes:  memview.New([]byte("GET / HTTP/1.1\r\n\r\n")),
		Start:  true,
		Events: &events,
	})

	require.NoError(t, err)
	httpProto, _ := d.ctx.Detector.ByName("http")
	assert.Equal(t, httpProto, flow.Alproto)
	assert.Equal(t, appstate.MaskSettled, session.DataFirstSeenDir)
	assert.True(t, session.Stream(appstate.DirToServer).Flags.DetectionCompleted())
	assert.Empty(t, events)
}

// Scenario 2: Server-first then client mismatch.
func TestTCPDispatcher_ServerFirstThenClientMismatch(t *testing.T) {
	d, ra := newTestDispatcher(t)
	flow, session := newTestFlow()
	defer flow.Unlock()

	var eventsA []appstate.Event
	err := d.Dispatch(TCPInput{
		Flow:   flow,
		Dir:    appstate.DirToClient,
		Bytes:  memview.New([]byte("SSH-2.0-OpenSSH_8.1\r\n")),
		Start:  true,
		Events: &eventsA,
	})
	require.NoError(t, err)

	sshProto, _ := d.ctx.Detector.ByName("ssh")
	require.Equal(t, sshProto, flow.Alproto)
	require.Equal(t, appstate.MaskSettled, session.DataFirstSeenDir)

	var eventsB []appstate.Event
	err = d.Dispatch(TCPInput{
		Flow:   flow,
		Dir:    appstate.DirToServer,
		Bytes:  memview.New([]byte("GET / HTTP/1.1\r\n\r\n")),
		Start:  true,
		Events: &eventsB,
	})
	require.NoError(t, err)

	// Canonicalized to the direction that already settled: SSH.
	assert.Equal(t, sshProto, flow.Alproto)
	require.Len(t, eventsB, 1)
	assert.Equal(t, appstate.EventMismatchProtocolBothDirections, eventsB[0].Kind)
	assert.Empty(t, ra.replayed, "no opposing-stream replay expected once already settled")
}

// Scenario 5: GAP before detection.
func TestTCPDispatcher_GapBeforeDetection(t *testing.T) {
	d, ra := newTestDispatcher(t)
	flow, session := newTestFlow()
	defer flow.Unlock()

	err := d.Dispatch(TCPInput{
		Flow:  flow,
		Dir:   appstate.DirToServer,
		Bytes: memview.Empty(),
		Gap:   true,
	})

	require.NoError(t, err)
	assert.True(t, session.Stream(appstate.DirToServer).Flags.DetectionCompleted())
	assert.Equal(t, []appstate.Direction{appstate.DirToServer}, ra.noReassembly)
	assert.Equal(t, alproto.Unknown, flow.Alproto)
}

// Scenario 6: Detection exhausted both ways.
func TestTCPDispatcher_DetectionExhaustedBothDirections(t *testing.T) {
	d, _ := newTestDispatcher(t)
	flow, session := newTestFlow()
	defer flow.Unlock()

	flow.SetPPDone(appstate.DirToServer)
	flow.SetPMDone(appstate.DirToServer)
	flow.SetPPDone(appstate.DirToClient)
	flow.SetPMDone(appstate.DirToClient)

	garbage := memview.New([]byte("not a recognized protocol at all, long enough to exhaust probes 1234567890"))

	err := d.Dispatch(TCPInput{
		Flow:  flow,
		Dir:   appstate.DirToServer,
		Bytes: garbage,
		Start: true,
	})

	require.NoError(t, err)
	assert.True(t, flow.NoAppLayerInspection())
	assert.True(t, session.Stream(appstate.DirToServer).Flags.DetectionCompleted())
	assert.True(t, session.Stream(appstate.DirToClient).Flags.DetectionCompleted())
	assert.Equal(t, appstate.MaskSettled, session.DataFirstSeenDir)

	// Subsequent calls no-op once NO_APPLAYER_INSPECTION is set (P1).
	err = d.Dispatch(TCPInput{Flow: flow, Dir: appstate.DirToServer, Bytes: garbage, Start: true})
	require.NoError(t, err)
}

func TestTCPDispatcher_EarlyExitOnNoAppLayerInspection(t *testing.T) {
	d, _ := newTestDispatcher(t)
	flow, _ := newTestFlow()
	defer flow.Unlock()
	flow.SetNoAppLayerInspection()

	err := d.Dispatch(TCPInput{
		Flow:  flow,
		Dir:   appstate.DirToServer,
		Bytes: memview.New([]byte("GET / HTTP/1.1\r\n\r\n")),
		Start: true,
	})
	require.NoError(t, err)
	assert.Equal(t, alproto.Unknown, flow.Alproto)
}

// An HTTP response arrives as the very first bytes ever seen on the flow,
// with no request ever having been seen: HTTP requires TOSERVER first data,
// but the session's actual first-seen direction is TOCLIENT, so
// WRONG_DIRECTION_FIRST_DATA fires and inspection is abandoned.
func TestTCPDispatcher_WrongDirectionFirstData(t *testing.T) {
	d, _ := newTestDispatcher(t)
	flow, session := newTestFlow()
	defer flow.Unlock()

	var events []appstate.Event
	err := d.Dispatch(TCPInput{
		Flow:   flow,
		Dir:    appstate.DirToClient,
		Bytes:  memview.New([]byte("HTTP/1.1 200 OK\r\n\r\n")),
		Start:  true,
		Events: &events,
	})

	assert.ErrorIs(t, err, ErrWrongDirectionFirstData)
	require.Len(t, events, 1)
	assert.Equal(t, appstate.EventWrongDirectionFirstData, events[0].Kind)
	assert.True(t, flow.NoAppLayerInspection())
	assert.Equal(t, appstate.MaskSettled, session.DataFirstSeenDir)
}

// Case R: the session's genuine first bytes were TOSERVER (an unrecognized
// chunk that exhausted every probe without matching), so data_first_seen_dir
// correctly records TOSERVER. A later TOCLIENT chunk then matches the HTTP
// status-line probe before any TOSERVER request line was ever seen. HTTP
// requires TOSERVER first data -- which data_first_seen_dir confirms did
// happen for the session as a whole, so this isn't WRONG_DIRECTION_FIRST_DATA
// -- but *this* chunk's own direction is TOCLIENT, so the dispatcher resets
// detection on this direction (Case R) rather than committing to a
// response-before-request match.
func TestTCPDispatcher_RetryResetWhenFirstDataDirectionMismatches(t *testing.T) {
	d, ra := newTestDispatcher(t)
	flow, session := newTestFlow()
	defer flow.Unlock()

	err := d.Dispatch(TCPInput{
		Flow:  flow,
		Dir:   appstate.DirToServer,
		Bytes: memview.New([]byte("xxxxxxxx")),
		Start: true,
	})
	require.NoError(t, err)
	require.Equal(t, appstate.MaskToServer, session.DataFirstSeenDir)
	require.True(t, flow.PPDone(appstate.DirToServer))
	require.True(t, flow.PMDone(appstate.DirToServer))

	var events []appstate.Event
	err = d.Dispatch(TCPInput{
		Flow:   flow,
		Dir:    appstate.DirToClient,
		Bytes:  memview.New([]byte("HTTP/1.1 200 OK\r\n\r\n")),
		Start:  true,
		Events: &events,
	})

	assert.ErrorIs(t, err, ErrRetryReset)
	assert.Empty(t, events)
	assert.False(t, session.Stream(appstate.DirToClient).Flags.DetectionCompleted())
	assert.Equal(t, alproto.Unknown, *flow.AlprotoForDir(appstate.DirToClient))
	assert.False(t, flow.NoAppLayerInspection())
	assert.Equal(t, []appstate.Direction{appstate.DirToServer}, ra.replayed,
		"buffered TOSERVER bytes are replayed once HTTP is tentatively matched")
}

func TestTCPDispatcher_PanicsWithoutFlowLock(t *testing.T) {
	d, _ := newTestDispatcher(t)
	flow := appstate.NewFlow(appstate.TransportTCP)
	flow.Session = appstate.NewTcpSession()

	assert.Panics(t, func() {
		_ = d.Dispatch(TCPInput{Flow: flow, Dir: appstate.DirToServer, Bytes: memview.Empty(), Start: true})
	})
}
