package protodetect

import (
	"testing"

	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/memview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRequestProbe_MatchesGetLine(t *testing.T) {
	reg := alproto.NewRegistry()
	proto := reg.Register("http")
	p := NewHTTPRequestProbe(proto)

	input := memview.New([]byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	r := p.Probe(input, appstate.DirToServer)

	require.Equal(t, Matched, r.Verdict)
	assert.Equal(t, proto, r.Proto)
}

func TestHTTPRequestProbe_NeedsMoreDataOnPartialLine(t *testing.T) {
	reg := alproto.NewRegistry()
	proto := reg.Register("http")
	p := NewHTTPRequestProbe(proto)

	input := memview.New([]byte("GET /index"))
	r := p.Probe(input, appstate.DirToServer)

	assert.Equal(t, NeedMoreData, r.Verdict)
}

func TestHTTPRequestProbe_RejectsNonHTTP(t *testing.T) {
	reg := alproto.NewRegistry()
	proto := reg.Register("http")
	p := NewHTTPRequestProbe(proto)

	input := memview.New([]byte("SSH-2.0-OpenSSH_8.1\r\n"))
	r := p.Probe(input, appstate.DirToServer)

	assert.Equal(t, Rejected, r.Verdict)
}

func TestHTTPResponseProbe_MatchesStatusLine(t *testing.T) {
	reg := alproto.NewRegistry()
	proto := reg.Register("http")
	p := NewHTTPResponseProbe(proto)

	input := memview.New([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	r := p.Probe(input, appstate.DirToClient)

	require.Equal(t, Matched, r.Verdict)
	assert.Equal(t, proto, r.Proto)
}

func TestTLSClientHelloProbe_MatchesHandshakeRecord(t *testing.T) {
	reg := alproto.NewRegistry()
	proto := reg.Register("tls")
	p := NewTLSClientHelloProbe(proto)

	record := []byte{
		0x16, 0x03, 0x01, 0x00, 0x05, // record header
		0x01, 0x00, 0x00, 0x01, // handshake header (truncated length)
		0x03, 0x03, // client version
	}
	r := p.Probe(memview.New(record), appstate.DirToServer)

	require.Equal(t, Matched, r.Verdict)
	assert.Equal(t, proto, r.Proto)
}

func TestTLSClientHelloProbe_RejectsNonHandshakeRecord(t *testing.T) {
	reg := alproto.NewRegistry()
	proto := reg.Register("tls")
	p := NewTLSClientHelloProbe(proto)

	record := []byte{0x17, 0x03, 0x03, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	r := p.Probe(memview.New(record), appstate.DirToServer)

	assert.Equal(t, Rejected, r.Verdict)
}

func TestSSHBannerProbe_MatchesEitherDirection(t *testing.T) {
	reg := alproto.NewRegistry()
	proto := reg.Register("ssh")
	p := NewSSHBannerProbe(proto)

	input := memview.New([]byte("SSH-2.0-OpenSSH_8.1\r\n"))

	rTS := p.Probe(input, appstate.DirToServer)
	rTC := p.Probe(input, appstate.DirToClient)

	assert.Equal(t, Matched, rTS.Verdict)
	assert.Equal(t, Matched, rTC.Verdict)
	assert.Equal(t, appstate.MaskNone, p.FirstDataDir())
}

func TestFTPControlProbe_MatchesUserCommand(t *testing.T) {
	reg := alproto.NewRegistry()
	proto := reg.Register("ftp")
	p := NewFTPControlProbe(proto)

	input := memview.New([]byte("USER anonymous\r\n"))
	r := p.Probe(input, appstate.DirToServer)

	require.Equal(t, Matched, r.Verdict)
	assert.Equal(t, proto, r.Proto)
}

func TestDetect_ExhaustsWhenAllProbesReject(t *testing.T) {
	reg := alproto.NewRegistry()
	proto := reg.Register("http")
	probes := []Probe{NewHTTPRequestProbe(proto)}
	live := LiveSet(probes)

	input := memview.New([]byte("not-an-http-method-at-all"))
	out := DetectPP(probes, live, input, appstate.DirToServer)

	assert.False(t, out.Matched)
	assert.True(t, out.Exhausted)
}

func TestDetect_StaysOpenWhileNeedingMoreData(t *testing.T) {
	reg := alproto.NewRegistry()
	proto := reg.Register("http")
	probes := []Probe{NewHTTPRequestProbe(proto)}
	live := LiveSet(probes)

	input := memview.New([]byte("GE"))
	out := DetectPP(probes, live, input, appstate.DirToServer)

	assert.False(t, out.Matched)
	assert.False(t, out.Exhausted)
}
