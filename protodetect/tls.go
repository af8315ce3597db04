package protodetect

import (
	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/memview"
)

const (
	tlsRecordHeaderLength_bytes = 5 // content-type(1) + version(2) + length(2)
	tlsHandshakeHeaderLength_bytes = 4 // handshake-type(1) + length(3)
	tlsVersionLength_bytes      = 2

	minTLSClientHelloLength_bytes = tlsRecordHeaderLength_bytes + tlsHandshakeHeaderLength_bytes + tlsVersionLength_bytes
	minTLSServerHelloLength_bytes = minTLSClientHelloLength_bytes

	tlsHandshakeContentType  = 0x16
	tlsClientHelloHandshakeType = 0x01
	tlsServerHelloHandshakeType = 0x02
)

// NewTLSClientHelloProbe returns the toserver TLS record-header probe,
// grounded on the handshake/record header layout used by the teacher's TLS
// client parser factory.
func NewTLSClientHelloProbe(proto alproto.AppProto) Probe {
	return tlsHelloProbe{
		proto:         proto,
		firstDataDir:  appstate.MaskToServer,
		handshakeType: tlsClientHelloHandshakeType,
	}
}

// NewTLSServerHelloProbe returns the toclient TLS record-header probe.
func NewTLSServerHelloProbe(proto alproto.AppProto) Probe {
	return tlsHelloProbe{
		proto:         proto,
		firstDataDir:  appstate.MaskToClient,
		handshakeType: tlsServerHelloHandshakeType,
	}
}

type tlsHelloProbe struct {
	proto         alproto.AppProto
	firstDataDir  appstate.DirMask
	handshakeType byte
}

func (p tlsHelloProbe) Name() string {
	if p.handshakeType == tlsClientHelloHandshakeType {
		return "tls.client_hello"
	}
	return "tls.server_hello"
}

func (tlsHelloProbe) Kind() Kind                     { return ProbingParser }
func (p tlsHelloProbe) Proto() alproto.AppProto       { return p.proto }
func (p tlsHelloProbe) FirstDataDir() appstate.DirMask { return p.firstDataDir }
func (tlsHelloProbe) MaxDepth() int64                { return minTLSClientHelloLength_bytes }

func (p tlsHelloProbe) Probe(input memview.MemView, dir appstate.Direction) Result {
	if input.Len() < minTLSClientHelloLength_bytes {
		return Result{Verdict: NeedMoreData}
	}

	if input.GetByte(0) != tlsHandshakeContentType {
		return Result{Verdict: Rejected}
	}
	// Record-layer version: major byte must be 3 (SSLv3/TLS1.x).
	if input.GetByte(1) != 0x03 {
		return Result{Verdict: Rejected}
	}

	handshakeOffset := int64(tlsRecordHeaderLength_bytes)
	if input.GetByte(handshakeOffset) != p.handshakeType {
		return Result{Verdict: Rejected}
	}

	versionOffset := handshakeOffset + tlsHandshakeHeaderLength_bytes
	if input.GetByte(versionOffset) != 0x03 {
		return Result{Verdict: Rejected}
	}

	return Result{Verdict: Matched, Proto: p.proto}
}
