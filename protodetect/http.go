package protodetect

import (
	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/memview"
)

const (
	minSupportedHTTPMethodLength = 3 // len(`GET`)
	maxSupportedHTTPMethodLength = 7 // len(`CONNECT`)
	maxHTTPRequestURILength      = 4000
	maxHTTPReasonPhraseLength    = 512
	minHTTPResponseStatusLineLength = 12 // len(`HTTP/1.1 200`)

	// httpProbeMaxDepth bounds how many prefix bytes we hold a direction's
	// HTTP candidacy open for, mirroring the original's app-layer-proto-
	// detect max-depth bookkeeping (spec.md §2).
	httpProbeMaxDepth = 4096
)

var supportedHTTPMethods = []string{
	"GET", "POST", "DELETE", "HEAD", "PUT", "PATCH", "CONNECT", "OPTIONS", "TRACE",
}

// NewHTTPRequestProbe returns the request-line probing parser for the
// toserver direction.
func NewHTTPRequestProbe(proto alproto.AppProto) Probe {
	return httpRequestProbe{proto: proto}
}

// NewHTTPResponseProbe returns the status-line probing parser for the
// toclient direction. Both probes register under the same AppProto: either
// one matching is enough to settle the flow's protocol (spec.md §2, a
// protocol can have independent toserver/toclient detection logic).
func NewHTTPResponseProbe(proto alproto.AppProto) Probe {
	return httpResponseProbe{proto: proto}
}

type httpRequestProbe struct {
	proto alproto.AppProto
}

func (httpRequestProbe) Name() string          { return "http.request" }
func (httpRequestProbe) Kind() Kind             { return ProbingParser }
func (p httpRequestProbe) Proto() alproto.AppProto { return p.proto }
func (httpRequestProbe) FirstDataDir() appstate.DirMask {
	return appstate.MaskToServer
}
func (httpRequestProbe) MaxDepth() int64 { return httpProbeMaxDepth }

func (p httpRequestProbe) Probe(input memview.MemView, dir appstate.Direction) Result {
	if input.Len() < minSupportedHTTPMethodLength {
		return Result{Verdict: NeedMoreData}
	}

	for _, m := range supportedHTTPMethods {
		start := input.Index(0, []byte(m))
		if start < 0 {
			continue
		}
		switch requestLineVerdict(input.SubView(start+int64(len(m)), input.Len())) {
		case Matched:
			return Result{Verdict: Matched, Proto: p.proto}
		case NeedMoreData:
			return Result{Verdict: NeedMoreData}
		}
	}
	if input.Len() < maxSupportedHTTPMethodLength {
		return Result{Verdict: NeedMoreData}
	}
	return Result{Verdict: Rejected}
}

// requestLineVerdict checks for a valid HTTP request line (RFC 2616 §5)
// starting right after the HTTP method.
func requestLineVerdict(input memview.MemView) Verdict {
	if input.Len() == 0 {
		return NeedMoreData
	}
	if input.GetByte(0) != ' ' {
		return Rejected
	}

	nextSP := input.Index(1, []byte(" "))
	if nextSP < 0 {
		if input.Len()-1 > maxHTTPRequestURILength {
			return Rejected
		}
		return NeedMoreData
	}
	if nextSP == 1 {
		return Rejected
	}

	tail := input.SubView(nextSP+1, input.Len())
	if tail.Len() < 10 {
		return NeedMoreData
	}
	if tail.Index(0, []byte("HTTP/1.1\r\n")) == 0 || tail.Index(0, []byte("HTTP/1.0\r\n")) == 0 {
		return Matched
	}
	return Rejected
}

type httpResponseProbe struct {
	proto alproto.AppProto
}

func (httpResponseProbe) Name() string          { return "http.response" }
func (httpResponseProbe) Kind() Kind             { return ProbingParser }
func (p httpResponseProbe) Proto() alproto.AppProto { return p.proto }
func (httpResponseProbe) FirstDataDir() appstate.DirMask {
	return appstate.MaskToClient
}
func (httpResponseProbe) MaxDepth() int64 { return httpProbeMaxDepth }

func (p httpResponseProbe) Probe(input memview.MemView, dir appstate.Direction) Result {
	if input.Len() < minHTTPResponseStatusLineLength {
		return Result{Verdict: NeedMoreData}
	}

	for _, v := range []string{"HTTP/1.1", "HTTP/1.0"} {
		start := input.Index(0, []byte(v))
		if start < 0 {
			continue
		}
		switch statusLineVerdict(input.SubView(start+int64(len(v)), input.Len())) {
		case Matched:
			return Result{Verdict: Matched, Proto: p.proto}
		case NeedMoreData:
			return Result{Verdict: NeedMoreData}
		}
	}
	return Result{Verdict: Rejected}
}

// statusLineVerdict checks for a valid HTTP status line (RFC 2616 §6.1)
// starting right after the HTTP version.
func statusLineVerdict(input memview.MemView) Verdict {
	if input.Len() < 5 {
		return NeedMoreData
	}
	if input.GetByte(0) != ' ' || input.GetByte(4) != ' ' {
		return Rejected
	}
	for _, i := range []int64{1, 2, 3} {
		b := input.GetByte(i)
		if b < '0' || b > '9' {
			return Rejected
		}
	}
	if input.Index(0, []byte("\r\n")) < 0 {
		if input.Len()-4 > maxHTTPReasonPhraseLength {
			return Rejected
		}
		return NeedMoreData
	}
	return Matched
}
