package protodetect

import (
	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/memview"
)

// sshBannerPrefix is the fixed RFC 4253 §4.2 identification-string prefix
// every SSH implementation sends first, in either direction.
const sshBannerPrefix = "SSH-"

const sshProbeMaxDepth = 255 // RFC 4253 caps the banner line at 255 bytes.

// NewSSHBannerProbe returns a pattern-match probe for the SSH version-
// exchange banner line. Unlike the HTTP/TLS probes it is direction-agnostic
// (either side may send its banner first), which is what makes it useful for
// exercising the WRONG_DIRECTION_FIRST_DATA scenario against a parser that
// does constrain its first-data direction.
func NewSSHBannerProbe(proto alproto.AppProto) Probe {
	return sshBannerProbe{proto: proto}
}

type sshBannerProbe struct {
	proto alproto.AppProto
}

func (sshBannerProbe) Name() string              { return "ssh.banner" }
func (sshBannerProbe) Kind() Kind                  { return PatternMatch }
func (p sshBannerProbe) Proto() alproto.AppProto    { return p.proto }
func (sshBannerProbe) FirstDataDir() appstate.DirMask { return appstate.MaskNone }
func (sshBannerProbe) MaxDepth() int64             { return sshProbeMaxDepth }

func (p sshBannerProbe) Probe(input memview.MemView, dir appstate.Direction) Result {
	if input.Len() < int64(len(sshBannerPrefix)) {
		return Result{Verdict: NeedMoreData}
	}
	if input.Index(0, []byte(sshBannerPrefix)) != 0 {
		return Result{Verdict: Rejected}
	}
	if input.Index(0, []byte("\r\n")) < 0 && input.Index(0, []byte("\n")) < 0 {
		if input.Len() >= sshProbeMaxDepth {
			return Result{Verdict: Rejected}
		}
		return Result{Verdict: NeedMoreData}
	}
	return Result{Verdict: Matched, Proto: p.proto}
}
