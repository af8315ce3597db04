// Package protodetect implements the probing-parser (PP) and pattern-match
// (PM) protocol detection strategies dispatched by package dispatch
// (spec.md §4.6, AppLayerDetectGetProto).
package protodetect

import (
	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/memview"
)

// Kind distinguishes the two detection strategies named in spec.md §2: a
// ProbingParser inspects a bounded prefix and may ask for more data, a
// PatternMatch is a signature match over whatever is available, and may
// likewise answer NeedMoreData while the prefix is too short to decide.
type Kind uint8

const (
	ProbingParser Kind = iota
	PatternMatch
)

func (k Kind) String() string {
	if k == ProbingParser {
		return "probing-parser"
	}
	return "pattern-match"
}

// Verdict is the outcome of running one Probe against the buffered prefix of
// a direction.
type Verdict uint8

const (
	// Rejected means this probe will never match this input, regardless of
	// how much more data arrives.
	Rejected Verdict = iota
	// NeedMoreData means the probe hasn't seen enough bytes to decide yet.
	NeedMoreData
	// Matched means the probe positively identified its protocol.
	Matched
)

// Result is a probe's verdict on one call.
type Result struct {
	Verdict Verdict
	// Proto is set only when Verdict == Matched.
	Proto alproto.AppProto
}

// Probe is one candidate application protocol's detection logic, tried in
// registration order against the buffered prefix of a direction (spec.md
// §4.6 case "no direction value yet" / the per-probe loop in
// AppLayerProtoDetectPPGetProto / AppLayerProtoDetectPMGetProto).
type Probe interface {
	Name() string
	Kind() Kind
	// Proto is the AppProto this probe identifies on Matched.
	Proto() alproto.AppProto
	// FirstDataDir restricts which direction may carry this protocol's first
	// bytes (MaskNone means unconstrained), spec.md §4.4 Case S.b1/S.c.
	FirstDataDir() appstate.DirMask
	// MaxDepth is the number of prefix bytes this probe is willing to look
	// at; once a direction has buffered at least this many bytes without a
	// Matched verdict, the probe is considered exhausted (AppLayerProtoDetectPPGetProto's
	// "max-depth reached" rule).
	MaxDepth() int64
	// Probe inspects the buffered prefix seen so far in one direction.
	Probe(input memview.MemView, dir appstate.Direction) Result
}
