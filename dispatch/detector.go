package dispatch

import (
	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/memview"
	"github.com/kestrelnet/dpiflow/protodetect"
)

// Detector is the injected protocol-detection dependency (spec.md §6,
// "Protocol detector"). Unlike the original's opaque `detect()` call, it
// reports PP/PM exhaustion for this call so the dispatcher can maintain
// Flow's PPDone/PMDone bits without the detector needing write access to the
// flow itself.
type Detector interface {
	// Detect runs every registered probe applicable to dir against bytes
	// (the full carry-forward prefix seen so far in this direction, per
	// spec.md §4.4 Case S.d1 "scans a superset"). When nothing matches,
	// ppExhausted/pmExhausted report whether every PP/PM probe has rejected
	// or hit its max depth on this call; on a match, the flag of the
	// strategy that matched is true and the other is false.
	Detect(bytes memview.MemView, transport appstate.Transport, dir appstate.Direction) (proto alproto.AppProto, ppExhausted, pmExhausted bool)

	ByName(name string) (alproto.AppProto, bool)
	ProtoString(p alproto.AppProto) (string, bool)
}

// ProbeDetector adapts a protodetect.Detector (a static set of PP/PM probes)
// to the Detector interface. It is stateless across calls by design: each
// call builds a fresh live-probe set from scratch and runs it against
// whatever prefix is supplied, matching the original detector's behavior of
// being handed a growing byte range rather than remembering per-probe
// elimination itself.
type ProbeDetector struct {
	registry *alproto.Registry
	inner    *protodetect.Detector
}

func NewProbeDetector(reg *alproto.Registry, inner *protodetect.Detector) *ProbeDetector {
	return &ProbeDetector{registry: reg, inner: inner}
}

func (d *ProbeDetector) Detect(bytes memview.MemView, transport appstate.Transport, dir appstate.Direction) (alproto.AppProto, bool, bool) {
	ppProbes := d.inner.PPProbes()
	pmProbes := d.inner.PMProbes()

	ppOutcome := protodetect.DetectPP(ppProbes, protodetect.LiveSet(ppProbes), bytes, dir)
	if ppOutcome.Matched {
		return ppOutcome.Proto, true, false
	}

	pmOutcome := protodetect.DetectPM(pmProbes, protodetect.LiveSet(pmProbes), bytes, dir)
	if pmOutcome.Matched {
		return pmOutcome.Proto, false, true
	}

	return alproto.Unknown, ppOutcome.Exhausted, pmOutcome.Exhausted
}

func (d *ProbeDetector) ByName(name string) (alproto.AppProto, bool) {
	return d.registry.ByName(name)
}

func (d *ProbeDetector) ProtoString(p alproto.AppProto) (string, bool) {
	return d.registry.String(p)
}
