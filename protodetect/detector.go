package protodetect

import (
	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/memview"
)

// Detector holds the ordered probe set for one transport and runs them
// against buffered prefixes, playing the role of
// AppLayerProtoDetectGetProto in the original source.
type Detector struct {
	registry *alproto.Registry
	pp       []Probe
	pm       []Probe
}

// NewDetector re-registers in reg the name reg already holds for each
// probe's Proto (a probe whose Proto reg does not know registers the empty
// name), and returns a Detector
// that tries probing parsers before pattern-match probes, matching the
// original's PP-before-PM precedence (spec.md §2).
func NewDetector(reg *alproto.Registry, probes ...Probe) *Detector {
	d := &Detector{registry: reg}
	for _, p := range probes {
		reg.Register(protoName(reg, p.Proto()))
		switch p.Kind() {
		case ProbingParser:
			d.pp = append(d.pp, p)
		default:
			d.pm = append(d.pm, p)
		}
	}
	return d
}

func protoName(reg *alproto.Registry, p alproto.AppProto) string {
	if name, ok := reg.String(p); ok {
		return name
	}
	return ""
}

// Outcome reports what DetectOne decided, distinguishing "still deciding"
// (every live probe said NeedMoreData) from "exhausted" (every remaining
// candidate has been rejected or hit its max depth) so dispatch.TCPDispatcher
// can set PPDone/PMDone precisely as spec.md §4.4 requires.
type Outcome struct {
	Matched   bool
	Proto     alproto.AppProto
	Exhausted bool
}

// DetectPP runs every still-live probing-parser probe against input and
// reports the combined outcome. live is the probe name set that has not yet
// been rejected for this direction; DetectPP mutates it in place, removing
// probes that reject or exceed their max depth.
func DetectPP(probes []Probe, live map[string]bool, input memview.MemView, dir appstate.Direction) Outcome {
	return detect(probes, live, input, dir)
}

// DetectPM runs every still-live pattern-match probe. Pattern matchers do
// not carry a "running out of room" depth concept in the original source in
// the same way PP does, but the same MaxDepth bookkeeping is reused here so
// a PM probe can still bound its own lookback.
func DetectPM(probes []Probe, live map[string]bool, input memview.MemView, dir appstate.Direction) Outcome {
	return detect(probes, live, input, dir)
}

func detect(probes []Probe, live map[string]bool, input memview.MemView, dir appstate.Direction) Outcome {
	anyLive := false
	for _, p := range probes {
		if live != nil && !live[p.Name()] {
			continue
		}
		if !p.FirstDataDir().Has(dir) && p.FirstDataDir() != appstate.MaskNone {
			// Probe cannot match in this direction; it is not "rejected" by
			// content, simply inapplicable, so it does not count toward
			// exhaustion.
			continue
		}

		r := p.Probe(input, dir)
		switch r.Verdict {
		case Matched:
			return Outcome{Matched: true, Proto: r.Proto}
		case Rejected:
			if live != nil {
				delete(live, p.Name())
			}
			continue
		case NeedMoreData:
			if p.MaxDepth() > 0 && input.Len() >= p.MaxDepth() {
				if live != nil {
					delete(live, p.Name())
				}
				continue
			}
			anyLive = true
		}
	}
	return Outcome{Exhausted: !anyLive}
}

// LiveSet builds the initial "still a candidate" set for a fresh direction:
// every probe of the given kind starts alive.
func LiveSet(probes []Probe) map[string]bool {
	live := make(map[string]bool, len(probes))
	for _, p := range probes {
		live[p.Name()] = true
	}
	return live
}

func (d *Detector) PPProbes() []Probe { return d.pp }
func (d *Detector) PMProbes() []Probe { return d.pm }
