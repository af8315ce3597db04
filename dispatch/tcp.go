package dispatch

import (
	"time"

	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/memview"
	"go.uber.org/zap"
)

// TCPDispatcher is the per-worker TCP application-layer dispatch entry
// point (spec.md §4.4). It is owned by exactly one ThreadContext; nothing
// in it is safe to share across workers.
type TCPDispatcher struct {
	ctx         *ThreadContext
	reassembler Reassembler
	events      appstate.EventSink
}

func NewTCPDispatcher(ctx *ThreadContext, r Reassembler, sink appstate.EventSink) *TCPDispatcher {
	if sink == nil {
		sink = appstate.DefaultEventSink
	}
	return &TCPDispatcher{ctx: ctx, reassembler: r, events: sink}
}

// TCPInput is one reassembled chunk handed to Dispatch. Bytes carries
// different content depending on which case ends up handling it: while
// detection is still undecided for this direction (flag Start set, i.e. the
// stream's APP_PROTO_DETECTION_COMPLETED bit is unset) it is the *cumulative*
// buffer seen in this direction since the stream began, growing call over
// call; once detection has completed it is just the new chunk. This mirrors
// the original reassembler's behavior of holding pre-detection bytes in a
// growing buffer and switching to streaming per-chunk delivery afterward.
type TCPInput struct {
	Flow  *appstate.Flow
	Dir   appstate.Direction
	Bytes memview.MemView
	Start bool
	Gap   bool
	// Events collects anomaly events raised while handling this chunk
	// (spec.md §3, events are attached to the packet, not the flow).
	Events *[]appstate.Event
}

// Dispatch implements the TcpDispatcher entry point (spec.md §4.4). The
// caller must already hold flow's write lock; Dispatch asserts this and
// panics otherwise (spec.md §5, §7).
func (d *TCPDispatcher) Dispatch(in TCPInput) error {
	start := time.Now()
	defer func() {
		dispatchDuration.WithLabelValues("tcp").Observe(time.Since(start).Seconds())
	}()

	flow := in.Flow
	flow.MustBeLocked()

	if flow.NoAppLayerInspection() {
		return nil
	}

	session := flow.Session
	dir := in.Dir
	other := dir.Other()

	// Record which direction's bytes were observed first, independent of
	// whether detection succeeds this call. This mirrors the stream engine
	// stamping data_first_seen_dir the moment the first payload byte for
	// the session arrives, before app-layer dispatch ever runs against it
	// (original_source/src/app-layer.c never assigns data_first_seen_dir a
	// concrete direction itself, only the SENTINEL value, which only makes
	// sense if something upstream already seeded it).
	if in.Bytes.Len() > 0 {
		session.ObserveFirstData(dir)
	}

	thisSlot := flow.AlprotoForDir(dir)
	otherSlot := flow.AlprotoForDir(other)

	switch {
	case *thisSlot == alproto.Unknown && in.Gap:
		return d.caseGap(flow, session, dir)

	case *thisSlot == alproto.Unknown && in.Start:
		return d.caseStreamStart(flow, session, dir, other, thisSlot, otherSlot, in)

	default:
		return d.caseSteadyState(flow, dir, in)
	}
}

// caseGap implements Case G: a reassembly gap arrived before detection ever
// ran on this direction. The direction is given up on permanently.
func (d *TCPDispatcher) caseGap(flow *appstate.Flow, session *appstate.TcpSession, dir appstate.Direction) error {
	session.Stream(dir).Flags.SetDetectionCompleted()
	d.reassembler.SetSessionNoReassembly(session, dir)
	return nil
}

// caseStreamStart implements Case S in full: detection attempt, mismatch
// resolution, opposing-stream replay, the direction-of-first-data checks,
// and both failure-to-detect sub-branches (d1/d2).
func (d *TCPDispatcher) caseStreamStart(
	flow *appstate.Flow,
	session *appstate.TcpSession,
	dir, other appstate.Direction,
	thisSlot, otherSlot *alproto.AppProto,
	in TCPInput,
) error {
	carry := 0
	if in.Bytes.Len() != 0 {
		carry = flow.DataALSoFar[dir]
	}

	detected, ppExhausted, pmExhausted := d.ctx.Detector.Detect(in.Bytes, flow.TransportProto, dir)
	if ppExhausted {
		flow.SetPPDone(dir)
	}
	if pmExhausted {
		flow.SetPMDone(dir)
	}

	if detected != alproto.Unknown {
		return d.caseStreamStartDetected(flow, session, dir, other, thisSlot, otherSlot, in, carry, detected)
	}
	return d.caseStreamStartUndetected(flow, session, dir, other, in, carry, *otherSlot)
}

func (d *TCPDispatcher) caseStreamStartDetected(
	flow *appstate.Flow,
	session *appstate.TcpSession,
	dir, other appstate.Direction,
	thisSlot, otherSlot *alproto.AppProto,
	in TCPInput,
	carry int,
	detected alproto.AppProto,
) error {
	*thisSlot = detected

	if *otherSlot != alproto.Unknown && *otherSlot != detected {
		d.events.Raise(in.Events, appstate.EventMismatchProtocolBothDirections)
		eventsRaised.WithLabelValues("mismatch_protocol_both_directions").Inc()

		if session.DataFirstSeenDir == appstate.MaskSettled {
			// Some data was already sent to the parser: canonicalize to
			// whatever the other direction already settled on.
			flow.Alproto = *otherSlot
			*thisSlot = *otherSlot
			detected = *otherSlot
		} else if dir == appstate.DirToClient {
			*otherSlot = detected
		} else {
			detected = *otherSlot
			*thisSlot = *otherSlot
		}
	}

	flow.Alproto = *thisSlot
	session.Stream(dir).Flags.SetDetectionCompleted()

	if session.DataFirstSeenDir != appstate.MaskNone &&
		session.DataFirstSeenDir != appstate.MaskSettled &&
		!session.DataFirstSeenDir.Has(dir) {

		if err := replay(d.reassembler, session, other); err != nil {
			flow.SetNoAppLayerInspection()
			session.Stream(dir).Flags.SetDetectionCompleted()
			session.Stream(other).Flags.SetDetectionCompleted()
			dispatchFailures.WithLabelValues("replay_failed").Inc()
			return ErrReplayFailed
		}
	}

	if session.DataFirstSeenDir != appstate.MaskSettled {
		required := d.ctx.Parser.FirstDataDir(detected)

		if required != appstate.MaskNone && required&session.DataFirstSeenDir == 0 {
			d.events.Raise(in.Events, appstate.EventWrongDirectionFirstData)
			eventsRaised.WithLabelValues("wrong_direction_first_data").Inc()
			flow.SetNoAppLayerInspection()
			session.Stream(dir).Flags.SetDetectionCompleted()
			session.Stream(other).Flags.SetDetectionCompleted()
			session.Settle()
			dispatchFailures.WithLabelValues("wrong_direction_first_data").Inc()
			return ErrWrongDirectionFirstData
		}

		if required != appstate.MaskNone && !required.Has(dir) {
			if *otherSlot != alproto.Unknown {
				panic("dispatch: Case R precondition violated: other direction already has a protocol")
			}
			flow.CleanupAppLayer(dir)
			session.Stream(dir).Flags.ResetDetectionCompleted()
			dispatchFailures.WithLabelValues("retry_reset").Inc()
			return ErrRetryReset
		}
	}

	session.Settle()

	if err := d.ctx.Parser.Parse(flow, detected, dir, sub(in.Bytes, carry)); err != nil {
		return err
	}
	flow.DataALSoFar[dir] = 0

	return nil
}

func (d *TCPDispatcher) caseStreamStartUndetected(
	flow *appstate.Flow,
	session *appstate.TcpSession,
	dir, other appstate.Direction,
	in TCPInput,
	carry int,
	alprotoOther alproto.AppProto,
) error {
	if alprotoOther != alproto.Unknown {
		required := d.ctx.Parser.FirstDataDir(alprotoOther)

		if session.DataFirstSeenDir != appstate.MaskSettled && required != appstate.MaskNone && !required.Has(dir) {
			flow.SetNoAppLayerInspection()
			session.Stream(dir).Flags.SetDetectionCompleted()
			session.Stream(other).Flags.SetDetectionCompleted()
			dispatchFailures.WithLabelValues("wrong_direction_first_data").Inc()
			return ErrWrongDirectionFirstData
		}

		if in.Bytes.Len() > 0 {
			session.Settle()
		}

		if err := d.ctx.Parser.Parse(flow, alprotoOther, dir, sub(in.Bytes, carry)); err != nil {
			return err
		}

		if flow.PPDone(dir) && flow.PMDone(dir) {
			d.events.Raise(in.Events, appstate.EventDetectProtocolOnlyOneDirection)
			eventsRaised.WithLabelValues("detect_protocol_only_one_direction").Inc()
			session.Stream(dir).Flags.SetDetectionCompleted()
			flow.DataALSoFar[dir] = 0
		} else {
			flow.DataALSoFar[dir] = int(in.Bytes.Len())
		}
		return nil
	}

	// d2: neither direction known yet.
	if flow.PPDone(dir) && flow.PMDone(dir) && flow.PPDone(other) && flow.PMDone(other) {
		flow.SetNoAppLayerInspection()
		session.Stream(dir).Flags.SetDetectionCompleted()
		session.Stream(other).Flags.SetDetectionCompleted()
		session.Settle()
	}
	return nil
}

// caseSteadyState implements Case N: either this direction's protocol is
// already known, or the chunk is a plain continuation (neither START nor
// GAP). A continuation chunk arriving before detection ever completed is
// pathological and is dropped.
func (d *TCPDispatcher) caseSteadyState(flow *appstate.Flow, dir appstate.Direction, in TCPInput) error {
	if flow.Alproto == alproto.Unknown {
		if d.ctx.Logger != nil {
			d.ctx.Logger.Warn("dropping mid-stream chunk with no detected protocol",
				zap.String("flow", flow.ID.String()), zap.String("dir", dir.String()))
		}
		return nil
	}
	return d.ctx.Parser.Parse(flow, flow.Alproto, dir, in.Bytes)
}

// Close releases whatever parser resources this flow accumulated, e.g. the
// l7parser.Parser's reader goroutines. Callers tear the flow down after
// this; it must already hold flow's write lock, same as Dispatch.
func (d *TCPDispatcher) Close(flow *appstate.Flow) error {
	flow.MustBeLocked()
	return d.ctx.Parser.Close(flow)
}

func sub(mv memview.MemView, carry int) memview.MemView {
	if carry <= 0 {
		return mv
	}
	return mv.SubView(int64(carry), mv.Len())
}
