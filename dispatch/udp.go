package dispatch

import (
	"time"

	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/memview"
)

// UDPDispatcher is the per-worker UDP application-layer dispatch entry
// point (spec.md §4.3). Each datagram is self-contained: there is no
// opposing-stream replay concept for UDP.
type UDPDispatcher struct {
	ctx *ThreadContext
}

func NewUDPDispatcher(ctx *ThreadContext) *UDPDispatcher {
	return &UDPDispatcher{ctx: ctx}
}

// UDPInput is one datagram handed to Dispatch.
type UDPInput struct {
	Flow    *appstate.Flow
	Dir     appstate.Direction
	Payload memview.MemView
}

// Dispatch implements UdpDispatcher: it takes the flow's write lock itself
// for the whole call, including the downstream parser invocation, and
// releases it on every exit path (spec.md §5).
func (d *UDPDispatcher) Dispatch(in UDPInput) error {
	start := time.Now()
	defer func() {
		dispatchDuration.WithLabelValues("udp").Observe(time.Since(start).Seconds())
	}()

	flow := in.Flow
	flow.Lock()
	defer flow.Unlock()

	if flow.Alproto == alproto.Unknown && !flow.AlprotoDetectDone() {
		detected, _, _ := d.ctx.Detector.Detect(in.Payload, appstate.TransportUDP, in.Dir)
		flow.SetAlprotoDetectDone()

		if detected != alproto.Unknown {
			flow.Alproto = detected
			*flow.AlprotoForDir(in.Dir) = detected
			return d.ctx.Parser.Parse(flow, detected, in.Dir, in.Payload)
		}
		return nil
	}

	if flow.Alproto != alproto.Unknown {
		return d.ctx.Parser.Parse(flow, flow.Alproto, in.Dir, in.Payload)
	}

	return nil
}
