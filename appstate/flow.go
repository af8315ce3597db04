package appstate

import (
	"sync"

	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/gid"
)

// FlowFlags is the flow-wide bitset from spec.md §3. Per-direction bits
// (PPDone/PMDone) are still stored here, keyed by Direction, rather than as
// raw bit positions the caller has to shift by hand.
type FlowFlags struct {
	noAppLayerInspection bool
	alprotoDetectDone    bool // UDP only: ALPROTO_DETECT_DONE
	ppDone               [2]bool
	pmDone               [2]bool
}

// DetectionState is the redesign-flag state machine from spec.md §9: the
// per-direction detection lifecycle, collapsed from the four independent
// booleans (NoAppLayerInspection, alproto set?, PPDone, PMDone) into one of a small number of
// meaningful states. It is derived, not stored — Flow keeps the literal bits
// because the dispatch logic in dispatch.TCPDispatcher is transcribed
// directly from the bit-testing original, but DetectionState gives a single
// name for what combination of bits a direction is currently in, for logging
// and tests.
type DetectionState uint8

const (
	StateInitial DetectionState = iota
	StateDetectInProgress
	StateExhausted
	StateParsing
	StateDisabled
)

func (s DetectionState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateDetectInProgress:
		return "detect-in-progress"
	case StateExhausted:
		return "exhausted"
	case StateParsing:
		return "parsing"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Flow is the engine's bidirectional conversation record, spec.md §3.
type Flow struct {
	mu sync.RWMutex

	ID              gid.FlowID
	TransportProto  Transport
	AlprotoTS       alproto.AppProto
	AlprotoTC       alproto.AppProto
	Alproto         alproto.AppProto
	DataALSoFar     [2]int
	Flags           FlowFlags
	AppLayerEvents  []Event

	// Session is the TcpSession attached when TransportProto == TransportTCP,
	// nil for UDP flows.
	Session *TcpSession

	// AppState is the opaque per-protocol parser state attached once a
	// protocol is detected (the flow's "alstate" slot). Dispatchers type-
	// assert it to whatever concrete parser state their l7parser.Factory
	// produces.
	AppState interface{}

	// locked is a bookkeeping flag, not a real mutex introspection (Go
	// offers none): it lets TCPDispatcher.Dispatch assert its "caller
	// already holds the write lock" precondition (spec.md §5), mirroring
	// DEBUG_ASSERT_FLOW_LOCKED in the original source.
	locked bool
}

func NewFlow(transport Transport) *Flow {
	return &Flow{
		ID:             gid.GenerateFlowID(),
		TransportProto: transport,
	}
}

// Lock/Unlock satisfy sync.Locker so UDPDispatcher can take the flow's write
// lock itself for the whole dispatch call (spec.md §4.3, §5).
func (f *Flow) Lock() {
	f.mu.Lock()
	f.locked = true
}

func (f *Flow) Unlock() {
	f.locked = false
	f.mu.Unlock()
}

// MustBeLocked panics if the caller has not already taken the flow's write
// lock. TCPDispatcher.Dispatch calls this on entry: the reassembler is
// required to hold the lock before calling in (spec.md §5), and this is a
// caller-contract violation, not a recoverable condition.
func (f *Flow) MustBeLocked() {
	if !f.locked {
		panic("appstate: TCP dispatch entered without the flow write lock held")
	}
}

// AlprotoForDir returns a pointer to the per-direction detected-protocol
// slot, so callers can read and assign through it exactly as the original's
// `alproto = &f->alproto_ts` does.
func (f *Flow) AlprotoForDir(dir Direction) *alproto.AppProto {
	if dir == DirToServer {
		return &f.AlprotoTS
	}
	return &f.AlprotoTC
}

func (f *Flow) NoAppLayerInspection() bool {
	return f.Flags.noAppLayerInspection
}

func (f *Flow) SetNoAppLayerInspection() {
	f.Flags.noAppLayerInspection = true
}

func (f *Flow) AlprotoDetectDone() bool {
	return f.Flags.alprotoDetectDone
}

func (f *Flow) SetAlprotoDetectDone() {
	f.Flags.alprotoDetectDone = true
}

func (f *Flow) PPDone(dir Direction) bool {
	return f.Flags.ppDone[dir]
}

func (f *Flow) PMDone(dir Direction) bool {
	return f.Flags.pmDone[dir]
}

func (f *Flow) SetPPDone(dir Direction) {
	f.Flags.ppDone[dir] = true
}

func (f *Flow) SetPMDone(dir Direction) {
	f.Flags.pmDone[dir] = true
}

// ResetPPDone/ResetPMDone implement FLOW_RESET_PP_DONE/FLOW_RESET_PM_DONE,
// used only by the Case R retry-reset path (spec.md §4.4).
func (f *Flow) ResetPPDone(dir Direction) {
	f.Flags.ppDone[dir] = false
}

func (f *Flow) ResetPMDone(dir Direction) {
	f.Flags.pmDone[dir] = false
}

// State derives the coarse DetectionState for a direction from the literal
// bits, per the redesign-flag Design Note in spec.md §9.
func (f *Flow) State(dir Direction) DetectionState {
	if f.Flags.noAppLayerInspection {
		return StateDisabled
	}
	proto := *f.AlprotoForDir(dir)
	switch {
	case proto != alproto.Unknown:
		return StateParsing
	case f.PPDone(dir) && f.PMDone(dir):
		return StateExhausted
	case f.PPDone(dir) || f.PMDone(dir):
		return StateDetectInProgress
	default:
		return StateInitial
	}
}

// CleanupAppLayer implements FlowCleanupAppLayer: clears the flow's detected
// protocol and per-direction probe progress so detection can restart from
// scratch (Case R retry-reset).
func (f *Flow) CleanupAppLayer(dir Direction) {
	f.Alproto = alproto.Unknown
	*f.AlprotoForDir(dir) = alproto.Unknown
	f.ResetPPDone(dir)
	f.ResetPMDone(dir)
}
