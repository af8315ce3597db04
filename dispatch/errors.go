package dispatch

import "github.com/pkg/errors"

// Sentinel errors returned from TCPDispatcher.Dispatch's "fail" branches
// (spec.md §7). The reassembler treats any of these as "stop feeding this
// chunk"; the flow continues under whatever state the dispatcher left
// behind.
var (
	ErrWrongDirectionFirstData = errors.New("dispatch: protocol detected on direction that cannot supply first data")
	ErrReplayFailed            = errors.New("dispatch: opposing stream replay failed")
	ErrRetryReset              = errors.New("dispatch: detection reset for retry, wrong direction supplied first data")
	// ErrNoContext is returned by NewThreadContext when the Engine it was
	// given has no detector/parser to hand out -- i.e. NewThreadContext was
	// called before Setup, or with a zero Engine. It is not a resource
	// exhaustion error: the detector and parser table are stateless and
	// shared by every ThreadContext, so there is no per-thread handle that
	// can fail to acquire once the Engine itself is populated (SPEC_FULL.md
	// §4.1).
	ErrNoContext = errors.New("dispatch: engine not set up, no detector/parser to attach")
)
