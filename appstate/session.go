package appstate

import (
	"github.com/kestrelnet/dpiflow/mempool"
	"github.com/kestrelnet/dpiflow/memview"
)

// StreamFlags is the per-TcpStream bitset from spec.md §3.
type StreamFlags struct {
	// Sticky once set by the dispatcher; cleared only by the
	// retry-from-scratch path (Case R, spec.md §4.4).
	appProtoDetectionCompleted bool
}

func (f *StreamFlags) DetectionCompleted() bool {
	return f.appProtoDetectionCompleted
}

func (f *StreamFlags) SetDetectionCompleted() {
	f.appProtoDetectionCompleted = true
}

func (f *StreamFlags) ResetDetectionCompleted() {
	f.appProtoDetectionCompleted = false
}

// TcpStream is one directional half of a TcpSession.
type TcpStream struct {
	Dir           Direction
	Flags         StreamFlags
	NoReassembly  bool
	Queue         StreamMessageQueue
}

// TcpSession is the per-flow TCP state attached when the transport is TCP.
type TcpSession struct {
	Client *TcpStream
	Server *TcpStream

	// DataFirstSeenDir tracks which direction's payload bytes were seen
	// first, and is monotone: MaskNone -> {MaskToServer|MaskToClient} ->
	// MaskSettled (spec.md §3 invariant, P2).
	DataFirstSeenDir DirMask
}

func NewTcpSession() *TcpSession {
	return &TcpSession{
		Client: &TcpStream{Dir: DirToServer},
		Server: &TcpStream{Dir: DirToClient},
	}
}

func (s *TcpSession) Stream(dir Direction) *TcpStream {
	if dir == DirToServer {
		return s.Client
	}
	return s.Server
}

// ObserveFirstData records that payload bytes were just seen in dir, for the
// purposes of the data-first-seen-dir invariant. It never regresses a
// MaskSettled value, and never "downgrades" one single direction's mark to
// the other direction's mark.
func (s *TcpSession) ObserveFirstData(dir Direction) {
	if s.DataFirstSeenDir == MaskSettled {
		return
	}
	if s.DataFirstSeenDir == MaskNone {
		s.DataFirstSeenDir = maskOf(dir)
	}
}

// Settle implements the "set a value that is neither STREAM_TOSERVER nor
// STREAM_TOCLIENT" step that appears repeatedly in spec.md §4.4.
func (s *TcpSession) Settle() {
	s.DataFirstSeenDir = MaskSettled
}

// Enqueue implements spec.md §4.5: append msg to the session's per-direction
// queue, preserving insertion order. Callers must not dereference msg.Flow
// after this call; Enqueue clears it as part of detaching the weak
// back-reference described in spec.md §9.
func (s *TcpSession) Enqueue(msg *StreamMsg) {
	msg.Flow = nil
	s.Stream(msg.Dir).Queue.pushBack(msg)
}

// StreamMsg is a reassembled chunk produced by the reassembler, queued for
// later inspection-stage consumption (spec.md §3).
type StreamMsg struct {
	// Flow is a weak back-reference, valid only until this message is
	// enqueued into a session or returned to the pool (spec.md §9).
	Flow *Flow
	Dir  Direction

	buffer mempool.Buffer
	prev   *StreamMsg
	next   *StreamMsg
}

func NewStreamMsg(pool mempool.BufferPool, flow *Flow, dir Direction, payload []byte) *StreamMsg {
	buf := pool.NewBuffer()
	buf.Write(payload)
	return &StreamMsg{
		Flow:   flow,
		Dir:    dir,
		buffer: buf,
	}
}

func (m *StreamMsg) Payload() memview.MemView {
	return m.buffer.Bytes()
}

// ReturnToPool releases the message's backing storage. Called either
// directly (no session attached, spec.md §4.5) or after the inspection stage
// has drained the session's queue.
func (m *StreamMsg) ReturnToPool() {
	m.buffer.Release()
	m.prev = nil
	m.next = nil
}

// StreamMessageQueue is a per-direction doubly-linked queue of raw
// reassembled chunks attached to a TCP session (spec.md §2).
type StreamMessageQueue struct {
	head *StreamMsg
	tail *StreamMsg
	len  int
}

func (q *StreamMessageQueue) pushBack(msg *StreamMsg) {
	msg.prev = q.tail
	msg.next = nil
	if q.tail != nil {
		q.tail.next = msg
	} else {
		q.head = msg
	}
	q.tail = msg
	q.len++
}

// PopFront removes and returns the oldest queued message, or nil if the
// queue is empty.
func (q *StreamMessageQueue) PopFront() *StreamMsg {
	msg := q.head
	if msg == nil {
		return nil
	}
	q.head = msg.next
	if q.head != nil {
		q.head.prev = nil
	} else {
		q.tail = nil
	}
	msg.next = nil
	q.len--
	return msg
}

func (q *StreamMessageQueue) Len() int {
	return q.len
}
