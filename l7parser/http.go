package l7parser

import (
	"bufio"
	"io"
	"net/http"

	"github.com/kestrelnet/dpiflow/alproto"
	"github.com/kestrelnet/dpiflow/appstate"
	"github.com/kestrelnet/dpiflow/gid"
	"github.com/kestrelnet/dpiflow/gnet"
	"github.com/kestrelnet/dpiflow/mempool"
	"github.com/kestrelnet/dpiflow/memview"
	"github.com/pkg/errors"
)

// MaximumHTTPLength bounds how many bytes of a single request/response this
// parser will hold before forcing a flush. No CLI flag sets it; code that
// changes it must do so before dispatch.Setup runs, since changing it
// afterward is a race.
var MaximumHTTPLength int64 = 1024 * 1024

// NewHTTPFactory returns the Factory for HTTP/1.x, backed by buf for
// request/response bodies.
func NewHTTPFactory(proto alproto.AppProto, buf mempool.BufferPool) Factory {
	return httpFactory{proto: proto, bufferPool: buf}
}

type httpFactory struct {
	proto      alproto.AppProto
	bufferPool mempool.BufferPool
}

func (f httpFactory) Proto() alproto.AppProto { return f.proto }

// FirstDataDir is MaskToServer: an HTTP/1.x transaction always opens with a
// request line from the client (spec.md §4.4 Case S.b1/S.c worked example).
func (httpFactory) FirstDataDir() appstate.DirMask { return appstate.MaskToServer }

func (f httpFactory) CreateParser(flow gid.FlowID) Parser {
	output := make(chan gnet.NetTraffic, 1)
	return &httpParser{
		flow:       flow,
		bufferPool: f.bufferPool,
		output:     output,
		requests:   newHTTPSideState(true, flow, output, f.bufferPool),
		responses:  newHTTPSideState(false, flow, output, f.bufferPool),
	}
}

// httpParser runs Go's stdlib HTTP reader for each direction independently.
// Each direction gets its own goroutine-backed pipe, following the teacher's
// synchronous-reader-made-async trick, because http.ReadRequest/ReadResponse
// block.
type httpParser struct {
	flow       gid.FlowID
	bufferPool mempool.BufferPool
	output     chan gnet.NetTraffic
	requests   *httpSideState
	responses  *httpSideState
}

func (*httpParser) Name() string { return "HTTP/1.x" }

func (p *httpParser) Parse(dir appstate.Direction, input memview.MemView, isEnd bool) (int64, error) {
	side := p.responses
	if dir == appstate.DirToServer {
		side = p.requests
	}
	return side.parse(input, isEnd)
}

// Output delivers completed requests/responses as they finish parsing;
// dispatch.ParserTable drains it after each Parse call and forwards
// entries to whatever dispatch.OutputSink is configured (e.g.
// export.HARSink).
func (p *httpParser) Output() <-chan gnet.NetTraffic { return p.output }

// Close aborts both directions' reader goroutines. Without this, a side left
// mid-message when the flow tears down (e.g. a queued response whose request
// was never replayed through it) leaks a goroutine parked forever on
// http.ReadRequest/ReadResponse.
func (p *httpParser) Close() error {
	p.requests.abort()
	p.responses.abort()
	return nil
}

type httpSideState struct {
	isRequest  bool
	flow       gid.FlowID
	bufferPool mempool.BufferPool
	output     chan<- gnet.NetTraffic

	w                  *io.PipeWriter
	readClosed         chan error
	resultChan         chan struct{}
	totalBytesConsumed int64
	active             bool

	// msgSeq counts completed messages on this side, standing in for the
	// teacher's TCP ack/seq-based request/response pairing key.
	msgSeq int
}

func newHTTPSideState(isRequest bool, flow gid.FlowID, output chan<- gnet.NetTraffic, pool mempool.BufferPool) *httpSideState {
	return &httpSideState{isRequest: isRequest, flow: flow, output: output, bufferPool: pool}
}

func (s *httpSideState) parse(input memview.MemView, isEnd bool) (totalConsumed int64, err error) {
	if !s.active {
		s.start()
	}

	var consumedBytes int64
	defer func() {
		totalConsumed = s.totalBytesConsumed

		if err == nil {
			return
		}
		switch e := err.(type) {
		case httpPipeReaderDone:
			<-s.resultChan
			unused := input.SubView(consumedBytes-int64(e), input.Len())
			totalConsumed -= unused.Len()
			err = nil
			s.active = false
		case httpPipeReaderError:
			err = e.err
			s.active = false
		default:
			err = errors.Wrap(err, "http parser: unexpected pipe reader error")
		}
	}()

	s.totalBytesConsumed += input.Len()

	consumedBytes, err = io.Copy(s.w, input.CreateReader())
	if err != nil {
		return
	}

	// Force a zero-length write: if the reader already finished parsing, this
	// blocks until it closes; otherwise it is a no-op.
	if _, werr := s.w.Write([]byte{}); werr != nil {
		err = werr
		return
	}

	if isEnd || s.totalBytesConsumed > MaximumHTTPLength {
		s.w.Close()
		err = <-s.readClosed
	}

	return
}

// abort unblocks this side's reader goroutine if one is still running and
// waits for it to exit, so Close never returns while a goroutine it started
// is still alive.
func (s *httpSideState) abort() {
	if !s.active {
		return
	}
	s.w.CloseWithError(io.ErrClosedPipe)
	<-s.readClosed
	s.active = false
}

func (s *httpSideState) start() {
	resultChan := make(chan struct{})
	readClosed := make(chan error, 1)
	r, w := io.Pipe()
	streamUUID := s.flow.GetUUID()
	seq := s.msgSeq
	s.msgSeq++

	go func() {
		br := bufio.NewReader(r)
		body := s.bufferPool.NewBuffer()

		var req *http.Request
		var resp *http.Response
		var err error
		if s.isRequest {
			req, err = readSingleRequest(br, body)
		} else {
			resp, err = readSingleResponse(br, body)
		}
		if err != nil {
			perr := httpPipeReaderError{err: err}
			r.CloseWithError(perr)
			readClosed <- perr
			body.Release()
			return
		}

		doneErr := httpPipeReaderDone(br.Buffered())
		r.CloseWithError(doneErr)
		readClosed <- doneErr

		var content gnet.ParsedNetworkContent
		if s.isRequest {
			c := gnet.FromStdRequest(streamUUID, seq, req, body)
			content = c
		} else {
			c := gnet.FromStdResponse(streamUUID, seq, resp, body)
			content = c
		}
		s.output <- gnet.NetTraffic{
			LayerType: "HTTP/1.x",
			Content:   content,
		}
		resultChan <- struct{}{}
	}()

	s.w = w
	s.resultChan = resultChan
	s.readClosed = readClosed
	s.totalBytesConsumed = 0
	s.active = true
}

func readSingleRequest(r *bufio.Reader, body mempool.Buffer) (*http.Request, error) {
	req, err := http.ReadRequest(r)
	if err != nil {
		return nil, err
	}
	if req.Body == nil {
		return req, nil
	}
	_, bodyErr := io.Copy(body, req.Body)
	req.Body.Close()
	if errors.Is(bodyErr, io.ErrUnexpectedEOF) || errors.Is(bodyErr, mempool.ErrEmptyPool) {
		bodyErr = nil
	}
	return req, bodyErr
}

func readSingleResponse(r *bufio.Reader, body mempool.Buffer) (*http.Response, error) {
	resp, err := http.ReadResponse(r, nil)
	if err != nil {
		return nil, err
	}
	if resp.Body == nil {
		return resp, nil
	}
	_, bodyErr := io.Copy(body, resp.Body)
	resp.Body.Close()
	if errors.Is(bodyErr, io.ErrUnexpectedEOF) || errors.Is(bodyErr, mempool.ErrEmptyPool) {
		bodyErr = nil
	}
	return resp, bodyErr
}

type httpPipeReaderDone int64

func (httpPipeReaderDone) Error() string { return "http parser: pipe reader done" }

type httpPipeReaderError struct{ err error }

func (e httpPipeReaderError) Error() string { return e.err.Error() }
