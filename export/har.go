// Package export turns completed application-layer transactions into
// portable artifacts for downstream tooling. The only exporter so far is
// HAR, adapted from the teacher's gnet/har.go -- that file converts FROM a
// HAR file INTO gnet.HTTPRequest/HTTPResponse (for replaying recorded
// traffic); this package runs the conversion the other way, turning live
// dispatch.TCPDispatcher output into a HAR log.
package export

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/google/martian/v3/har"
	"github.com/kestrelnet/dpiflow/gnet"
	"github.com/pkg/errors"
)

// HARSink accumulates completed HTTP requests/responses (matched by
// gnet.HTTPRequest.GetStreamKey/gnet.HTTPResponse.GetStreamKey) into a
// martian/v3/har log and flushes it as HAR JSON.
type HARSink struct {
	logger *har.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewHARSink builds a sink backed by a fresh martian/v3/har.Logger.
func NewHARSink() *HARSink {
	return &HARSink{
		logger:  har.NewLogger(),
		pending: make(map[string]struct{}),
	}
}

// Consume feeds one piece of completed output from an l7parser.Parser's
// Output() channel into the HAR log. Anything other than
// gnet.HTTPRequest/gnet.HTTPResponse is ignored; HAR only models HTTP
// request/response pairs, so e.g. TLS handshake metadata or SSH banners
// have no HAR representation (this is a deliberate gap, not an oversight --
// see DESIGN.md).
func (s *HARSink) Consume(traffic gnet.NetTraffic) error {
	switch content := traffic.Content.(type) {
	case gnet.HTTPRequest:
		key := content.GetStreamKey()
		if err := s.logger.RecordRequest(key, content.ToStdRequest()); err != nil {
			return errors.Wrap(err, "export: recording HAR request")
		}
		s.mu.Lock()
		s.pending[key] = struct{}{}
		s.mu.Unlock()

	case gnet.HTTPResponse:
		key := content.GetStreamKey()
		if err := s.logger.RecordResponse(key, content.ToStdResponse()); err != nil {
			return errors.Wrap(err, "export: recording HAR response")
		}
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}

	return nil
}

// Flush writes the accumulated HAR log as JSON to w and resets the logger,
// so a long-running capture can periodically emit partial HAR files instead
// of holding every transaction in memory for the process lifetime.
func (s *HARSink) Flush(w io.Writer) error {
	h := s.logger.ExportAndReset()
	return json.NewEncoder(w).Encode(h)
}

// Pending reports how many requests are still awaiting a matching response.
// A long-running capture with a persistently high Pending count usually
// means some parser never finished the other side of a transaction.
func (s *HARSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
