package gnet

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kestrelnet/dpiflow/gid"
	"github.com/kestrelnet/dpiflow/mempool"
	"github.com/kestrelnet/dpiflow/memview"
)

// Represents a generic piece of network traffic that has been parsed from the
// wire, after the application-layer dispatch core has routed it to a parser.
type NetTraffic struct {
	LayerClass gopacket.LayerClass
	LayerType  string
	SrcIP      net.IP
	SrcPort    int
	DstIP      net.IP
	DstPort    int
	Content    ParsedNetworkContent
	Interface  string

	ConnectionID gid.ConnectionID

	// The time at which the first packet was observed.
	ObservationTime time.Time

	// The time at which the final packet arrived, for multi-packet content.
	// Equal to ObservationTime for single packets.
	FinalPacketTime time.Time
}

// Interface implemented by all types of data that can be parsed from the
// network.
type ParsedNetworkContent interface {
	ReleaseBuffers()
	Print() string
}

// Content bytes.
type BodyBytes struct {
	memview.MemView
}

var _ ParsedNetworkContent = (*BodyBytes)(nil)

func (b BodyBytes) ReleaseBuffers() {
	b.MemView.Clear()
}

func (b BodyBytes) Print() string {
	return ""
}

// Content bytes length, for bytes that could not be attributed to any
// detected protocol.
type DroppedBytes int64

var _ ParsedNetworkContent = (*DroppedBytes)(nil)

func (DroppedBytes) ReleaseBuffers() {}
func (DroppedBytes) Print() string   { return "" }

func (db DroppedBytes) String() string {
	return fmt.Sprintf("dropped %d bytes", db)
}

// Represents metadata from an observed TCP packet.
type TCPPacketMetadata struct {
	ConnectionID gid.ConnectionID
	SYN          bool
	ACK          bool
	FIN          bool
	RST          bool

	// The size of the TCP payload.
	PayloadLengthBytes int
}

var _ ParsedNetworkContent = (*TCPPacketMetadata)(nil)

func (TCPPacketMetadata) ReleaseBuffers() {}
func (TCPPacketMetadata) Print() string   { return "" }

// Represents metadata from an observed TCP connection.
type TCPConnectionMetadata struct {
	ConnectionID gid.ConnectionID
	Initiator    TCPConnectionInitiator
	EndState     TCPConnectionEndState
}

var _ ParsedNetworkContent = (*TCPConnectionMetadata)(nil)

func (TCPConnectionMetadata) ReleaseBuffers() {}
func (TCPConnectionMetadata) Print() string   { return "" }

// Identifies which of the two endpoints of a connection initiated it.
type TCPConnectionInitiator int

const (
	UnknownTCPConnectionInitiator TCPConnectionInitiator = iota
	SourceInitiator
	DestInitiator
)

// Indicates whether a TCP connection was closed, and if so, how.
type TCPConnectionEndState string

const (
	ConnectionOpen  TCPConnectionEndState = "OPEN"
	ConnectionClose TCPConnectionEndState = "CLOSED"
	ConnectionReset TCPConnectionEndState = "RESET"
)

type HTTPRequest struct {
	// StreamID and Seq uniquely identify a pair of request and response.
	StreamID uuid.UUID
	Seq      int

	Method           string
	ProtoMajor       int
	ProtoMinor       int
	URL              *url.URL
	Host             string
	Header           http.Header
	Body             memview.MemView
	BodyDecompressed bool
	Cookies          []*http.Cookie

	// The buffer (if any) that owns the storage backing the request body.
	buffer mempool.Buffer
}

var _ ParsedNetworkContent = (*HTTPRequest)(nil)

func (r HTTPRequest) ReleaseBuffers() { r.buffer.Release() }
func (r HTTPRequest) Print() string {
	url := ""
	if r.URL != nil {
		url = r.URL.String()
	}
	return fmt.Sprintf("## HTTP -> Request: %s %s %s", r.StreamID.String(), r.Method, url)
}

// Returns a string key that associates this request with its corresponding
// response.
func (r HTTPRequest) GetStreamKey() string {
	return r.StreamID.String() + ":" + strconv.Itoa(r.Seq)
}

type HTTPResponse struct {
	StreamID uuid.UUID
	Seq      int

	StatusCode       int
	ProtoMajor       int
	ProtoMinor       int
	Header           http.Header
	Body             memview.MemView
	BodyDecompressed bool
	Cookies          []*http.Cookie

	buffer mempool.Buffer
}

var _ ParsedNetworkContent = (*HTTPResponse)(nil)

func (r HTTPResponse) ReleaseBuffers() { r.buffer.Release() }
func (r HTTPResponse) Print() string {
	return fmt.Sprintf("## HTTP -> Response: %s %d", r.StreamID.String(), r.StatusCode)
}

func (r HTTPResponse) GetStreamKey() string {
	return r.StreamID.String() + ":" + strconv.Itoa(r.Seq)
}

// Represents metadata from an observed TLS 1.2 or 1.3 Client Hello message.
type TLSClientHello struct {
	ConnectionID gid.ConnectionID

	// The DNS hostname extracted from the SNI extension, if any.
	Hostname *string

	// The protocols supported by the client, as seen in the ALPN extension.
	SupportedProtocols []string
}

var _ ParsedNetworkContent = (*TLSClientHello)(nil)

func (TLSClientHello) ReleaseBuffers() {}
func (TLSClientHello) Print() string   { return "" }

// TLSVersion is a TLS protocol version number as carried in hello messages.
type TLSVersion uint16

// Represents metadata from an observed TLS 1.2 or 1.3 Server Hello message.
type TLSServerHello struct {
	ConnectionID gid.ConnectionID

	Version TLSVersion

	// The selected application-layer protocol, as seen in the ALPN
	// extension, if any.
	SelectedProtocol *string
}

var _ ParsedNetworkContent = (*TLSServerHello)(nil)

func (TLSServerHello) ReleaseBuffers() {}
func (TLSServerHello) Print() string   { return "" }

// Metadata from an observed TLS handshake, accumulated across both Client
// Hello and Server Hello, when both were observed.
type TLSHandshakeMetadata struct {
	ConnectionID gid.ConnectionID

	Version          *TLSVersion
	SNIHostname      *string
	SelectedProtocol *string

	clientHandshakeSeen bool
	serverHandshakeSeen bool
}

var _ ParsedNetworkContent = (*TLSHandshakeMetadata)(nil)

func (TLSHandshakeMetadata) ReleaseBuffers() {}
func (TLSHandshakeMetadata) Print() string   { return "" }

func (tls *TLSHandshakeMetadata) HandshakeComplete() bool {
	return tls.clientHandshakeSeen && tls.serverHandshakeSeen
}

func (tls *TLSHandshakeMetadata) AddClientHello(hello *TLSClientHello) error {
	if tls.ConnectionID != hello.ConnectionID {
		return errors.Errorf("mismatched connections: %s and %s", tls.ConnectionID, hello.ConnectionID)
	}
	if tls.clientHandshakeSeen {
		return errors.Errorf("multiple client handshakes seen for connection %s", tls.ConnectionID)
	}
	tls.clientHandshakeSeen = true

	if hello.Hostname != nil {
		hostname := *hello.Hostname
		tls.SNIHostname = &hostname
	}
	return nil
}

func (tls *TLSHandshakeMetadata) AddServerHello(hello *TLSServerHello) error {
	if tls.ConnectionID != hello.ConnectionID {
		return errors.Errorf("mismatched connections: %s and %s", tls.ConnectionID, hello.ConnectionID)
	}
	if tls.serverHandshakeSeen {
		return errors.Errorf("multiple server handshakes seen for connection %s", tls.ConnectionID)
	}
	tls.serverHandshakeSeen = true

	version := hello.Version
	tls.Version = &version
	if hello.SelectedProtocol != nil {
		protocol := *hello.SelectedProtocol
		tls.SelectedProtocol = &protocol
	}
	return nil
}

// Represents an observed HTTP/2 connection preface; no data from it is
// stored beyond the fact that it was seen.
type HTTP2ConnectionPreface struct {
	ConnectionID gid.ConnectionID
}

func (HTTP2ConnectionPreface) ReleaseBuffers() {}
func (HTTP2ConnectionPreface) Print() string   { return "" }

var _ ParsedNetworkContent = (*HTTP2ConnectionPreface)(nil)

// Represents an observed SSH version-exchange banner
// (e.g. "SSH-2.0-OpenSSH_8.9"); no data beyond the banner string is kept.
type SSHBanner struct {
	ConnectionID gid.ConnectionID
	Banner       string
}

func (SSHBanner) ReleaseBuffers() {}
func (b SSHBanner) Print() string {
	return fmt.Sprintf("## SSH -> %s", b.Banner)
}

var _ ParsedNetworkContent = (*SSHBanner)(nil)
