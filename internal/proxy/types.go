// Package proxy implements the CoAP forward-proxy core: the bounded response
// cache (C1), the transaction-pair table (C2), and the forwarding engine (C3)
// that drives both across an external CoAP transport.
//
// Everything in this package is designed to run on a single goroutine. None
// of the exported types take a lock; callers that need concurrent access
// (an admin API, a timer firing on its own goroutine) must marshal through
// whatever single-goroutine loop owns the Engine — see internal/server for
// the production wiring.
package proxy

import (
	"net"
	"net/netip"
	"strconv"
)

// MessageType is one of CoAP's four message types (RFC 7252 §3).
type MessageType uint8

const (
	TypeCON MessageType = iota
	TypeNON
	TypeACK
	TypeRST
)

func (t MessageType) String() string {
	switch t {
	case TypeCON:
		return "CON"
	case TypeNON:
		return "NON"
	case TypeACK:
		return "ACK"
	case TypeRST:
		return "RST"
	default:
		return "unknown"
	}
}

// Code is a CoAP request or response code, encoded class.detail per RFC 7252
// §3 (e.g. 2.05 Content == 0x45).
type Code uint8

// Request codes and the response codes the engine emits or consumes.
const (
	CodeEmpty  Code = 0x00
	CodeGET    Code = 0x01
	CodePOST   Code = 0x02
	CodePUT    Code = 0x03
	CodeDELETE Code = 0x04

	CodeContent              Code = 0x45 // 2.05
	CodeInternalServerError  Code = 0xA0 // 5.00
	CodeBadGateway           Code = 0xA2 // 5.02
	CodeServiceUnavailable   Code = 0xA3 // 5.03
	CodeGatewayTimeout       Code = 0xA4 // 5.04
)

// ContentFormatJSON is the CoAP Content-Format registry value for
// application/json, used as the default when an upstream response omits the
// option (spec §4.3.3 step 2).
const ContentFormatJSON uint16 = 50

// IsRequestCode reports whether code identifies a CoAP request (spec §4.3.1).
func IsRequestCode(code Code) bool {
	switch code {
	case CodeGET, CodePOST, CodePUT, CodeDELETE:
		return true
	default:
		return false
	}
}

// Endpoint is a transport address for one CoAP peer: an IP address plus a
// UDP port, as produced by the transport's URI parser.
type Endpoint struct {
	IP   netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}

// IsValid reports whether the endpoint carries a usable address.
func (e Endpoint) IsValid() bool {
	return e.IP.IsValid() && e.Port != 0
}

// Message is the engine's in-memory view of a parsed or to-be-serialized
// CoAP message. It mirrors the option set the engine actually touches
// (spec §6.1): Proxy-Uri, Uri-Path, Content-Format, Max-Age, Observe, plus
// the token and payload. It is a plain value rather than a builder object —
// transport.SerializeMessage and transport.ParseMessage convert to and from
// the wire form; there is no separate init_message/set_* call sequence.
type Message struct {
	Type  MessageType
	Code  Code
	MID   uint16
	Token []byte

	UriPath  string
	ProxyUri string

	ContentFormat    uint16
	ContentFormatSet bool

	MaxAge    uint32
	MaxAgeSet bool

	Observe    uint32
	ObserveSet bool

	Payload []byte
}

// CompletionKind discriminates the tagged variant the engine attaches to a
// target-side transaction in place of the original source's raw callback
// pointer (spec §9, "Callback data on transactions").
type CompletionKind uint8

const (
	// CompletionNone marks a transaction with no pending proxy bookkeeping.
	CompletionNone CompletionKind = iota
	// CompletionForward marks a target-side transaction whose eventual
	// response or failure must be routed back through the pair identified
	// by PairKey (the outbound MID).
	CompletionForward
)

// Completion is attached to a Transaction by the engine so that dispatch on
// transaction completion never needs a raw indirect call — the transport
// inspects Kind and, for CompletionForward, reports back via
// Engine.FailTransaction or a normal Receive call carrying PairKey as the
// message MID.
type Completion struct {
	Kind    CompletionKind
	PairKey uint16
}

// Transaction is a transport-owned handle for one hop of a proxied exchange.
// The pair table (C2) holds references to these but never owns their
// lifecycle — ClearTransaction invalidates the handle the transport owns.
type Transaction interface {
	// MID returns the message ID this transaction was allocated under.
	MID() uint16
	// Endpoint returns the peer this transaction communicates with.
	Endpoint() Endpoint
	// SetMessage stores the message this transaction will emit on Send.
	SetMessage(msg Message)
	// Message returns the message previously stored by SetMessage.
	Message() Message
	// SetCompletion attaches proxy bookkeeping to this transaction.
	SetCompletion(c Completion)
	// Completion returns the bookkeeping attached by SetCompletion.
	Completion() Completion
}

// Transport is the external collaborator spec §6.1 describes: the CoAP
// message codec, the per-transaction retransmission timer, and the
// UDP/IPv6 socket layer. The engine never parses or serializes a datagram
// itself and never retries a send — both are delegated here.
type Transport interface {
	// ParseMessage decodes a raw datagram into a Message.
	ParseMessage(data []byte) (Message, error)
	// NewTransaction allocates a transaction for mid on ep from the
	// transport's fixed-size open-transactions pool. Returns an error if
	// the pool is exhausted.
	NewTransaction(mid uint16, ep Endpoint) (Transaction, error)
	// GetTransactionByMID looks up a previously allocated transaction.
	GetTransactionByMID(mid uint16) (Transaction, bool)
	// ClearTransaction releases a transaction back to the transport's pool.
	// Safe to call more than once; a second call is a no-op.
	ClearTransaction(t Transaction)
	// SendTransaction serializes and emits the transaction's stored
	// message, arming the transport's own retransmission timer for CON.
	SendTransaction(t Transaction) error
	// SerializeMessage encodes msg to wire bytes, independent of any
	// transaction — used by the engine to validate a message before it
	// commits to allocating pair-table state for it.
	SerializeMessage(msg Message) ([]byte, error)
	// EndpointParse resolves a Proxy-Uri (or any coap:// URI) to an
	// Endpoint. Returns an error if the URI cannot be parsed.
	EndpointParse(uri string) (Endpoint, error)
	// FreshMID mints the next outbound message ID.
	FreshMID() uint16
}
