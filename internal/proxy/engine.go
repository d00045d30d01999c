package proxy

import (
	"log/slog"
	"strings"
	"time"

	"github.com/jroosing/coapfwd/internal/helpers"
)

// DefaultMaxOpenTransactions is used when Config.MaxOpenTransactions is
// unset, matching spec §6.4's suggested MAX_OPEN_TRANSACTIONS.
const DefaultMaxOpenTransactions = 16

// Config holds the engine's compile-time tunables (spec §6.4). There are
// deliberately no environment-variable bindings here — internal/config
// loads these from YAML/env and hands the engine a populated Config, but
// the engine itself has no notion of where its values came from.
type Config struct {
	// MaxOpenTransactions bounds both the pair table and the cache table.
	MaxOpenTransactions int
	// KeyMax bounds a Proxy-Uri's length.
	KeyMax int
	// PayloadMax bounds a cached payload's length.
	PayloadMax int
	// DefaultMaxAge is used when an origin response omits Max-Age or
	// reports zero.
	DefaultMaxAge time.Duration
	// MaxAgeMax clamps any Max-Age the origin reports.
	MaxAgeMax time.Duration
	// ObserveClient enables recognition of unmatched Ping and RST
	// datagrams: a Ping is reported as StatusPingResponse and an RST is
	// logged and dropped. No observer state is kept, so an RST cancels
	// nothing. Relaying an
	// observation across the proxy boundary remains out of scope
	// regardless of this flag (spec §1 Non-goals).
	ObserveClient bool
	// ForwardVerbatimMethods is the configurable policy spec §9 flags as
	// an open question: when false (the default), every proxied request
	// is forwarded as GET regardless of the client's method, matching the
	// spec's fixed behavior. When true, PUT/POST/DELETE are forwarded
	// verbatim with the client's payload, matching full RFC 7252 proxy
	// semantics.
	ForwardVerbatimMethods bool
}

func (c *Config) applyDefaults() {
	if c.MaxOpenTransactions <= 0 {
		c.MaxOpenTransactions = DefaultMaxOpenTransactions
	}
	if c.KeyMax <= 0 {
		c.KeyMax = 128
	}
	if c.PayloadMax <= 0 {
		c.PayloadMax = 128
	}
	if c.DefaultMaxAge <= 0 {
		c.DefaultMaxAge = 60 * time.Second
	}
	if c.MaxAgeMax <= 0 {
		c.MaxAgeMax = 86400 * time.Second
	}
}

// StatsRecorder receives engine events for admin-surface counters. Engine
// is fully functional with a nil recorder — stats are an observability
// concern layered on top, not something the core depends on.
type StatsRecorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordForward()
	RecordGatewayTimeout()
	RecordBadGateway()
	RecordServiceUnavailable()
	RecordServerError()
}

// Engine is the forwarding engine (C3): the single entry point a CoAP
// transport calls for every inbound datagram (spec §6.2). It owns the
// cache table (C1) and the pair table (C2) and must only ever be driven
// from one goroutine — see the package doc comment and internal/server.
type Engine struct {
	cfg       Config
	transport Transport
	cache     *CacheTable
	pairs     *PairTable
	logger    *slog.Logger
	stats     StatsRecorder
}

// NewEngine constructs an Engine over the given transport. post is passed
// through to the cache table (see NewCacheTable); it must deliver its
// closure back onto whichever goroutine will call Receive/FailTransaction.
func NewEngine(cfg Config, transport Transport, logger *slog.Logger, stats StatsRecorder, post func(func())) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		cache:     NewCacheTable(cfg.MaxOpenTransactions, cfg.KeyMax, cfg.PayloadMax, cfg.DefaultMaxAge, cfg.MaxAgeMax, post),
		pairs:     NewPairTable(cfg.MaxOpenTransactions),
		logger:    logger,
		stats:     stats,
	}
}

// Cache exposes the underlying cache table for admin introspection.
func (e *Engine) Cache() *CacheTable { return e.cache }

// Pairs exposes the underlying pair table for admin introspection.
func (e *Engine) Pairs() *PairTable { return e.pairs }

// Receive parses datagram from src and drives the proxy state machine
// (spec §4.3). It is run-to-completion per datagram: nothing inside it
// suspends or blocks (spec §5).
func (e *Engine) Receive(src Endpoint, datagram []byte) Status {
	msg, err := e.transport.ParseMessage(datagram)
	if err != nil {
		e.logger.Debug("parse error", "src", src, "err", err)
		return StatusParseError
	}

	if IsRequestCode(msg.Code) {
		if msg.ProxyUri == "" {
			// Not a proxy request — hand off to the local resource
			// dispatcher, which is out of scope for this engine.
			return StatusOK
		}
		return e.handleProxyRequest(src, msg)
	}
	return e.handleTargetDatagram(src, msg)
}

// FailTransaction reports a terminal target-transaction failure that did
// not arrive as an ordinary datagram: retries exhausted (spec §4.3.5,
// "transport invokes the target transaction's callback with a null
// message") or an RST observed by the transport's own transaction layer
// rather than via Receive. This is the idiomatic Go stand-in for the
// original's callback-with-null-message pattern — a literal null Message
// does not type-check, so the transport calls this instead.
func (e *Engine) FailTransaction(outboundMID uint16, reason Status) Status {
	pair, found := e.pairs.Find(outboundMID)
	if !found {
		return StatusDropped
	}
	switch reason {
	case StatusBadGateway:
		return e.failPair(pair, CodeBadGateway, StatusBadGateway)
	default:
		return e.failPair(pair, CodeGatewayTimeout, StatusGatewayTimeout)
	}
}

// handleProxyRequest implements spec §4.3.2.
func (e *Engine) handleProxyRequest(src Endpoint, req Message) Status {
	if cached, ok := e.cache.Get(req.ProxyUri); ok {
		e.recordStat((StatsRecorder).RecordCacheHit)
		return e.respondFromCache(src, req, cached)
	}
	e.recordStat((StatsRecorder).RecordCacheMiss)

	targetEP, err := e.transport.EndpointParse(req.ProxyUri)
	if err != nil {
		e.logger.Info("malformed proxy-uri", "proxy_uri", req.ProxyUri, "err", err)
		e.sendError(src, req, CodeServiceUnavailable)
		e.recordStat((StatsRecorder).RecordServiceUnavailable)
		return StatusServiceUnavailable
	}

	requestPath := uriPathFromProxyURI(req.ProxyUri)

	source, err := e.transport.NewTransaction(req.MID, src)
	if err != nil {
		e.sendError(src, req, CodeServiceUnavailable)
		e.recordStat((StatsRecorder).RecordServiceUnavailable)
		return StatusServiceUnavailable
	}
	source.SetMessage(req)

	outboundMID := e.transport.FreshMID()
	target, err := e.transport.NewTransaction(outboundMID, targetEP)
	if err != nil {
		e.transport.ClearTransaction(source)
		e.sendError(src, req, CodeServiceUnavailable)
		e.recordStat((StatsRecorder).RecordServiceUnavailable)
		return StatusServiceUnavailable
	}

	outbound := Message{
		Type:    req.Type,
		Code:    CodeGET,
		MID:     outboundMID,
		UriPath: requestPath,
	}
	if e.cfg.ForwardVerbatimMethods {
		outbound.Code = req.Code
		outbound.Payload = req.Payload
	}

	if _, err := e.transport.SerializeMessage(outbound); err != nil {
		e.transport.ClearTransaction(source)
		e.transport.ClearTransaction(target)
		e.sendError(src, req, CodeInternalServerError)
		return StatusSerializationError
	}

	target.SetMessage(outbound)
	target.SetCompletion(Completion{Kind: CompletionForward, PairKey: outboundMID})

	pair, res := e.pairs.New(outboundMID, source, target, req.ProxyUri)
	if res != PairOK {
		e.transport.ClearTransaction(source)
		e.transport.ClearTransaction(target)
		e.sendError(src, req, CodeServiceUnavailable)
		e.recordStat((StatsRecorder).RecordServiceUnavailable)
		return StatusServiceUnavailable
	}

	if err := e.transport.SendTransaction(target); err != nil {
		if p, ok := e.pairs.Find(outboundMID); ok {
			e.pairs.Clear(p)
		}
		e.transport.ClearTransaction(source)
		e.transport.ClearTransaction(target)
		e.sendError(src, req, CodeServiceUnavailable)
		e.recordStat((StatsRecorder).RecordServiceUnavailable)
		return StatusServiceUnavailable
	}

	e.logger.Info("proxy request forwarded",
		"trace_id", pair.TraceID, "proxy_uri", req.ProxyUri, "outbound_mid", outboundMID, "client_mid", req.MID)
	e.recordStat((StatsRecorder).RecordForward)
	return StatusOK
}

// respondFromCache implements spec §4.3.2 step 1.
func (e *Engine) respondFromCache(src Endpoint, req Message, cached CachedResponse) Status {
	source, err := e.transport.NewTransaction(req.MID, src)
	if err != nil {
		e.sendError(src, req, CodeServiceUnavailable)
		return StatusServiceUnavailable
	}
	resp := Message{
		Type:             responseType(req.Type, true),
		Code:             CodeContent,
		MID:              req.MID,
		Token:            req.Token,
		ContentFormat:    cached.ContentFormat,
		ContentFormatSet: true,
		Payload:          cached.Payload,
	}
	source.SetMessage(resp)
	if err := e.transport.SendTransaction(source); err != nil {
		e.transport.ClearTransaction(source)
		return StatusServiceUnavailable
	}
	e.logger.Debug("cache hit", "proxy_uri", req.ProxyUri, "client_mid", req.MID)
	return StatusOK
}

// handleTargetDatagram implements spec §4.3.3 for datagrams that arrive as
// ordinary inbound messages (ACK/CON/NON carrying a response code, or an
// RST the transport chose to hand up rather than absorb itself).
func (e *Engine) handleTargetDatagram(src Endpoint, msg Message) Status {
	pair, found := e.pairs.Find(msg.MID)
	if !found {
		if e.cfg.ObserveClient {
			switch {
			case msg.Type == TypeCON && msg.Code == CodeEmpty:
				e.logger.Debug("ping", "src", src, "mid", msg.MID)
				return StatusPingResponse
			case msg.Type == TypeRST:
				e.logger.Debug("rst with no matching pair", "src", src, "mid", msg.MID)
				return StatusDropped
			}
		}
		switch {
		case msg.Type == TypeACK:
			// The transport closes its own transaction on ACK; nothing
			// further for the engine to do.
			return StatusOK
		default:
			// Ping/RST housekeeping above is gated on ObserveClient; with
			// it disabled (the default) these fall through here and are
			// dropped like any other unmatched datagram.
			return StatusDropped
		}
	}

	if msg.Type == TypeRST {
		e.recordStat((StatsRecorder).RecordBadGateway)
		return e.failPair(pair, CodeBadGateway, StatusBadGateway)
	}

	return e.completeResponse(pair, msg)
}

// completeResponse implements spec §4.3.3 steps 2-4.
func (e *Engine) completeResponse(pair *TransactionPair, upstream Message) Status {
	sourceReq := pair.Source.Message()

	contentFormat := ContentFormatJSON
	if upstream.ContentFormatSet {
		contentFormat = upstream.ContentFormat
	}

	resp := Message{
		Type:             responseType(sourceReq.Type, true),
		Code:             CodeContent,
		MID:              pair.Source.MID(),
		Token:            sourceReq.Token,
		ContentFormat:    contentFormat,
		ContentFormatSet: true,
		Payload:          upstream.Payload,
	}
	pair.Source.SetMessage(resp)
	if err := e.transport.SendTransaction(pair.Source); err != nil {
		e.logger.Warn("failed to send client response", "trace_id", pair.TraceID, "err", err, "client_mid", resp.MID)
	}

	maxAge := e.cfg.DefaultMaxAge
	if upstream.MaxAgeSet && upstream.MaxAge > 0 {
		// upstream.MaxAge is untrusted wire data (RFC 7252's Max-Age option
		// is a full uint32 of seconds); clamp it to MaxAgeMax's second count
		// before the *time.Second multiply below, which would otherwise
		// overflow int64 for a MaxAge near math.MaxUint32.
		maxAgeMaxSeconds := int(e.cfg.MaxAgeMax / time.Second)
		seconds := helpers.ClampInt(int(upstream.MaxAge), 0, maxAgeMaxSeconds)
		maxAge = time.Duration(seconds) * time.Second
	}
	e.cache.Put(pair.CacheKey, resp.Payload, contentFormat, maxAge)
	e.logger.Debug("proxy request completed", "trace_id", pair.TraceID, "client_mid", resp.MID)

	e.transport.ClearTransaction(pair.Target)
	e.pairs.Clear(pair)
	return StatusOK
}

// failPair implements spec §4.3.5: translate a terminal target-side
// failure into a synthesized error response for the client and tear down
// the pair.
func (e *Engine) failPair(pair *TransactionPair, code Code, status Status) Status {
	sourceReq := pair.Source.Message()
	resp := Message{
		Type:  responseType(sourceReq.Type, true),
		Code:  code,
		MID:   pair.Source.MID(),
		Token: sourceReq.Token,
	}
	pair.Source.SetMessage(resp)
	_ = e.transport.SendTransaction(pair.Source)
	e.logger.Info("proxy request failed", "trace_id", pair.TraceID, "status", status.String(), "client_mid", resp.MID)
	e.transport.ClearTransaction(pair.Target)
	e.pairs.Clear(pair)
	if status == StatusGatewayTimeout {
		e.recordStat((StatsRecorder).RecordGatewayTimeout)
	}
	return status
}

// sendError builds and sends a bare error response carrying the client's
// mirrored MID and token — used for every failure path that occurs before
// a pair exists.
func (e *Engine) sendError(src Endpoint, req Message, code Code) {
	source, err := e.transport.NewTransaction(req.MID, src)
	if err != nil {
		return
	}
	resp := Message{
		Type:  responseType(req.Type, true),
		Code:  code,
		MID:   req.MID,
		Token: req.Token,
	}
	source.SetMessage(resp)
	_ = e.transport.SendTransaction(source)
}

func (e *Engine) recordStat(f func(StatsRecorder)) {
	if e.stats == nil {
		return
	}
	f(e.stats)
}

// responseType implements spec §4.3.4's table: a NON client always gets a
// NON response; a CON client gets an ACK when the response is immediately
// available (the only mode this engine implements — separate responses are
// permitted by the spec but not required, and are not built here) or a CON
// carrying the response otherwise.
func responseType(clientType MessageType, immediatelyAvailable bool) MessageType {
	if clientType == TypeNON {
		return TypeNON
	}
	if immediatelyAvailable {
		return TypeACK
	}
	return TypeCON
}

// uriPathFromProxyURI derives the origin-side Uri-Path as the substring of
// proxyURI after the first ']' character (spec §4.3.2 step 3): the source
// encodes coap://[addr]path…. Defaults to "/" if no bracket is present or
// nothing follows it.
func uriPathFromProxyURI(proxyURI string) string {
	idx := strings.IndexByte(proxyURI, ']')
	if idx < 0 || idx+1 >= len(proxyURI) {
		return "/"
	}
	return proxyURI[idx+1:]
}

// discardWriter is an io.Writer that drops everything written to it, used
// only to give NewEngine a non-nil default logger when the caller passes
// none.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
