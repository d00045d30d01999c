package coaptransport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jroosing/coapfwd/internal/proxy"
)

// ExchangeLifetime bounds how long a CON transaction's identifiers remain
// reserved after the last retransmission (RFC 7252 §4.8.2), matching the
// constant go-coap/v2's udp client package derives the same value for.
const ExchangeLifetime = 247 * time.Second

// Transmission holds the CON retransmission parameters the transport
// applies to every transaction it allocates, named to match go-coap/v2's
// ClientConn.Transmission() fields (nStart / acknowledgeTimeout /
// maxRetransmit).
type Transmission struct {
	AcknowledgeTimeout time.Duration
	MaxRetransmit      int
}

// DefaultTransmission matches RFC 7252 §4.8's suggested defaults.
var DefaultTransmission = Transmission{
	AcknowledgeTimeout: 2 * time.Second,
	MaxRetransmit:      4,
}

var (
	// ErrPoolExhausted is returned by NewTransaction when the fixed-size
	// open-transaction pool (spec §6.4, MAX_OPEN_TRANSACTIONS) has no
	// free slots.
	ErrPoolExhausted = errors.New("coaptransport: open transaction pool exhausted")
	errClosed        = errors.New("coaptransport: transport is closed")
)

// OnTimeout is called when a CON transaction exhausts its retransmissions
// without an ACK — the idiomatic stand-in for spec §4.3.5's "transport
// invokes the target transaction's callback with a null message". The
// transport only ever calls this for transactions whose Completion is
// CompletionForward; the Engine translates it via FailTransaction.
type OnTimeout func(outboundMID uint16, reason proxy.Status)

// Transport is a concrete proxy.Transport backed by a single UDP socket.
// It is built to be driven from one goroutine alongside the Engine it
// serves (see internal/server). Its transaction pool is still guarded by mu,
// because the retransmission timers look transactions up from their own
// goroutines; SendTransaction performs the actual socket write inline.
type Transport struct {
	conn         *net.UDPConn
	capacity     int
	transmission Transmission
	onTimeout    OnTimeout
	midSeq       uint16

	mu           sync.Mutex // guards transactions, closed and the retransmission timers, which fire on their own goroutines
	transactions map[uint16]*transaction
	closed       bool
}

// New wraps conn as a Transport bounded to capacity concurrently open
// transactions. onTimeout, if non-nil, is invoked (via whatever scheduling
// the caller wants — typically the same post-to-engine-goroutine closure
// internal/server uses for cache expiry) when a CON transaction's retries
// are exhausted.
func New(conn *net.UDPConn, capacity int, transmission Transmission, onTimeout OnTimeout) *Transport {
	if capacity <= 0 {
		capacity = proxy.DefaultMaxOpenTransactions
	}
	return &Transport{
		conn:         conn,
		capacity:     capacity,
		transmission: transmission,
		onTimeout:    onTimeout,
		transactions: make(map[uint16]*transaction, capacity),
	}
}

// transaction is the concrete proxy.Transaction this transport allocates.
type transaction struct {
	mid        uint16
	ep         proxy.Endpoint
	msg        proxy.Message
	completion proxy.Completion

	timer     *time.Timer
	attempts  int
	transport *Transport
}

func (t *transaction) MID() uint16                     { return t.mid }
func (t *transaction) Endpoint() proxy.Endpoint         { return t.ep }
func (t *transaction) SetMessage(m proxy.Message)       { t.msg = m }
func (t *transaction) Message() proxy.Message           { return t.msg }
func (t *transaction) SetCompletion(c proxy.Completion) { t.completion = c }
func (t *transaction) Completion() proxy.Completion     { return t.completion }

// ParseMessage implements proxy.Transport.
func (tr *Transport) ParseMessage(data []byte) (proxy.Message, error) {
	return decodeMessage(data)
}

// SerializeMessage implements proxy.Transport.
func (tr *Transport) SerializeMessage(msg proxy.Message) ([]byte, error) {
	return encodeMessage(msg)
}

// EndpointParse implements proxy.Transport.
func (tr *Transport) EndpointParse(uri string) (proxy.Endpoint, error) {
	return ParseEndpoint(uri)
}

// FreshMID implements proxy.Transport. MIDs are minted sequentially from a
// per-transport counter, starting at 1; wraparound is fine since the
// open-transaction pool is tiny relative to the 16-bit MID space.
func (tr *Transport) FreshMID() uint16 {
	tr.midSeq++
	return tr.midSeq
}

// NewTransaction implements proxy.Transport.
func (tr *Transport) NewTransaction(mid uint16, ep proxy.Endpoint) (proxy.Transaction, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return nil, errClosed
	}
	if _, exists := tr.transactions[mid]; exists {
		return nil, fmt.Errorf("coaptransport: mid %d already has an open transaction", mid)
	}
	if len(tr.transactions) >= tr.capacity {
		return nil, ErrPoolExhausted
	}
	t := &transaction{mid: mid, ep: ep, transport: tr}
	tr.transactions[mid] = t
	return t, nil
}

// GetTransactionByMID implements proxy.Transport.
func (tr *Transport) GetTransactionByMID(mid uint16) (proxy.Transaction, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.transactions[mid]
	return t, ok
}

// ClearTransaction implements proxy.Transport. Safe to call more than once.
func (tr *Transport) ClearTransaction(t proxy.Transaction) {
	concrete, ok := t.(*transaction)
	if !ok || concrete == nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if concrete.timer != nil {
		concrete.timer.Stop()
		concrete.timer = nil
	}
	delete(tr.transactions, concrete.mid)
}

// SendTransaction implements proxy.Transport: serializes the transaction's
// stored message, writes it to the socket, and for CON messages arms the
// transport's own retransmission timer per Transmission.
func (tr *Transport) SendTransaction(t proxy.Transaction) error {
	concrete, ok := t.(*transaction)
	if !ok {
		return errors.New("coaptransport: foreign transaction handle")
	}
	wire, err := encodeMessage(concrete.msg)
	if err != nil {
		return err
	}
	addr := &net.UDPAddr{IP: concrete.ep.IP.AsSlice(), Port: int(concrete.ep.Port), Zone: concrete.ep.IP.Zone()}
	if _, err := tr.conn.WriteToUDP(wire, addr); err != nil {
		return err
	}
	concrete.attempts++

	if concrete.msg.Type == proxy.TypeCON && concrete.completion.Kind == proxy.CompletionForward {
		tr.armRetransmit(concrete)
	}
	return nil
}

func (tr *Transport) armRetransmit(t *transaction) {
	tr.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	timeout := tr.transmission.AcknowledgeTimeout
	if timeout <= 0 {
		timeout = DefaultTransmission.AcknowledgeTimeout
	}
	// Binary back-off per attempt, matching RFC 7252 §4.2's ACK_TIMEOUT /
	// ACK_RANDOM_FACTOR retransmission schedule in spirit (without the
	// random jitter, which the single-hop proxy scenarios in spec §8
	// don't depend on for correctness).
	for i := 1; i < t.attempts; i++ {
		timeout *= 2
	}
	pairKey := t.completion.PairKey
	maxRetransmit := tr.transmission.MaxRetransmit
	if maxRetransmit <= 0 {
		maxRetransmit = DefaultTransmission.MaxRetransmit
	}
	attempts := t.attempts
	t.timer = time.AfterFunc(timeout, func() {
		tr.handleRetransmitFire(t.mid, pairKey, attempts, maxRetransmit)
	})
	tr.mu.Unlock()
}

func (tr *Transport) handleRetransmitFire(mid, pairKey uint16, attemptsAtArm, maxRetransmit int) {
	tr.mu.Lock()
	t, ok := tr.transactions[mid]
	if !ok || t.attempts != attemptsAtArm {
		tr.mu.Unlock()
		return
	}
	tr.mu.Unlock()

	if attemptsAtArm > maxRetransmit {
		if tr.onTimeout != nil {
			tr.onTimeout(pairKey, proxy.StatusGatewayTimeout)
		}
		return
	}
	_ = tr.SendTransaction(t)
}

// Close releases the underlying socket and cancels every pending
// retransmission timer.
func (tr *Transport) Close() error {
	tr.mu.Lock()
	tr.closed = true
	for _, t := range tr.transactions {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	tr.transactions = make(map[uint16]*transaction)
	tr.mu.Unlock()
	return tr.conn.Close()
}
