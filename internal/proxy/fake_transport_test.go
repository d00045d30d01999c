package proxy

import (
	"errors"
	"net/netip"
)

// fakeTransaction is the test double for Transaction.
type fakeTransaction struct {
	mid        uint16
	ep         Endpoint
	msg        Message
	completion Completion
}

func (t *fakeTransaction) MID() uint16                   { return t.mid }
func (t *fakeTransaction) Endpoint() Endpoint             { return t.ep }
func (t *fakeTransaction) SetMessage(m Message)           { t.msg = m }
func (t *fakeTransaction) Message() Message               { return t.msg }
func (t *fakeTransaction) SetCompletion(c Completion)     { t.completion = c }
func (t *fakeTransaction) Completion() Completion         { return t.completion }

// sentMessage records one call to SendTransaction.
type sentMessage struct {
	ep  Endpoint
	msg Message
}

// fakeTransport is a test double for Transport. Tests drive it directly:
// push a Message onto parseQueue before calling Engine.Receive, register
// endpoints for EndpointParse, and inspect sent/transactions afterward.
type fakeTransport struct {
	nextMID uint16

	parseQueue []Message
	endpoints  map[string]Endpoint

	transactions map[uint16]*fakeTransaction
	capacity     int

	sent []sentMessage

	failSerialize bool
	failSendMIDs  map[uint16]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		endpoints:    make(map[string]Endpoint),
		transactions: make(map[uint16]*fakeTransaction),
		failSendMIDs: make(map[uint16]bool),
	}
}

func (ft *fakeTransport) ParseMessage(_ []byte) (Message, error) {
	if len(ft.parseQueue) == 0 {
		return Message{}, errors.New("fakeTransport: no message queued")
	}
	m := ft.parseQueue[0]
	ft.parseQueue = ft.parseQueue[1:]
	return m, nil
}

func (ft *fakeTransport) NewTransaction(mid uint16, ep Endpoint) (Transaction, error) {
	if ft.capacity > 0 && len(ft.transactions) >= ft.capacity {
		return nil, errors.New("fakeTransport: transaction pool full")
	}
	t := &fakeTransaction{mid: mid, ep: ep}
	ft.transactions[mid] = t
	return t, nil
}

func (ft *fakeTransport) GetTransactionByMID(mid uint16) (Transaction, bool) {
	t, ok := ft.transactions[mid]
	return t, ok
}

func (ft *fakeTransport) ClearTransaction(t Transaction) {
	ft2, ok := t.(*fakeTransaction)
	if !ok {
		return
	}
	delete(ft.transactions, ft2.mid)
}

func (ft *fakeTransport) SendTransaction(t Transaction) error {
	if ft.failSendMIDs[t.MID()] {
		return errors.New("fakeTransport: send failed")
	}
	ft.sent = append(ft.sent, sentMessage{ep: t.Endpoint(), msg: t.Message()})
	return nil
}

func (ft *fakeTransport) SerializeMessage(_ Message) ([]byte, error) {
	if ft.failSerialize {
		return nil, errors.New("fakeTransport: serialize failed")
	}
	return []byte("serialized"), nil
}

func (ft *fakeTransport) EndpointParse(uri string) (Endpoint, error) {
	ep, ok := ft.endpoints[uri]
	if !ok {
		return Endpoint{}, errors.New("fakeTransport: unknown endpoint for " + uri)
	}
	return ep, nil
}

func (ft *fakeTransport) FreshMID() uint16 {
	mid := ft.nextMID
	ft.nextMID++
	return mid
}

func mustEndpoint(ip string, port uint16) Endpoint {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		panic(err)
	}
	return Endpoint{IP: addr, Port: port}
}
