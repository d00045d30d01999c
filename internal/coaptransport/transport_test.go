package coaptransport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/coapfwd/internal/proxy"
)

func newLoopbackTransport(t *testing.T, capacity int, onTimeout OnTimeout) *Transport {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv6loopback, Port: 0})
	require.NoError(t, err)
	tr := New(conn, capacity, Transmission{AcknowledgeTimeout: 10 * time.Millisecond, MaxRetransmit: 2}, onTimeout)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func loopbackEndpoint(t *testing.T, tr *Transport) proxy.Endpoint {
	t.Helper()
	addr := tr.conn.LocalAddr().(*net.UDPAddr)
	parsed, err := ParseEndpoint("coap://[::1]:" + itoa(addr.Port))
	require.NoError(t, err)
	return parsed
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestTransport_NewTransactionRespectsCapacity(t *testing.T) {
	tr := newLoopbackTransport(t, 1, nil)
	ep := loopbackEndpoint(t, tr)

	_, err := tr.NewTransaction(1, ep)
	require.NoError(t, err)

	_, err = tr.NewTransaction(2, ep)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestTransport_NewTransactionRejectsDuplicateMID(t *testing.T) {
	tr := newLoopbackTransport(t, 4, nil)
	ep := loopbackEndpoint(t, tr)

	_, err := tr.NewTransaction(5, ep)
	require.NoError(t, err)

	_, err = tr.NewTransaction(5, ep)
	assert.Error(t, err)
}

func TestTransport_ClearTransactionFreesSlot(t *testing.T) {
	tr := newLoopbackTransport(t, 1, nil)
	ep := loopbackEndpoint(t, tr)

	txn, err := tr.NewTransaction(1, ep)
	require.NoError(t, err)

	tr.ClearTransaction(txn)
	assert.NotPanics(t, func() { tr.ClearTransaction(txn) })

	_, err = tr.NewTransaction(2, ep)
	assert.NoError(t, err)
}

func TestTransport_GetTransactionByMID(t *testing.T) {
	tr := newLoopbackTransport(t, 4, nil)
	ep := loopbackEndpoint(t, tr)

	txn, err := tr.NewTransaction(9, ep)
	require.NoError(t, err)

	found, ok := tr.GetTransactionByMID(9)
	require.True(t, ok)
	assert.Equal(t, txn, found)

	_, ok = tr.GetTransactionByMID(99)
	assert.False(t, ok)
}

func TestTransport_FreshMIDIncrements(t *testing.T) {
	tr := newLoopbackTransport(t, 4, nil)
	a := tr.FreshMID()
	b := tr.FreshMID()
	assert.NotEqual(t, a, b)
}

func TestTransport_SendTransactionWritesDatagram(t *testing.T) {
	tr := newLoopbackTransport(t, 4, nil)

	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv6loopback, Port: 0})
	require.NoError(t, err)
	defer recv.Close()
	recvAddr := recv.LocalAddr().(*net.UDPAddr)
	ep, err := ParseEndpoint("coap://[::1]:" + itoa(recvAddr.Port))
	require.NoError(t, err)

	txn, err := tr.NewTransaction(42, ep)
	require.NoError(t, err)
	txn.SetMessage(proxy.Message{Type: proxy.TypeNON, Code: proxy.CodeGET, MID: 42})

	require.NoError(t, tr.SendTransaction(txn))

	buf := make([]byte, 64)
	recv.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := recv.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 4)
}

func TestTransport_RetransmitTimeoutInvokesOnTimeout(t *testing.T) {
	fired := make(chan proxy.Status, 1)
	tr := newLoopbackTransport(t, 4, func(pairKey uint16, reason proxy.Status) {
		fired <- reason
	})
	// point at a port nothing listens on, so no ACK ever arrives
	ep, err := ParseEndpoint("coap://[::1]:1")
	require.NoError(t, err)

	txn, err := tr.NewTransaction(1, ep)
	require.NoError(t, err)
	txn.SetCompletion(proxy.Completion{Kind: proxy.CompletionForward, PairKey: 1})
	txn.SetMessage(proxy.Message{Type: proxy.TypeCON, Code: proxy.CodeGET, MID: 1})

	require.NoError(t, tr.SendTransaction(txn))

	select {
	case reason := <-fired:
		assert.Equal(t, proxy.StatusGatewayTimeout, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("onTimeout was never invoked")
	}
}
