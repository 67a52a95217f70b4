package peer

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/AtDexters-Lab/trainlink/internal/auth"
	"github.com/AtDexters-Lab/trainlink/internal/protocol"
	"github.com/AtDexters-Lab/trainlink/internal/registry"
	"github.com/stretchr/testify/require"
)

type received struct {
	msg  protocol.Message
	from string
}

func newTestManager(t *testing.T, local string, allow []string, opts Options) (*Manager, chan received) {
	t.Helper()
	m := NewManager(registry.New(local, allow, 0), opts)
	ch := make(chan received, 32)
	m.SetHandler(func(msg protocol.Message, from string) {
		ch <- received{msg: msg, from: from}
	})
	t.Cleanup(m.Close)
	return m, ch
}

// serve accepts connections for m the way the listener does.
func serve(t *testing.T, m *Manager) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go m.AcceptHandshake(conn)
		}
	}()
	return ln.Addr().String()
}

func writeFrame(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	frame, err := protocol.Encode(v)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

// rawHandshake dials addr and introduces itself as id, bypassing the Manager.
func rawHandshake(t *testing.T, addr, id string, extra ...any) (net.Conn, protocol.HandshakeAck) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var out []byte
	hs, err := protocol.Encode(protocol.Handshake{Type: protocol.TypeHandshake, UIID: id})
	require.NoError(t, err)
	out = append(out, hs...)
	for _, v := range extra {
		frame, err := protocol.Encode(v)
		require.NoError(t, err)
		out = append(out, frame...)
	}
	_, err = conn.Write(out)
	require.NoError(t, err)

	msg, _, err := readFrame(context.Background(), conn, 2*time.Second)
	require.NoError(t, err)
	ack, ok := protocol.ParseHandshakeAck(msg)
	require.True(t, ok, "expected handshake ack, got %v", msg)
	return conn, ack
}

func expectMessage(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return received{}
	}
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			require.False(t, isTimeout(err), "connection was not closed by the remote side")
			return
		}
	}
}

func TestAcceptHandshakeRegistersAllowedPeer(t *testing.T) {
	t.Parallel()

	server, inbox := newTestManager(t, "Track Model", []string{"CTC"}, Options{})
	addr := serve(t, server)

	conn, ack := rawHandshake(t, addr, "CTC")
	require.Equal(t, protocol.StatusAccepted, ack.Status)
	require.Equal(t, "Track Model", ack.UIID)
	require.Eventually(t, func() bool { return server.Connected("CTC") }, time.Second, 10*time.Millisecond)

	writeFrame(t, conn, protocol.Message{"command": "ping"})
	r := expectMessage(t, inbox)
	require.Equal(t, "CTC", r.from)
	require.Equal(t, protocol.Message{"command": "ping"}, r.msg)
}

func TestAcceptHandshakeRejectsUnknownPeer(t *testing.T) {
	t.Parallel()

	server, _ := newTestManager(t, "Track Model", []string{"CTC"}, Options{})
	addr := serve(t, server)

	conn, ack := rawHandshake(t, addr, "Intruder")
	require.Equal(t, protocol.StatusRejected, ack.Status)
	require.NotEmpty(t, ack.Reason)
	expectClosed(t, conn)
	require.Empty(t, server.Peers())

	// The node keeps accepting legitimate peers.
	_, ack = rawHandshake(t, addr, "CTC")
	require.Equal(t, protocol.StatusAccepted, ack.Status)
	require.Eventually(t, func() bool { return server.Connected("CTC") }, time.Second, 10*time.Millisecond)
	require.False(t, server.Connected("Intruder"))
}

func TestAcceptHandshakeRejectsNonHandshakeFrame(t *testing.T) {
	t.Parallel()

	server, inbox := newTestManager(t, "Track Model", []string{"CTC"}, Options{})
	addr := serve(t, server)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	writeFrame(t, conn, protocol.Message{"command": "ping", "ui_id": "CTC"})

	msg, _, err := readFrame(context.Background(), conn, 2*time.Second)
	require.NoError(t, err)
	ack, ok := protocol.ParseHandshakeAck(msg)
	require.True(t, ok)
	require.Equal(t, protocol.StatusRejected, ack.Status)
	expectClosed(t, conn)
	require.Empty(t, server.Peers())
	require.Empty(t, inbox)
}

func TestConnectAndExchangeMessages(t *testing.T) {
	t.Parallel()

	trackModel, tmInbox := newTestManager(t, "Track Model", []string{"CTC"}, Options{})
	ctc, ctcInbox := newTestManager(t, "CTC", []string{"Track Model"}, Options{})
	addr := serve(t, trackModel)

	require.NoError(t, ctc.Connect(context.Background(), addr, "Track Model"))
	require.True(t, ctc.Connected("Track Model"))
	require.Eventually(t, func() bool { return trackModel.Connected("CTC") }, time.Second, 10*time.Millisecond)

	require.NoError(t, ctc.Send("Track Model", protocol.Message{"command": "set_switch", "value": "S3"}))
	r := expectMessage(t, tmInbox)
	require.Equal(t, "CTC", r.from)
	require.Equal(t, "S3", r.msg["value"])

	require.NoError(t, trackModel.Send("CTC", protocol.Message{"command": "ping"}))
	r = expectMessage(t, ctcInbox)
	require.Equal(t, "Track Model", r.from)
	require.Equal(t, protocol.Message{"command": "ping"}, r.msg)
}

func TestConnectDisallowedPeerFailsFast(t *testing.T) {
	t.Parallel()

	ctc, _ := newTestManager(t, "CTC", []string{"Track Model"}, Options{})

	// Nothing listens on this address; a dial attempt would fail differently.
	err := ctc.Connect(context.Background(), "127.0.0.1:1", "Wayside HW")
	require.ErrorIs(t, err, ErrNotAllowed)
	require.Empty(t, ctc.Peers())
}

func TestConnectIsIdempotent(t *testing.T) {
	t.Parallel()

	trackModel, _ := newTestManager(t, "Track Model", []string{"CTC"}, Options{})
	ctc, _ := newTestManager(t, "CTC", []string{"Track Model"}, Options{})
	addr := serve(t, trackModel)

	require.NoError(t, ctc.Connect(context.Background(), addr, "Track Model"))
	first, ok := ctc.ConnectionID("Track Model")
	require.True(t, ok)

	require.NoError(t, ctc.Connect(context.Background(), addr, "Track Model"))
	second, ok := ctc.ConnectionID("Track Model")
	require.True(t, ok)
	require.Equal(t, first, second)
	require.Equal(t, []string{"Track Model"}, ctc.Peers())
}

func TestConnectRejectedByRemote(t *testing.T) {
	t.Parallel()

	trackModel, _ := newTestManager(t, "Track Model", []string{"Wayside HW"}, Options{})
	ctc, _ := newTestManager(t, "CTC", []string{"Track Model"}, Options{})
	addr := serve(t, trackModel)

	err := ctc.Connect(context.Background(), addr, "Track Model")
	require.ErrorIs(t, err, ErrConnectionRefused)
	require.False(t, ctc.Connected("Track Model"))
}

func TestConnectRefusesUnexpectedResponder(t *testing.T) {
	t.Parallel()

	trackModel, _ := newTestManager(t, "Track Model", []string{"CTC"}, Options{})
	ctc, _ := newTestManager(t, "CTC", []string{"Wayside SW"}, Options{})
	addr := serve(t, trackModel)

	// The CTC believes it dials the software wayside but reaches the track model.
	err := ctc.Connect(context.Background(), addr, "Wayside SW")
	require.ErrorIs(t, err, ErrConnectionRefused)
	require.False(t, ctc.Connected("Wayside SW"))
}

func TestConnectTimesOutWithoutAck(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Swallow the handshake and never answer.
		_, _ = io.Copy(io.Discard, conn)
	}()

	ctc, _ := newTestManager(t, "CTC", []string{"Track Model"}, Options{HandshakeTimeout: 100 * time.Millisecond})
	err = ctc.Connect(context.Background(), ln.Addr().String(), "Track Model")
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, ctc.Connected("Track Model"))
}

func TestConnectHonoursContextDeadline(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, conn)
	}()

	ctc, _ := newTestManager(t, "CTC", []string{"Track Model"}, Options{HandshakeTimeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = ctc.Connect(ctx, ln.Addr().String(), "Track Model")
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestSendFailsForDisallowedOrUnconnectedPeer(t *testing.T) {
	t.Parallel()

	ctc, _ := newTestManager(t, "CTC", []string{"Track Model"}, Options{})

	err := ctc.Send("Train Controller", protocol.Message{"command": "ping"})
	require.ErrorIs(t, err, ErrNotAllowed)

	err = ctc.Send("Track Model", protocol.Message{"command": "ping"})
	require.ErrorIs(t, err, ErrNotConnected)
	require.Empty(t, ctc.Peers())
}

func TestDisconnectOfOnePeerLeavesOthersUntouched(t *testing.T) {
	t.Parallel()

	ctc, _ := newTestManager(t, "CTC", []string{"Wayside HW", "Wayside SW"}, Options{})
	addr := serve(t, ctc)

	hw, _ := newTestManager(t, "Wayside HW", []string{"CTC"}, Options{})
	sw, swInbox := newTestManager(t, "Wayside SW", []string{"CTC"}, Options{})
	require.NoError(t, hw.Connect(context.Background(), addr, "CTC"))
	require.NoError(t, sw.Connect(context.Background(), addr, "CTC"))
	require.Eventually(t, func() bool {
		return ctc.Connected("Wayside HW") && ctc.Connected("Wayside SW")
	}, time.Second, 10*time.Millisecond)

	hw.Close()

	require.Eventually(t, func() bool { return !ctc.Connected("Wayside HW") }, 2*time.Second, 10*time.Millisecond)
	require.True(t, ctc.Connected("Wayside SW"))
	require.NoError(t, ctc.Send("Wayside SW", protocol.Message{"command": "update_occupancy"}))
	r := expectMessage(t, swInbox)
	require.Equal(t, "CTC", r.from)

	// The accept path is unaffected as well.
	hw2, _ := newTestManager(t, "Wayside HW", []string{"CTC"}, Options{})
	require.NoError(t, hw2.Connect(context.Background(), addr, "CTC"))
	require.Eventually(t, func() bool { return ctc.Connected("Wayside HW") }, time.Second, 10*time.Millisecond)
}

func TestSecondHandshakeReplacesAndClosesOldConnection(t *testing.T) {
	t.Parallel()

	server, inbox := newTestManager(t, "Track Model", []string{"CTC"}, Options{})
	addr := serve(t, server)

	oldConn, ack := rawHandshake(t, addr, "CTC")
	require.Equal(t, protocol.StatusAccepted, ack.Status)
	require.Eventually(t, func() bool { return server.Connected("CTC") }, time.Second, 10*time.Millisecond)
	oldID, _ := server.ConnectionID("CTC")

	newConn, ack := rawHandshake(t, addr, "CTC")
	require.Equal(t, protocol.StatusAccepted, ack.Status)
	require.Eventually(t, func() bool {
		id, ok := server.ConnectionID("CTC")
		return ok && id != oldID
	}, time.Second, 10*time.Millisecond)

	expectClosed(t, oldConn)
	require.Equal(t, []string{"CTC"}, server.Peers())

	writeFrame(t, newConn, protocol.Message{"command": "ping"})
	require.Equal(t, "CTC", expectMessage(t, inbox).from)
}

func TestPipelinedFramesAndLateHandshakes(t *testing.T) {
	t.Parallel()

	server, inbox := newTestManager(t, "Track Model", []string{"CTC"}, Options{})
	addr := serve(t, server)

	// The first application frame travels in the same write as the handshake.
	conn, ack := rawHandshake(t, addr, "CTC", protocol.Message{"command": "first"})
	require.Equal(t, protocol.StatusAccepted, ack.Status)
	require.Equal(t, "first", expectMessage(t, inbox).msg["command"])

	writeFrame(t, conn, protocol.Handshake{Type: protocol.TypeHandshake, UIID: "CTC"})
	writeFrame(t, conn, protocol.Message{"command": "second"})
	require.Equal(t, "second", expectMessage(t, inbox).msg["command"])
}

func TestHandlerPanicDoesNotKillConnection(t *testing.T) {
	t.Parallel()

	server, _ := newTestManager(t, "Track Model", []string{"CTC"}, Options{})
	got := make(chan string, 4)
	server.SetHandler(func(msg protocol.Message, from string) {
		if msg["command"] == "boom" {
			panic("handler failure")
		}
		got <- msg["command"].(string)
	})
	addr := serve(t, server)

	conn, _ := rawHandshake(t, addr, "CTC")
	writeFrame(t, conn, protocol.Message{"command": "boom"})
	writeFrame(t, conn, protocol.Message{"command": "after"})

	select {
	case cmd := <-got:
		require.Equal(t, "after", cmd)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive a panicking handler")
	}
}

func TestAuthenticatedHandshake(t *testing.T) {
	t.Parallel()

	secret, err := auth.NewHMAC("wayside-lab", time.Minute)
	require.NoError(t, err)
	other, err := auth.NewHMAC("someone-else", time.Minute)
	require.NoError(t, err)

	trackModel, _ := newTestManager(t, "Track Model", []string{"CTC"}, Options{Auth: secret})
	addr := serve(t, trackModel)

	ctc, _ := newTestManager(t, "CTC", []string{"Track Model"}, Options{Auth: secret})
	require.NoError(t, ctc.Connect(context.Background(), addr, "Track Model"))

	trackModel2, _ := newTestManager(t, "Track Model", []string{"CTC"}, Options{Auth: secret})
	addr2 := serve(t, trackModel2)

	unsigned, _ := newTestManager(t, "CTC", []string{"Track Model"}, Options{})
	err = unsigned.Connect(context.Background(), addr2, "Track Model")
	require.ErrorIs(t, err, ErrConnectionRefused)

	forged, _ := newTestManager(t, "CTC", []string{"Track Model"}, Options{Auth: other})
	err = forged.Connect(context.Background(), addr2, "Track Model")
	require.ErrorIs(t, err, ErrConnectionRefused)
	require.Empty(t, trackModel2.Peers())
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	t.Parallel()

	trackModel, _ := newTestManager(t, "Track Model", []string{"CTC"}, Options{})
	ctc, _ := newTestManager(t, "CTC", []string{"Track Model"}, Options{})
	addr := serve(t, trackModel)
	require.NoError(t, ctc.Connect(context.Background(), addr, "Track Model"))

	ctc.Close()
	ctc.Close()
	require.Empty(t, ctc.Peers())

	err := ctc.Connect(context.Background(), addr, "Track Model")
	require.True(t, errors.Is(err, ErrClosed), "got %v", err)
	require.Eventually(t, func() bool { return !trackModel.Connected("CTC") }, 2*time.Second, 10*time.Millisecond)
}

// brokenConn accepts deadlines but fails every write.
type brokenConn struct{ net.Conn }

func (brokenConn) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestSendWriteFailureDeregisters(t *testing.T) {
	t.Parallel()

	ctc, _ := newTestManager(t, "CTC", []string{"Track Model"}, Options{})
	local, remote := net.Pipe()
	defer remote.Close()

	c := newConnection("Track Model", brokenConn{local}, true, nil)
	require.Equal(t, registered, ctc.register(c))
	require.True(t, ctc.Connected("Track Model"))

	err := ctc.Send("Track Model", protocol.Message{"command": "ping"})
	require.ErrorIs(t, err, ErrSendFailed)
	require.False(t, ctc.Connected("Track Model"))
	require.True(t, c.isClosed())

	require.ErrorIs(t, ctc.Send("Track Model", protocol.Message{"command": "ping"}), ErrNotConnected)
}

// sameSocket reports whether both managers hold the two ends of one TCP
// connection for each other.
func sameSocket(a *Manager, aPeer string, b *Manager, bPeer string) bool {
	ca, cb := a.lookup(aPeer), b.lookup(bPeer)
	if ca == nil || cb == nil || ca.isClosed() || cb.isClosed() {
		return false
	}
	return ca.outbound != cb.outbound &&
		ca.conn.LocalAddr().String() == cb.conn.RemoteAddr().String()
}

func TestCrossingConnectsSettleOnOneLink(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		ctc, ctcInbox := newTestManager(t, "CTC", []string{"Track Model"}, Options{})
		trackModel, tmInbox := newTestManager(t, "Track Model", []string{"CTC"}, Options{})
		ctcAddr := serve(t, ctc)
		tmAddr := serve(t, trackModel)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs[0] = ctc.Connect(context.Background(), tmAddr, "Track Model")
		}()
		go func() {
			defer wg.Done()
			errs[1] = trackModel.Connect(context.Background(), ctcAddr, "CTC")
		}()
		wg.Wait()
		require.NoError(t, errs[0], "round %d", i)
		require.NoError(t, errs[1], "round %d", i)

		require.Eventually(t, func() bool {
			return sameSocket(ctc, "Track Model", trackModel, "CTC")
		}, 2*time.Second, 5*time.Millisecond, "round %d", i)
		require.Never(t, func() bool {
			return !sameSocket(ctc, "Track Model", trackModel, "CTC")
		}, 100*time.Millisecond, 10*time.Millisecond, "round %d", i)

		require.NoError(t, ctc.Send("Track Model", protocol.Message{"command": "ping", "round": i}))
		require.Equal(t, "CTC", expectMessage(t, tmInbox).from)
		require.NoError(t, trackModel.Send("CTC", protocol.Message{"command": "pong", "round": i}))
		require.Equal(t, "Track Model", expectMessage(t, ctcInbox).from)

		ctc.Close()
		trackModel.Close()
	}
}

func TestCrossingInboundLosesToPreferredOutbound(t *testing.T) {
	t.Parallel()

	trackModel, _ := newTestManager(t, "Track Model", []string{"CTC"}, Options{})
	ctc, _ := newTestManager(t, "CTC", []string{"Track Model"}, Options{})
	ctcAddr := serve(t, ctc)

	require.NoError(t, ctc.Connect(context.Background(), serve(t, trackModel), "Track Model"))
	kept, ok := ctc.ConnectionID("Track Model")
	require.True(t, ok)

	// "CTC" sorts first, so the CTC-initiated connection survives a crossing
	// inbound handshake. The inbound socket is acknowledged, then dropped.
	conn, ack := rawHandshake(t, ctcAddr, "Track Model")
	require.Equal(t, protocol.StatusAccepted, ack.Status)
	expectClosed(t, conn)

	id, ok := ctc.ConnectionID("Track Model")
	require.True(t, ok)
	require.Equal(t, kept, id)
}

func TestLateOppositeHandshakeReplacesStaleConnection(t *testing.T) {
	t.Parallel()

	opts := Options{HandshakeTimeout: 200 * time.Millisecond}
	trackModel, _ := newTestManager(t, "Track Model", []string{"CTC"}, opts)
	ctc, ctcInbox := newTestManager(t, "CTC", []string{"Track Model"}, opts)
	ctcAddr := serve(t, ctc)

	require.NoError(t, ctc.Connect(context.Background(), serve(t, trackModel), "Track Model"))
	stale, ok := ctc.ConnectionID("Track Model")
	require.True(t, ok)

	// Outside the crossing window a new handshake is a reconnect and wins.
	time.Sleep(300 * time.Millisecond)
	conn, ack := rawHandshake(t, ctcAddr, "Track Model")
	require.Equal(t, protocol.StatusAccepted, ack.Status)

	require.Eventually(t, func() bool {
		id, ok := ctc.ConnectionID("Track Model")
		return ok && id != stale
	}, time.Second, 10*time.Millisecond)

	writeFrame(t, conn, protocol.Message{"command": "ping"})
	require.Equal(t, "Track Model", expectMessage(t, ctcInbox).from)
}
