package solver

import (
	"encoding/binary"
	"io"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grailplatform/grail-go-sdk/wire"
	"github.com/grailplatform/grail-go-sdk/worldmodel"
)

// testServer is a scripted world model for the solver role: it accepts
// connections, echoes the handshake, and hands each connection to the
// test for frame-level scripting.
type testServer struct {
	t     *testing.T
	ln    net.Listener
	conns chan *srvConn
}

type srvConn struct {
	t    *testing.T
	conn net.Conn
}

func newTestServer(t *testing.T) (*testServer, string, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts := &testServer{t: t, ln: ln, conns: make(chan *srvConn, 4)}
	go ts.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return ts, "127.0.0.1", uint16(ln.Addr().(*net.TCPAddr).Port)
}

func (ts *testServer) acceptLoop() {
	handshake := wire.MakeSolverHandshake()
	for {
		conn, err := ts.ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, len(handshake))
		if _, err := io.ReadFull(conn, buf); err != nil {
			conn.Close()
			continue
		}
		if _, err := conn.Write(buf); err != nil {
			conn.Close()
			continue
		}
		ts.conns <- &srvConn{t: ts.t, conn: conn}
	}
}

func (ts *testServer) accept() *srvConn {
	ts.t.Helper()
	select {
	case sc := <-ts.conns:
		return sc
	case <-time.After(5 * time.Second):
		ts.t.Fatal("no connection arrived")
		return nil
	}
}

func (s *srvConn) readFrame() []byte {
	s.t.Helper()
	require.NoError(s.t, s.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	header := make([]byte, wire.HeaderLen)
	_, err := io.ReadFull(s.conn, header)
	require.NoError(s.t, err)
	frame := make([]byte, wire.HeaderLen+int(binary.BigEndian.Uint32(header)))
	copy(frame, header)
	_, err = io.ReadFull(s.conn, frame[wire.HeaderLen:])
	require.NoError(s.t, err)
	return frame
}

func (s *srvConn) send(frame []byte) {
	s.t.Helper()
	_, err := s.conn.Write(frame)
	require.NoError(s.t, err)
}

func (s *srvConn) close() {
	s.conn.Close()
}

func unusedPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()
	return port
}

func patternCount(c *Connection, alias uint32) int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return len(c.onDemand[alias])
}

func TestAnnounceOnConnect(t *testing.T) {
	ts, ip, port := newTestServer(t)
	c := New(ip, port, []TypeSpec{
		{Name: "rssi"},
		{Name: "position", OnDemand: true},
	}, "locsolver")
	require.NoError(t, c.Reconnect())
	defer c.Close()
	sc := ts.accept()

	frame := sc.readFrame()
	require.Equal(t, wire.SolverMsgTypeAnnounce, frame[wire.HeaderLen])
	types, origin, err := wire.DecodeTypeAnnounce(frame)
	require.NoError(t, err)
	require.Equal(t, "locsolver", origin)
	require.Equal(t, []worldmodel.AliasType{
		{Alias: 1, Type: "rssi"},
		{Alias: 2, Type: "position", OnDemand: true},
	}, types)
}

func TestAddTypesAnnouncesOnlyNewEntries(t *testing.T) {
	ts, ip, port := newTestServer(t)
	c := New(ip, port, []TypeSpec{{Name: "rssi"}}, "locsolver")
	require.NoError(t, c.Reconnect())
	defer c.Close()
	sc := ts.accept()
	sc.readFrame()

	c.AddTypes([]TypeSpec{{Name: "speed"}})
	frame := sc.readFrame()
	require.Equal(t, wire.SolverMsgTypeAnnounce, frame[wire.HeaderLen])
	types, _, err := wire.DecodeTypeAnnounce(frame)
	require.NoError(t, err)
	require.Equal(t, []worldmodel.AliasType{{Alias: 2, Type: "speed"}}, types)
}

func TestOnDemandGatesUpdates(t *testing.T) {
	ts, ip, port := newTestServer(t)
	c := New(ip, port, []TypeSpec{{Name: "position", OnDemand: true}}, "locsolver")
	require.NoError(t, c.Reconnect())
	defer c.Close()
	sc := ts.accept()
	sc.readFrame()

	// No pattern requested yet, so the update is filtered out but the
	// empty solution still travels.
	c.SendData([]AttrUpdate{{Type: "position", Time: 5, Target: "sensor.1", Data: []byte{1}}}, false)
	_, solutions, err := wire.DecodeSolutionMsg(sc.readFrame())
	require.NoError(t, err)
	require.Empty(t, solutions)

	sc.send(wire.MakeStartOnDemand([]wire.OnDemandRequest{
		{TypeAlias: 1, Patterns: []string{"sensor\\..*"}},
	}))
	require.Eventually(t, func() bool {
		return patternCount(c, 1) == 1
	}, 2*time.Second, 10*time.Millisecond)

	c.SendData([]AttrUpdate{{Type: "position", Time: 6, Target: "sensor.1", Data: []byte{2}}}, true)
	createURIs, solutions, err := wire.DecodeSolutionMsg(sc.readFrame())
	require.NoError(t, err)
	require.True(t, createURIs)
	require.Len(t, solutions, 1)
	require.Equal(t, uint32(1), solutions[0].TypeAlias)
	require.Equal(t, worldmodel.URI("sensor.1"), solutions[0].Target)
	require.Equal(t, []byte{2}, solutions[0].Data)

	// The pattern matches whole URIs only.
	c.SendData([]AttrUpdate{{Type: "position", Time: 7, Target: "door.sensor.1", Data: []byte{3}}}, false)
	_, solutions, err = wire.DecodeSolutionMsg(sc.readFrame())
	require.NoError(t, err)
	require.Empty(t, solutions)
}

func TestUnregisteredTypeIsDropped(t *testing.T) {
	ts, ip, port := newTestServer(t)
	c := New(ip, port, []TypeSpec{{Name: "rssi"}}, "locsolver")
	require.NoError(t, c.Reconnect())
	defer c.Close()
	sc := ts.accept()
	sc.readFrame()

	c.SendData([]AttrUpdate{{Type: "unknown", Target: "sensor.1"}}, false)
	_, solutions, err := wire.DecodeSolutionMsg(sc.readFrame())
	require.NoError(t, err)
	require.Empty(t, solutions)
}

func TestStopOnDemandRemovesOneOccurrence(t *testing.T) {
	c := New("127.0.0.1", 1, []TypeSpec{{Name: "position", OnDemand: true}}, "locsolver")
	start := []wire.OnDemandRequest{{TypeAlias: 1, Patterns: []string{"sensor\\..*"}}}
	c.startOnDemand(start)
	c.startOnDemand(start)

	c.stateMu.Lock()
	set := c.onDemand[1]
	c.stateMu.Unlock()
	require.Len(t, set, 2)
	require.True(t, anyFullMatch(set, "sensor.1"))

	c.stopOnDemand(start)
	c.stateMu.Lock()
	set = c.onDemand[1]
	c.stateMu.Unlock()
	require.Len(t, set, 1)
	require.True(t, anyFullMatch(set, "sensor.1"))

	c.stopOnDemand(start)
	c.stateMu.Lock()
	set = c.onDemand[1]
	c.stateMu.Unlock()
	require.Empty(t, set)

	// Stopping a pattern that is not in the set is a no-op.
	c.stopOnDemand(start)
}

func TestInvalidPatternStaysAsDeadEntry(t *testing.T) {
	c := New("127.0.0.1", 1, []TypeSpec{{Name: "position", OnDemand: true}}, "locsolver")
	bad := []wire.OnDemandRequest{{TypeAlias: 1, Patterns: []string{"sensor\\.["}}}
	c.startOnDemand(bad)

	c.stateMu.Lock()
	set := c.onDemand[1]
	c.stateMu.Unlock()
	require.Len(t, set, 1)
	require.False(t, set[0].valid)
	require.False(t, anyFullMatch(set, "sensor.1"))

	c.stopOnDemand(bad)
	c.stateMu.Lock()
	set = c.onDemand[1]
	c.stateMu.Unlock()
	require.Empty(t, set)
}

func TestFullMatchRejectsPartialMatches(t *testing.T) {
	set := []onDemandPattern{{
		source: "foo",
		re:     regexp.MustCompilePOSIX("foo"),
		valid:  true,
	}}
	require.True(t, anyFullMatch(set, "foo"))
	require.False(t, anyFullMatch(set, "foobar"))
	require.False(t, anyFullMatch(set, "afoo"))
}

func TestKeepAliveIsAnswered(t *testing.T) {
	ts, ip, port := newTestServer(t)
	c := New(ip, port, []TypeSpec{{Name: "rssi"}}, "locsolver")
	require.NoError(t, c.Reconnect())
	defer c.Close()
	sc := ts.accept()
	sc.readFrame()

	sc.send(wire.MakeSolverKeepAlive())
	reply := sc.readFrame()
	require.Len(t, reply, wire.MinFrameLen)
	require.Equal(t, wire.SolverMsgKeepAlive, reply[wire.HeaderLen])
}

func TestWriteReconnectsAfterConnectionLoss(t *testing.T) {
	ts, ip, port := newTestServer(t)
	c := New(ip, port, []TypeSpec{{Name: "rssi"}}, "locsolver")
	c.retryFirst = 10 * time.Millisecond
	c.retryRest = 10 * time.Millisecond
	require.NoError(t, c.Reconnect())
	defer c.Close()

	sc1 := ts.accept()
	sc1.readFrame()
	sc1.close()
	require.Eventually(t, func() bool { return !c.Connected() },
		2*time.Second, 10*time.Millisecond)

	// The write blocks until a fresh session carries it.
	c.SendData(nil, false)

	sc2 := ts.accept()
	announce := sc2.readFrame()
	require.Equal(t, wire.SolverMsgTypeAnnounce, announce[wire.HeaderLen])
	solution := sc2.readFrame()
	require.Equal(t, wire.SolverMsgSolutionData, solution[wire.HeaderLen])
}

func TestCloseAbortsPendingWrite(t *testing.T) {
	c := New("127.0.0.1", unusedPort(t), []TypeSpec{{Name: "rssi"}}, "locsolver")
	c.retryFirst = 5 * time.Millisecond
	c.retryRest = 5 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.SendData(nil, false)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write did not return after Close")
	}
}
