package push

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightvote/gamesync/internal/game"
)

type testServer struct {
	*httptest.Server
	conns  chan *websocket.Conn
	protos chan []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns:  make(chan *websocket.Conn, 4),
		protos: make(chan []string, 4),
	}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"auth"},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.protos <- websocket.Subprotocols(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
	}))
	t.Cleanup(ts.Server.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func recvConn(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ts.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

func testConfig(url string) Config {
	return Config{
		URL:                url,
		Token:              "secret-token",
		HeartbeatInterval:  time.Hour, // quiet unless a test wants it
		BaseReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay:  80 * time.Millisecond,
		HandshakeTimeout:   time.Second,
		WriteTimeout:       time.Second,
	}
}

func completeSnapshot(version int64) *game.Snapshot {
	return &game.Snapshot{
		SessionID:    "s1",
		Version:      version,
		Status:       game.StatusActive,
		Phase:        game.PhaseDay,
		Participants: []game.Participant{},
		EventLog:     []game.Event{},
	}
}

func TestChannelDeliversSnapshotsAndNegotiatesAuth(t *testing.T) {
	ts := newTestServer(t)
	received := make(chan *game.Snapshot, 4)

	ch := NewChannel(testConfig(ts.wsURL()), Callbacks{
		OnSnapshot: func(s *game.Snapshot) { received <- s },
	}, nil)
	ch.Open()
	defer ch.Close()

	serverConn := recvConn(t, ts)
	defer serverConn.Close()

	protos := <-ts.protos
	require.Len(t, protos, 2, "handshake offers exactly the auth subprotocol pair")
	assert.Equal(t, "auth", protos[0])
	assert.Equal(t, "secret-token", protos[1], "token travels in the subprotocol, never the URL")

	require.NoError(t, serverConn.WriteJSON(game.ServerMessage{
		Type: game.MessageTypeConnected,
		Game: completeSnapshot(3),
	}))
	require.NoError(t, serverConn.WriteJSON(game.ServerMessage{
		Type: game.MessageTypeGameUpdate,
		Game: completeSnapshot(4),
	}))

	select {
	case s := <-received:
		assert.Equal(t, int64(3), s.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("connected frame not delivered")
	}
	select {
	case s := <-received:
		assert.Equal(t, int64(4), s.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("game_update frame not delivered")
	}
	assert.Equal(t, StateConnected, ch.State())
	assert.True(t, ch.Healthy())
}

func TestChannelErrorFrameDoesNotDisconnect(t *testing.T) {
	ts := newTestServer(t)
	errs := make(chan string, 1)

	ch := NewChannel(testConfig(ts.wsURL()), Callbacks{
		OnError: func(msg string) { errs <- msg },
	}, nil)
	ch.Open()
	defer ch.Close()

	serverConn := recvConn(t, ts)
	defer serverConn.Close()

	require.NoError(t, serverConn.WriteJSON(game.ServerMessage{
		Type:    game.MessageTypeError,
		Message: "you cannot do that",
	}))

	select {
	case msg := <-errs:
		assert.Equal(t, "you cannot do that", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("error frame not surfaced")
	}
	assert.Equal(t, StateConnected, ch.State())
}

func TestChannelIntentionalCloseDoesNotReconnect(t *testing.T) {
	ts := newTestServer(t)
	ch := NewChannel(testConfig(ts.wsURL()), Callbacks{}, nil)
	ch.Open()

	serverConn := recvConn(t, ts)
	defer serverConn.Close()

	ch.Close()

	// Server observes the intentional close code.
	_, _, err := serverConn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	// No reconnect is scheduled after teardown.
	select {
	case <-ts.conns:
		t.Fatal("channel reconnected after intentional close")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, StateDisconnected, ch.State())
	assert.Equal(t, 0, ch.ReconnectAttempts())

	ch.Close() // idempotent
}

func TestChannelServerNormalCloseIsTerminal(t *testing.T) {
	ts := newTestServer(t)
	ch := NewChannel(testConfig(ts.wsURL()), Callbacks{}, nil)
	ch.Open()
	defer ch.Close()

	serverConn := recvConn(t, ts)
	require.NoError(t, serverConn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second),
	))
	serverConn.Close()

	select {
	case <-ts.conns:
		t.Fatal("channel reconnected after server's normal close")
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestChannelAbnormalCloseSchedulesReconnect(t *testing.T) {
	ts := newTestServer(t)
	states := make(chan State, 16)
	ch := NewChannel(testConfig(ts.wsURL()), Callbacks{
		OnStateChange: func(s State) { states <- s },
	}, nil)
	ch.Open()
	defer ch.Close()

	serverConn := recvConn(t, ts)
	// Drop the TCP connection without a close frame: code 1006.
	serverConn.Close()

	// The channel redials after the base delay.
	second := recvConn(t, ts)
	defer second.Close()

	assert.Eventually(t, func() bool {
		return ch.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond, "channel should reconnect after abnormal close")
	assert.Equal(t, 0, ch.ReconnectAttempts(), "attempt counter resets on successful connect")
}

func TestChannelReconnectTimerArmsAfterDisconnect(t *testing.T) {
	ts := newTestServer(t)
	fc := clockwork.NewFakeClock()
	cfg := testConfig(ts.wsURL())

	ch := NewChannel(cfg, Callbacks{}, fc)
	ch.Open()
	defer ch.Close()

	serverConn := recvConn(t, ts)
	serverConn.Close() // abnormal close, code 1006

	// By the time the backoff timer exists, the channel must already
	// read as disconnected; otherwise a fast timer could fire against
	// the stale connected state and drop the reconnect.
	require.Eventually(t, func() bool {
		return ch.ReconnectAttempts() == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateDisconnected, ch.State())

	fc.Advance(cfg.BaseReconnectDelay)
	second := recvConn(t, ts)
	defer second.Close()

	assert.Eventually(t, func() bool {
		return ch.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond, "fired backoff timer must redial")
}

func TestChannelHeartbeatSendsPing(t *testing.T) {
	ts := newTestServer(t)
	cfg := testConfig(ts.wsURL())
	cfg.HeartbeatInterval = 20 * time.Millisecond

	ch := NewChannel(cfg, Callbacks{}, nil)
	ch.Open()
	defer ch.Close()

	serverConn := recvConn(t, ts)
	defer serverConn.Close()

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := serverConn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, game.HeartbeatLiteral, string(data))
}

func TestChannelDecodeErrorMarksUnhealthy(t *testing.T) {
	ts := newTestServer(t)
	ch := NewChannel(testConfig(ts.wsURL()), Callbacks{}, nil)
	ch.Open()
	defer ch.Close()

	serverConn := recvConn(t, ts)
	defer serverConn.Close()

	require.NoError(t, serverConn.WriteMessage(websocket.TextMessage, []byte("not json")))

	assert.Eventually(t, func() bool {
		return ch.State() == StateConnected && !ch.Healthy()
	}, 2*time.Second, 10*time.Millisecond,
		"decode error degrades health without dropping the connection")
}
