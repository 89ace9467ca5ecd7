package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/tradingroom/internal/core"
	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	msgs   []outbound
	tokens []string
	conns  []*websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{t: t}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(func() {
		fs.dropAll()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.tokens = append(fs.tokens, r.URL.Query().Get("token"))
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m outbound
		if json.Unmarshal(data, &m) == nil && m.Type != core.MsgPing {
			fs.mu.Lock()
			fs.msgs = append(fs.msgs, m)
			fs.mu.Unlock()
		}
	}
}

func (fs *fakeServer) messages() []outbound {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]outbound, len(fs.msgs))
	copy(out, fs.msgs)
	return out
}

func (fs *fakeServer) count(typ, channel string) int {
	n := 0
	for _, m := range fs.messages() {
		if m.Type == typ && m.Channel == channel {
			n++
		}
	}
	return n
}

func (fs *fakeServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

// dropAll closes server side sockets to simulate a network drop.
func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func testOptions(url string) Options {
	return Options{
		URL:               url,
		Token:             "secret",
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
		ReconnectAttempts: 3,
		DedupCapacity:     100,
	}
}

func connected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)
}

func TestConnectSendsToken(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(testOptions(fs.url()))
	t.Cleanup(c.Disconnect)

	require.NoError(t, c.Connect(context.Background()))
	connected(t, c)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Len(t, fs.tokens, 1)
	assert.Equal(t, "secret", fs.tokens[0])
}

func TestConnectWithoutTokenIsNoop(t *testing.T) {
	fs := newFakeServer(t)
	opts := testOptions(fs.url())
	opts.Token = ""
	c := NewClient(opts)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 0, fs.connCount())
}

func TestSubscribeSendsOncePerChannel(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(testOptions(fs.url()))
	t.Cleanup(c.Disconnect)
	require.NoError(t, c.Connect(context.Background()))
	connected(t, c)

	const ch = "room:r1:chat"
	un1 := c.Subscribe(ch, func(core.Envelope) {})
	un2 := c.Subscribe(ch, func(core.Envelope) {})

	require.Eventually(t, func() bool { return fs.count(core.MsgSubscribe, ch) == 1 }, time.Second, 5*time.Millisecond)

	un1()
	un1()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, fs.count(core.MsgUnsubscribe, ch))

	un2()
	require.Eventually(t, func() bool { return fs.count(core.MsgUnsubscribe, ch) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fs.count(core.MsgSubscribe, ch))
	assert.Empty(t, c.Channels())
}

func TestSubscriptionsReplayedAfterReconnect(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(testOptions(fs.url()))
	t.Cleanup(c.Disconnect)

	// registered before the socket opens
	c.Subscribe("room:r1:alerts", func(core.Envelope) {})
	require.NoError(t, c.Connect(context.Background()))
	connected(t, c)
	c.Subscribe("room:r1:polls", func(core.Envelope) {})

	require.Eventually(t, func() bool {
		return fs.count(core.MsgSubscribe, "room:r1:alerts") == 1 && fs.count(core.MsgSubscribe, "room:r1:polls") == 1
	}, time.Second, 5*time.Millisecond)

	fs.dropAll()

	require.Eventually(t, func() bool {
		return fs.count(core.MsgSubscribe, "room:r1:alerts") == 2 && fs.count(core.MsgSubscribe, "room:r1:polls") == 2
	}, 2*time.Second, 5*time.Millisecond)
	connected(t, c)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	fs := newFakeServer(t)
	url := fs.url()
	fs.srv.Close()

	c := NewClient(testOptions(url))
	t.Cleanup(c.Disconnect)

	var mu sync.Mutex
	var seen []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.Error(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool { return c.State() == StateGaveUp }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	connecting := 0
	for _, s := range seen {
		if s == StateConnecting {
			connecting++
		}
	}
	// initial dial plus three retries
	assert.Equal(t, 4, connecting)
	assert.Equal(t, StateGaveUp, seen[len(seen)-1])
}

func TestDisconnectStopsReconnect(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(testOptions(fs.url()))
	c.Subscribe("room:r1:chat", func(core.Envelope) {})
	require.NoError(t, c.Connect(context.Background()))
	connected(t, c)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.Channels())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, fs.count(core.MsgUnsubscribe, "room:r1:chat"))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestSendPresence(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient(testOptions(fs.url()))
	t.Cleanup(c.Disconnect)

	assert.ErrorIs(t, c.SendPresence("room:r1:chat", "online"), domain.ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	connected(t, c)
	require.NoError(t, c.SendPresence("room:r1:chat", "online"))
	require.Eventually(t, func() bool { return fs.count(core.MsgPresence, "room:r1:chat") == 1 }, time.Second, 5*time.Millisecond)

	for _, m := range fs.messages() {
		if m.Type == core.MsgPresence {
			assert.Equal(t, "online", m.Status)
		}
	}
}

func eventFrame(t *testing.T, channel, event, id string) []byte {
	t.Helper()
	b, err := json.Marshal(core.Envelope{
		Type:    core.MsgEvent,
		Channel: channel,
		Event:   event,
		EventID: id,
		Payload: json.RawMessage(`{"id":"m1"}`),
	})
	require.NoError(t, err)
	return b
}

func TestDispatchDeliversEachEventOnce(t *testing.T) {
	c := NewClient(testOptions("ws://unused"))
	const ch = "room:r1:chat"

	var got []string
	c.Subscribe(ch, func(env core.Envelope) { got = append(got, env.EventID) })
	c.Subscribe("room:r1:alerts", func(core.Envelope) { t.Fatal("wrong channel") })

	c.dispatch(eventFrame(t, ch, "message_created", "e1"))
	c.dispatch(eventFrame(t, ch, "message_created", "e1"))
	c.dispatch(eventFrame(t, ch, "message_created", "e2"))
	c.dispatch(eventFrame(t, "room:r2:chat", "message_created", "e3"))

	assert.Equal(t, []string{"e1", "e2"}, got)
}

func TestDispatchSurvivesBadInput(t *testing.T) {
	c := NewClient(testOptions("ws://unused"))
	const ch = "room:r1:tracks"

	calls := 0
	c.Subscribe(ch, func(core.Envelope) { panic("boom") })
	c.Subscribe(ch, func(core.Envelope) { calls++ })

	assert.NotPanics(t, func() {
		c.dispatch([]byte("{not json"))
		c.dispatch([]byte(`{"type":"mystery"}`))
		c.dispatch([]byte(`{"type":"pong"}`))
		c.dispatch(eventFrame(t, ch, "track_added", "e1"))
	})
	assert.Equal(t, 1, calls)
}

func TestDispatchRoutesChannelErrors(t *testing.T) {
	c := NewClient(testOptions("ws://unused"))
	const ch = "room:r1:polls"

	var got core.Envelope
	c.Subscribe(ch, func(env core.Envelope) { got = env })
	c.dispatch([]byte(`{"type":"error","channel":"room:r1:polls","message":"forbidden","code":"FORBIDDEN"}`))

	assert.Equal(t, core.MsgError, got.Type)
	assert.Equal(t, "FORBIDDEN", got.Code)
}
