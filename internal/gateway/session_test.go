package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termchat/internal/apperr"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// fakeGateway runs a scripted server side of the gateway protocol. handler is
// invoked per connection with the 1-based connection count.
type fakeGateway struct {
	srv     *httptest.Server
	conns   atomic.Int32
	handler func(n int, ws *websocket.Conn)
}

func newFakeGateway(t *testing.T, handler func(n int, ws *websocket.Conn)) *fakeGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fg := &fakeGateway{handler: handler}
	r := gin.New()
	r.GET("/", func(g *gin.Context) {
		ws, err := upgrader.Upgrade(g.Writer, g.Request, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		fg.handler(int(fg.conns.Add(1)), ws)
	})
	fg.srv = httptest.NewServer(r)
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http")
}

func serverSend(ws *websocket.Conn, v interface{}) {
	data, _ := json.Marshal(v)
	ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	ws.WriteMessage(websocket.TextMessage, data)
}

func serverRecv(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func sendHello(ws *websocket.Conn, interval time.Duration) {
	serverSend(ws, gin.H{"op": opHello, "d": gin.H{"heartbeat_interval": interval.Milliseconds()}})
}

func sendReady(ws *websocket.Conn, sessionID string) {
	serverSend(ws, gin.H{"op": opDispatch, "t": "READY", "s": 1, "d": gin.H{
		"session_id": sessionID,
		"user":       gin.H{"id": "7", "username": "me"},
	}})
}

func testSessionConfig(url string) Config {
	return Config{
		URL:              url,
		Token:            "tok",
		ConnectTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		BackoffBase:      10 * time.Millisecond,
		BackoffCap:       50 * time.Millisecond,
		MaxAttempts:      5,
	}
}

func newTestSession(cfg Config, sink func(Event)) *Session {
	s := NewSession(cfg, sink)
	s.jitter = func() float64 { return 0.1 }
	return s
}

func waitForEvent(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
			return nil
		}
	}
}

func TestSession_IdentifyToReady(t *testing.T) {
	fg := newFakeGateway(t, func(n int, ws *websocket.Conn) {
		sendHello(ws, time.Second)

		f := serverRecv(t, ws)
		require.Equal(t, opIdentify, f.Op)
		var id identifyData
		require.NoError(t, json.Unmarshal(f.Data, &id))
		assert.Equal(t, "tok", id.Token)
		assert.Equal(t, DefaultIntents, id.Intents)

		sendReady(ws, "sess-1")
		// keep acking heartbeats until the client hangs up
		for {
			f, err := readAny(ws)
			if err != nil {
				return
			}
			if f.Op == opHeartbeat {
				serverSend(ws, gin.H{"op": opHeartbeatAck})
			}
		}
	})

	events := make(chan Event, 64)
	s := newTestSession(testSessionConfig(fg.url()), func(ev Event) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ev := waitForEvent(t, events, func(ev Event) bool { _, ok := ev.(Ready); return ok })
	assert.Equal(t, "sess-1", ev.(Ready).SessionID)
	assert.Equal(t, StateReady, s.State())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, s.State())
}

func readAny(ws *websocket.Conn) (frame, error) {
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

func TestSession_HeartbeatMissTriggersSingleResume(t *testing.T) {
	resumed := make(chan resumeData, 1)
	fg := newFakeGateway(t, func(n int, ws *websocket.Conn) {
		sendHello(ws, 40*time.Millisecond)
		f := serverRecv(t, ws)

		switch n {
		case 1:
			require.Equal(t, opIdentify, f.Op)
			sendReady(ws, "sess-1")
			// a dispatch so the client has a sequence to resume from
			serverSend(ws, gin.H{"op": opDispatch, "t": "TYPING_START", "s": 2, "d": gin.H{
				"channel_id": "10", "user_id": "7", "timestamp": 0,
			}})
			// swallow heartbeats without acking; the client must declare
			// the link dead on its own
			for {
				if _, err := readAny(ws); err != nil {
					return
				}
			}
		default:
			require.Equal(t, opResume, f.Op)
			var rd resumeData
			require.NoError(t, json.Unmarshal(f.Data, &rd))
			select {
			case resumed <- rd:
			default:
			}
			serverSend(ws, gin.H{"op": opDispatch, "t": "RESUMED", "s": 3, "d": gin.H{}})
			for {
				f, err := readAny(ws)
				if err != nil {
					return
				}
				if f.Op == opHeartbeat {
					serverSend(ws, gin.H{"op": opHeartbeatAck})
				}
			}
		}
	})

	events := make(chan Event, 64)
	s := newTestSession(testSessionConfig(fg.url()), func(ev Event) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForEvent(t, events, func(ev Event) bool { _, ok := ev.(Resumed); return ok })

	select {
	case rd := <-resumed:
		assert.Equal(t, "tok", rd.Token)
		assert.Equal(t, "sess-1", rd.SessionID)
		assert.Equal(t, int64(2), rd.Seq)
	default:
		t.Fatalf("resume payload not captured")
	}

	// one dead link produces exactly one replacement connection
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(2), fg.conns.Load())
	assert.Equal(t, StateReady, s.State())

	cancel()
	require.NoError(t, <-done)
}

func TestSession_InvalidSessionForcesIdentify(t *testing.T) {
	fg := newFakeGateway(t, func(n int, ws *websocket.Conn) {
		sendHello(ws, time.Second)
		f := serverRecv(t, ws)
		// every connection must identify: the invalidation wipes the
		// resume state before the retry
		require.Equal(t, opIdentify, f.Op)

		sendReady(ws, "sess-1")
		serverSend(ws, gin.H{"op": opDispatch, "t": "TYPING_START", "s": 2, "d": gin.H{
			"channel_id": "10", "user_id": "7", "timestamp": 0,
		}})
		if n == 1 {
			serverSend(ws, gin.H{"op": opInvalidSession, "d": false})
			return
		}
		for {
			f, err := readAny(ws)
			if err != nil {
				return
			}
			if f.Op == opHeartbeat {
				serverSend(ws, gin.H{"op": opHeartbeatAck})
			}
		}
	})

	events := make(chan Event, 64)
	s := newTestSession(testSessionConfig(fg.url()), func(ev Event) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	ev := waitForEvent(t, events, func(ev Event) bool { _, ok := ev.(InvalidSession); return ok })
	assert.False(t, ev.(InvalidSession).Resumable)

	// the session reconnects and reaches Ready again via a fresh identify
	waitForEvent(t, events, func(ev Event) bool {
		r, ok := ev.(Ready)
		return ok && fg.conns.Load() >= 2 && r.SessionID == "sess-1"
	})

	cancel()
	require.NoError(t, <-done)
}

func TestSession_SeqFollowsDispatches(t *testing.T) {
	fg := newFakeGateway(t, func(n int, ws *websocket.Conn) {
		sendHello(ws, time.Second)
		serverRecv(t, ws)
		sendReady(ws, "sess-1")
		for _, seq := range []int64{2, 3, 2} { // stale seq must not rewind
			serverSend(ws, gin.H{"op": opDispatch, "t": "TYPING_START", "s": seq, "d": gin.H{
				"channel_id": "10", "user_id": "7", "timestamp": 0,
			}})
		}
		for {
			if _, err := readAny(ws); err != nil {
				return
			}
		}
	})

	events := make(chan Event, 64)
	s := newTestSession(testSessionConfig(fg.url()), func(ev Event) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	seen := 0
	waitForEvent(t, events, func(ev Event) bool {
		if _, ok := ev.(Dispatch); ok {
			seen++
		}
		return seen == 3
	})
	assert.Equal(t, int64(3), s.Seq())

	cancel()
	require.NoError(t, <-done)
}

func TestSession_ServerHeartbeatRequestAnsweredImmediately(t *testing.T) {
	fg := newFakeGateway(t, func(n int, ws *websocket.Conn) {
		// frames with unmodeled opcodes may arrive before hello
		serverSend(ws, gin.H{"op": 42})
		// a long interval keeps the scheduled beat far away, so the next
		// frame the server reads can only be the answer to its request
		sendHello(ws, 40*time.Second)

		f := serverRecv(t, ws)
		require.Equal(t, opIdentify, f.Op)

		// op 1 inside the identify window must not kill the attempt
		serverSend(ws, gin.H{"op": opHeartbeat})
		f = serverRecv(t, ws)
		require.Equal(t, opHeartbeat, f.Op)
		serverSend(ws, gin.H{"op": opHeartbeatAck})

		sendReady(ws, "sess-1")
		for {
			f, err := readAny(ws)
			if err != nil {
				return
			}
			if f.Op == opHeartbeat {
				serverSend(ws, gin.H{"op": opHeartbeatAck})
			}
		}
	})

	events := make(chan Event, 64)
	s := newTestSession(testSessionConfig(fg.url()), func(ev Event) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForEvent(t, events, func(ev Event) bool { _, ok := ev.(Ready); return ok })
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, int32(1), fg.conns.Load(), "heartbeat request tore the connection down")

	cancel()
	require.NoError(t, <-done)
}

func TestSession_ResumesWithReadySeqBeforeAnyDispatch(t *testing.T) {
	resumed := make(chan resumeData, 1)
	fg := newFakeGateway(t, func(n int, ws *websocket.Conn) {
		sendHello(ws, 40*time.Millisecond)
		f := serverRecv(t, ws)

		switch n {
		case 1:
			require.Equal(t, opIdentify, f.Op)
			// READY carries s:1 and no further dispatch follows; the
			// link then dies from missed acks
			sendReady(ws, "sess-1")
			for {
				if _, err := readAny(ws); err != nil {
					return
				}
			}
		default:
			require.Equal(t, opResume, f.Op, "session should resume, not re-identify")
			var rd resumeData
			require.NoError(t, json.Unmarshal(f.Data, &rd))
			select {
			case resumed <- rd:
			default:
			}
			serverSend(ws, gin.H{"op": opDispatch, "t": "RESUMED", "s": 1, "d": gin.H{}})
			for {
				f, err := readAny(ws)
				if err != nil {
					return
				}
				if f.Op == opHeartbeat {
					serverSend(ws, gin.H{"op": opHeartbeatAck})
				}
			}
		}
	})

	events := make(chan Event, 64)
	s := newTestSession(testSessionConfig(fg.url()), func(ev Event) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForEvent(t, events, func(ev Event) bool { _, ok := ev.(Resumed); return ok })

	select {
	case rd := <-resumed:
		assert.Equal(t, "sess-1", rd.SessionID)
		assert.Equal(t, int64(1), rd.Seq, "resume should carry the READY sequence")
	default:
		t.Fatalf("resume payload not captured")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestSession_RetriesExhausted(t *testing.T) {
	// the server never completes a handshake
	fg := newFakeGateway(t, func(n int, ws *websocket.Conn) {})

	cfg := testSessionConfig(fg.url())
	cfg.HandshakeTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	s := newTestSession(cfg, func(Event) {})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.Transport, apperr.KindOf(err))
	assert.GreaterOrEqual(t, fg.conns.Load(), int32(2))
}
