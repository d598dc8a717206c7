package pusher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataBytesUnwrapsDoubleEncoding(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{name: "object passthrough", data: `{"id":1}`, want: `{"id":1}`},
		{name: "array passthrough", data: `[{"id":1}]`, want: `[{"id":1}]`},
		{name: "encoded object", data: `"{\"id\":1}"`, want: `{"id":1}`},
		{name: "encoded array", data: `"[{\"id\":1},{\"id\":2}]"`, want: `[{"id":1},{"id":2}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Frame{Event: "NATION_UPDATE", Data: json.RawMessage(tt.data)}
			got, err := f.DataBytes()
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestDataBytesEmpty(t *testing.T) {
	got, err := Frame{Event: "x"}.DataBytes()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBackoffDelayWindow(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := backoffDelay(attempt)
			assert.GreaterOrEqual(t, d, time.Second, "attempt %d", attempt)
			assert.LessOrEqual(t, d, maxBackoff, "attempt %d", attempt)
			if attempt < 7 {
				upper := time.Duration(int64(1)<<attempt) * time.Second
				assert.LessOrEqual(t, d, upper, "attempt %d", attempt)
			}
		}
	}
}

func TestDisconnectClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want disconnectClass
	}{
		{"terminal close code", websocket.CloseError{Code: 4001}, disconnectTerminal},
		{"backoff close code", fmt.Errorf("read: %w", websocket.CloseError{Code: 4104}), disconnectBackoff},
		{"dial failure", &dialError{err: io.EOF}, disconnectBackoff},
		{"reconnect close code", websocket.CloseError{Code: 4201}, disconnectImmediate},
		{"normal close", websocket.CloseError{Code: websocket.StatusNormalClosure}, disconnectImmediate},
		{"socket error after handshake", io.EOF, disconnectImmediate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyDisconnect(tt.err))
		})
	}
}

func TestSocketDropAfterHandshakeRedialsImmediately(t *testing.T) {
	dials := make(chan time.Time, 4)
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		dials <- time.Now()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		data, err := json.Marshal(Frame{
			Event: eventConnectionEstablished,
			Data:  json.RawMessage(`"{\"socket_id\":\"9.9\",\"activity_timeout\":120}"`),
		})
		require.NoError(t, err)
		if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
			return
		}
		if n == 1 {
			// Tear down the socket without a close frame.
			_ = conn.CloseNow()
			return
		}
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	client := wsClientFor(srv)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	var first, second time.Time
	select {
	case first = <-dials:
	case <-ctx.Done():
		t.Fatal("timed out waiting for the first dial")
	}
	select {
	case second = <-dials:
	case <-ctx.Done():
		t.Fatal("timed out waiting for the redial")
	}
	assert.Less(t, second.Sub(first), time.Second,
		"a dropped socket after the handshake must redial without a backoff wait")
}

func TestFailedHandshakeLeavesNoReaderBehind(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Two pipelined frames, neither a valid handshake: the second one
		// arrives while the client is already tearing down.
		for i := 0; i < 2; i++ {
			data, err := json.Marshal(Frame{Event: eventPong, Data: json.RawMessage(`"{}"`)})
			require.NoError(t, err)
			if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	client := wsClientFor(srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	baseline := runtime.NumGoroutine()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool { return dials.Load() >= 5 }, 10*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline+3
	}, 5*time.Second, 20*time.Millisecond,
		"per-connection readers must exit with their connection")
}

func TestChannelDispatchOrderAndPanicIsolation(t *testing.T) {
	ch := newChannel("test-channel", testLogger())
	var order []int
	ch.Bind("NATION_CREATE", func(ctx context.Context, f Frame) {
		order = append(order, 1)
	})
	ch.Bind("NATION_CREATE", func(ctx context.Context, f Frame) {
		panic("boom")
	})
	ch.Bind("NATION_CREATE", func(ctx context.Context, f Frame) {
		order = append(order, 3)
	})

	require.NotPanics(t, func() {
		ch.handle(context.Background(), Frame{Event: "NATION_CREATE"})
	})
	assert.Equal(t, []int{1, 3}, order)
}

func TestChannelSubscriptionSucceededSetsState(t *testing.T) {
	ch := newChannel("test-channel", testLogger())
	assert.Equal(t, ChannelUnsubscribed, ch.State())
	ch.handle(context.Background(), Frame{Event: eventSubscriptionSucceeded})
	assert.Equal(t, ChannelSubscribed, ch.State())
}

// fakeServer is a minimal Pusher endpoint for live client tests.
type fakeServer struct {
	t *testing.T

	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed chan string
	received   chan Frame
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{
		t:          t,
		subscribed: make(chan string, 8),
		received:   make(chan Frame, 8),
	}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	ctx := r.Context()
	f.sendFrame(ctx, Frame{
		Event: eventConnectionEstablished,
		Data:  json.RawMessage(`"{\"socket_id\":\"123.456\",\"activity_timeout\":120}"`),
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Event {
		case eventSubscribe:
			var sub subscribeData
			payload, _ := frame.DataBytes()
			_ = json.Unmarshal(payload, &sub)
			f.subscribed <- sub.Channel
			f.sendFrame(ctx, Frame{Event: eventSubscriptionSucceeded, Channel: sub.Channel, Data: json.RawMessage(`"{}"`)})
		default:
			f.received <- frame
		}
	}
}

func (f *fakeServer) sendFrame(ctx context.Context, frame Frame) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	data, err := json.Marshal(frame)
	require.NoError(f.t, err)
	require.NoError(f.t, conn.Write(ctx, websocket.MessageText, data))
}

func (f *fakeServer) closeWith(code websocket.StatusCode) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	_ = conn.Close(code, "test close")
}

func wsClientFor(srv *httptest.Server) *Client {
	u, _ := url.Parse(srv.URL)
	c := NewClient(Options{Key: "test-key", Host: u.Host, Logger: testLogger()})
	// httptest serves plain HTTP.
	c.url = strings.Replace(c.url, "wss://", "ws://", 1)
	return c
}

func TestClientHandshakeSubscribeAndDispatch(t *testing.T) {
	fs, srv := newFakeServer(t)
	client := wsClientFor(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	ch, err := client.Subscribe(ctx, "nation-update")
	require.NoError(t, err)

	delivered := make(chan Frame, 1)
	ch.Bind("NATION_UPDATE", func(ctx context.Context, f Frame) {
		delivered <- f
	})

	select {
	case name := <-fs.subscribed:
		assert.Equal(t, "nation-update", name)
	case <-ctx.Done():
		t.Fatal("timed out waiting for subscribe frame")
	}

	require.Eventually(t, func() bool {
		return ch.State() == ChannelSubscribed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "123.456", client.SocketID())

	fs.sendFrame(ctx, Frame{
		Event:   "NATION_UPDATE",
		Channel: "nation-update",
		Data:    json.RawMessage(`"{\"id\":\"239259\",\"score\":100.5}"`),
	})

	select {
	case f := <-delivered:
		payload, err := f.DataBytes()
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"239259","score":100.5}`, string(payload))
	case <-ctx.Done():
		t.Fatal("timed out waiting for dispatched frame")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestClientAnswersPing(t *testing.T) {
	fs, srv := newFakeServer(t)
	client := wsClientFor(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return client.SocketID() != ""
	}, 5*time.Second, 10*time.Millisecond)

	fs.sendFrame(ctx, Frame{Event: eventPing, Data: json.RawMessage(`"{}"`)})

	select {
	case f := <-fs.received:
		assert.Equal(t, eventPong, f.Event)
	case <-ctx.Done():
		t.Fatal("timed out waiting for pong")
	}
}

func TestClientStopsOnTerminalClose(t *testing.T) {
	fs, srv := newFakeServer(t)
	client := wsClientFor(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return client.SocketID() != ""
	}, 5*time.Second, 10*time.Millisecond)

	fs.closeWith(websocket.StatusCode(4001))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "terminal code 4001")
	case <-ctx.Done():
		t.Fatal("Run did not stop on terminal close code")
	}
}

func TestUnsubscribeUnknownChannelIsNoop(t *testing.T) {
	client := NewClient(Options{Logger: testLogger()})
	assert.NoError(t, client.Unsubscribe(context.Background(), "never-subscribed"))
}
