package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pnwsync/pnwsync/pkg/metrics"
	"github.com/pnwsync/pnwsync/pkg/version"
)

// Upstream endpoints.
const (
	DefaultHost    = "socket.politicsandwar.com"
	DefaultKey     = "a22734a47847a64386c8"
	DefaultAuthURL = "https://api.politicsandwar.com/subscriptions/v1/auth"
)

const (
	defaultActivityTimeout = 120 * time.Second
	pongWindow             = 30 * time.Second
	handshakeTimeout       = 30 * time.Second
	sendTimeout            = 5 * time.Second
	maxBackoff             = 120 * time.Second
	maxFrameBytes          = 1 << 24
)

// Options configures a Client. Zero fields fall back to the upstream
// defaults.
type Options struct {
	Key        string
	Host       string
	AuthURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client owns the WebSocket connection and the channel registry. Run drives
// the connect/read/reconnect loop; Subscribe and Unsubscribe may be called
// from any goroutine, before or after the connection is up.
type Client struct {
	url        string
	authURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	socketID    string
	established bool
	channels    map[string]*Channel

	attempts int
}

// NewClient builds a client for the given options.
func NewClient(opts Options) *Client {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.AuthURL == "" {
		opts.AuthURL = DefaultAuthURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := url.Values{}
	q.Set("client", version.AppName)
	q.Set("version", version.GitCommit)
	q.Set("protocol", "7")
	endpoint := url.URL{
		Scheme:   "wss",
		Host:     opts.Host,
		Path:     "/app/" + opts.Key,
		RawQuery: q.Encode(),
	}

	return &Client{
		url:        endpoint.String(),
		authURL:    opts.AuthURL,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		channels:   make(map[string]*Channel),
	}
}

// SocketID returns the socket id of the current connection, empty when
// disconnected.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// dialError marks a failure to establish the connection, as opposed to a
// disconnect after the socket was up.
type dialError struct{ err error }

func (e *dialError) Error() string { return "dialing: " + e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

type disconnectClass int

const (
	disconnectTerminal disconnectClass = iota
	disconnectBackoff
	disconnectImmediate
)

// classifyDisconnect maps a connection error to the reconnect policy:
// close codes 4000-4099 are terminal, 4100-4199 and dial failures back
// off, everything else (including socket errors on an established
// connection) reconnects immediately.
func classifyDisconnect(err error) disconnectClass {
	var de *dialError
	code := websocket.CloseStatus(err)
	switch {
	case code >= 4000 && code <= 4099:
		return disconnectTerminal
	case code >= 4100 && code <= 4199, errors.As(err, &de):
		return disconnectBackoff
	default:
		return disconnectImmediate
	}
}

// Run connects and serves frames until the context is canceled or the
// upstream closes with a terminal code (4000-4099). Codes 4100-4199 and
// dial failures reconnect with capped exponential backoff; any other
// disconnect reconnects immediately with the attempt counter reset.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		code := websocket.CloseStatus(err)
		switch classifyDisconnect(err) {
		case disconnectTerminal:
			metrics.WireReconnects.WithLabelValues("terminal").Inc()
			return fmt.Errorf("connection closed with terminal code %d: %w", code, err)
		case disconnectBackoff:
			c.attempts++
			delay := backoffDelay(c.attempts)
			metrics.WireReconnects.WithLabelValues("backoff").Inc()
			c.logger.Warn("Connection lost, reconnecting with backoff",
				"code", int(code), "attempt", c.attempts, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		default:
			c.attempts = 0
			metrics.WireReconnects.WithLabelValues("immediate").Inc()
			c.logger.Warn("Connection lost, reconnecting immediately",
				"code", int(code), "error", err)
		}
	}
}

func (c *Client) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPClient: c.httpClient})
	cancel()
	if err != nil {
		return &dialError{err: err}
	}
	conn.SetReadLimit(maxFrameBytes)
	defer c.clearConnection()

	// The reader lives exactly as long as this connection; canceling here
	// unblocks a reader stuck handing over a frame nobody will take.
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	frames := make(chan Frame)
	readErrs := make(chan error, 1)
	go c.readLoop(connCtx, conn, frames, readErrs)

	// Until the handshake lands, the timer bounds the wait for
	// pusher:connection_established.
	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()
	activity := defaultActivityTimeout
	established := false
	awaitingPong := false

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
			return ctx.Err()

		case err := <-readErrs:
			return err

		case f := <-frames:
			awaitingPong = false
			if !established {
				act, err := c.completeHandshake(ctx, conn, f)
				if err != nil {
					_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
					return err
				}
				activity = act
				established = true
				resetTimer(timer, activity)
				continue
			}
			c.handleFrame(ctx, conn, f)
			resetTimer(timer, activity)

		case <-timer.C:
			if !established {
				_ = conn.Close(websocket.StatusProtocolError, "handshake timeout")
				return errors.New("timed out waiting for connection_established")
			}
			if awaitingPong {
				_ = conn.Close(websocket.StatusProtocolError, "pong timeout")
				return errors.New("no pong within 30s of ping")
			}
			awaitingPong = true
			if err := c.send(ctx, conn, eventPing, struct{}{}); err != nil {
				return fmt.Errorf("sending ping: %w", err)
			}
			resetTimer(timer, pongWindow)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, frames chan<- Frame, readErrs chan<- error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			readErrs <- err
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("Dropping malformed frame", "error", err)
			continue
		}
		metrics.WireFrames.WithLabelValues(f.Event).Inc()
		select {
		case frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// completeHandshake validates the first frame, records the socket id and
// resubscribes every registered channel.
func (c *Client) completeHandshake(ctx context.Context, conn *websocket.Conn, f Frame) (time.Duration, error) {
	if f.Event != eventConnectionEstablished {
		return 0, fmt.Errorf("expected %s, got %s", eventConnectionEstablished, f.Event)
	}
	data, err := f.DataBytes()
	if err != nil {
		return 0, err
	}
	var est connectionEstablished
	if err := json.Unmarshal(data, &est); err != nil {
		return 0, fmt.Errorf("decoding handshake: %w", err)
	}

	activity := defaultActivityTimeout
	if est.ActivityTimeout > 0 {
		server := time.Duration(est.ActivityTimeout * float64(time.Second))
		if server < activity {
			activity = server
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.socketID = est.SocketID
	c.established = true
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()
	c.attempts = 0

	c.logger.Info("Connected", "socket_id", est.SocketID, "activity_timeout", activity)

	for _, ch := range channels {
		if err := c.sendSubscribe(ctx, conn, ch); err != nil {
			c.logger.Error("Resubscribe failed", "channel", ch.Name(), "error", err)
		}
	}
	return activity, nil
}

func (c *Client) handleFrame(ctx context.Context, conn *websocket.Conn, f Frame) {
	switch f.Event {
	case eventPing:
		if err := c.send(ctx, conn, eventPong, struct{}{}); err != nil {
			c.logger.Warn("Sending pong failed", "error", err)
		}
	case eventPong:
		// Any frame refreshes the activity window; nothing else to do.
	case eventError:
		var perr protocolError
		if data, err := f.DataBytes(); err == nil {
			_ = json.Unmarshal(data, &perr)
		}
		c.logger.Warn("Protocol error from upstream", "code", perr.Code, "message", perr.Message)
	default:
		if f.Channel == "" {
			c.logger.Debug("Ignoring channelless frame", "event", f.Event)
			return
		}
		c.mu.Lock()
		ch := c.channels[f.Channel]
		c.mu.Unlock()
		if ch == nil {
			c.logger.Debug("Frame for unknown channel", "channel", f.Channel, "event", f.Event)
			return
		}
		ch.handle(ctx, f)
	}
}

func (c *Client) clearConnection() {
	c.mu.Lock()
	c.conn = nil
	c.socketID = ""
	c.established = false
	for _, ch := range c.channels {
		ch.setState(ChannelUnsubscribed)
	}
	c.mu.Unlock()
}

// Subscribe registers the channel and, when connected, sends the subscribe
// frame. Subscribing an already registered channel returns it unchanged.
func (c *Client) Subscribe(ctx context.Context, name string) (*Channel, error) {
	c.mu.Lock()
	ch, exists := c.channels[name]
	if !exists {
		ch = newChannel(name, c.logger)
		c.channels[name] = ch
	}
	conn, connected := c.conn, c.established
	c.mu.Unlock()

	if exists {
		return ch, nil
	}
	if connected {
		if err := c.sendSubscribe(ctx, conn, ch); err != nil {
			return ch, err
		}
	}
	return ch, nil
}

// Unsubscribe removes the channel and, when connected, sends the
// unsubscribe frame. Unknown channels are a no-op.
func (c *Client) Unsubscribe(ctx context.Context, name string) error {
	c.mu.Lock()
	ch := c.channels[name]
	delete(c.channels, name)
	conn, connected := c.conn, c.established
	c.mu.Unlock()

	if ch == nil {
		return nil
	}
	ch.setState(ChannelUnsubscribed)
	if !connected {
		return nil
	}
	if err := c.send(ctx, conn, eventUnsubscribe, unsubscribeData{Channel: ch.Name()}); err != nil {
		return fmt.Errorf("unsubscribing %s: %w", ch.Name(), err)
	}
	c.logger.Info("Unsubscribed", "channel", ch.Name())
	return nil
}

func (c *Client) sendSubscribe(ctx context.Context, conn *websocket.Conn, ch *Channel) error {
	data := subscribeData{Channel: ch.Name()}
	if strings.HasPrefix(ch.Name(), "private-") || strings.HasPrefix(ch.Name(), "presence-") {
		auth, err := c.authorize(ctx, ch.Name())
		if err != nil {
			return fmt.Errorf("authorizing %s: %w", ch.Name(), err)
		}
		data.Auth = auth
	}
	ch.setState(ChannelSubscribing)
	if err := c.send(ctx, conn, eventSubscribe, data); err != nil {
		ch.setState(ChannelUnsubscribed)
		return fmt.Errorf("subscribing %s: %w", ch.Name(), err)
	}
	return nil
}

// authorize signs a private channel subscription via the auth endpoint.
func (c *Client) authorize(ctx context.Context, channel string) (string, error) {
	c.mu.Lock()
	socketID := c.socketID
	c.mu.Unlock()
	if socketID == "" {
		return "", errors.New("not connected")
	}

	form := url.Values{}
	form.Set("socket_id", socketID)
	form.Set("channel_name", channel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("auth endpoint returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Auth string `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decoding auth response: %w", err)
	}
	return payload.Auth, nil
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, event string, data any) error {
	payload, err := marshalFrame(event, data)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
