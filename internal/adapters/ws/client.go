package ws

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/tradingroom/internal/config"
	"github.com/dkeye/tradingroom/internal/core"
	"github.com/dkeye/tradingroom/internal/dedup"
	"github.com/dkeye/tradingroom/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateGaveUp means reconnect attempts are exhausted; only a new
	// Connect call restarts the connection.
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGaveUp:
		return "gave_up"
	default:
		return "disconnected"
	}
}

type Options struct {
	URL               string
	Token             string
	PingPeriod        time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	ReconnectJitter   float64
	DedupCapacity     int
	SendQueue         int
	Dialer            *websocket.Dialer
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:               cfg.ServerURL,
		Token:             cfg.Token,
		PingPeriod:        cfg.PingPeriod,
		ReconnectBase:     cfg.ReconnectBase,
		ReconnectMax:      cfg.ReconnectMax,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectJitter:   cfg.ReconnectJitter,
		DedupCapacity:     cfg.DedupCapacity,
	}
}

// Client owns one physical socket and multiplexes logical channels over it.
// Calling Connect while a socket is live is not supported.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	dedup  *dedup.Deduplicator
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *wsConn
	subs    map[string]map[uint64]core.Handler
	nextID  uint64
	retry   backoff.BackOff
	timer   *time.Timer
	stopped bool
	state   State
	onState map[uint64]func(State)
}

var _ core.ChannelSubscriber = (*Client)(nil)

func NewClient(opts Options) *Client {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = opts.ReconnectBase
	eb.MaxInterval = opts.ReconnectMax
	eb.Multiplier = 2
	eb.RandomizationFactor = opts.ReconnectJitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	var retry backoff.BackOff = eb
	if opts.ReconnectAttempts > 0 {
		retry = backoff.WithMaxRetries(eb, uint64(opts.ReconnectAttempts))
	}

	return &Client{
		opts:    opts,
		dialer:  dialer,
		dedup:   dedup.New(opts.DedupCapacity),
		logger:  log.With().Str("module", "adapters.ws").Logger(),
		subs:    make(map[string]map[uint64]core.Handler),
		retry:   retry,
		onState: make(map[uint64]func(State)),
	}
}

// Connect dials the server. Without a token it does nothing. A failed dial
// is returned and retried in the background with backoff.
func (c *Client) Connect(ctx context.Context) error {
	if c.opts.Token == "" {
		c.logger.Info().Msg("no credential, connect skipped")
		return nil
	}
	c.mu.Lock()
	c.stopped = false
	c.stopTimerLocked()
	c.retry.Reset()
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.opts.Token)
	u.RawQuery = q.Encode()

	c.setState(StateConnecting)
	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", c.opts.URL).Msg("dial failed")
		c.setState(StateDisconnected)
		c.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	c.onOpen(conn)
	return nil
}

func (c *Client) onOpen(conn *websocket.Conn) {
	wc := newWSConn(conn, c.opts.SendQueue)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		wc.Close()
		return
	}
	c.conn = wc
	c.retry.Reset()
	go c.writePump(wc)
	replayed := 0
	for channel := range c.subs {
		if err := c.sendJSON(wc, outbound{Type: core.MsgSubscribe, Channel: channel}); err != nil {
			c.logger.Warn().Err(err).Str("channel", channel).Msg("replay subscribe failed")
			continue
		}
		replayed++
	}
	c.mu.Unlock()

	go c.readPump(wc)
	go c.pingLoop(wc)

	c.logger.Info().Int("replayed", replayed).Msg("connected")
	c.setState(StateConnected)
}

func (c *Client) onClose(wc *wsConn) {
	wc.Close()

	c.mu.Lock()
	current := c.conn == wc
	if current {
		c.conn = nil
	}
	stopped := c.stopped
	c.mu.Unlock()

	if !current || stopped {
		return
	}
	c.logger.Info().Msg("connection closed")
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.stopped || c.timer != nil {
		c.mu.Unlock()
		return
	}
	delay := c.retry.NextBackOff()
	if delay == backoff.Stop {
		c.mu.Unlock()
		c.logger.Warn().Int("attempts", c.opts.ReconnectAttempts).Msg("reconnect attempts exhausted")
		c.setState(StateGaveUp)
		return
	}
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}
		_ = c.dial(context.Background())
	})
	c.mu.Unlock()
	c.logger.Info().Dur("delay", delay).Msg("reconnect scheduled")
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Subscribe registers h for channel. The first handler of a channel sends a
// subscribe message if the socket is open; otherwise the subscription is
// replayed on the next open. The returned func removes only h.
func (c *Client) Subscribe(channel string, h core.Handler) (unsubscribe func()) {
	c.mu.Lock()
	set, ok := c.subs[channel]
	if !ok {
		set = make(map[uint64]core.Handler)
		c.subs[channel] = set
	}
	id := c.nextID
	c.nextID++
	set[id] = h
	if !ok && c.conn != nil {
		if err := c.sendJSON(c.conn, outbound{Type: core.MsgSubscribe, Channel: channel}); err != nil {
			c.logger.Warn().Err(err).Str("channel", channel).Msg("subscribe not sent")
		}
	}
	c.mu.Unlock()

	c.logger.Debug().Str("channel", channel).Bool("first", !ok).Msg("subscribed")

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(channel, id) })
	}
}

func (c *Client) unsubscribe(channel string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.subs[channel]
	if !ok {
		return
	}
	if _, ok := set[id]; !ok {
		return
	}
	delete(set, id)
	if len(set) > 0 {
		return
	}
	delete(c.subs, channel)
	if c.conn != nil {
		if err := c.sendJSON(c.conn, outbound{Type: core.MsgUnsubscribe, Channel: channel}); err != nil {
			c.logger.Warn().Err(err).Str("channel", channel).Msg("unsubscribe not sent")
		}
	}
	c.logger.Debug().Str("channel", channel).Msg("channel dropped")
}

// SendPresence is fire-and-forget.
func (c *Client) SendPresence(channel, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return domain.ErrNotConnected
	}
	return c.sendJSON(c.conn, outbound{Type: core.MsgPresence, Channel: channel, Status: status})
}

// Disconnect stops reconnecting, forgets every subscription without
// sending unsubscribes and closes the socket.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.stopTimerLocked()
	c.subs = make(map[string]map[uint64]core.Handler)
	wc := c.conn
	c.conn = nil
	c.mu.Unlock()

	if wc != nil {
		wc.Close()
	}
	c.dedup.Reset()
	c.logger.Info().Msg("disconnected")
	c.setState(StateDisconnected)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channels lists channels with at least one handler.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	return out
}

// OnStateChange registers fn for connection state transitions.
func (c *Client) OnStateChange(fn func(State)) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.onState[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.onState, id)
		c.mu.Unlock()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := make([]func(State), 0, len(c.onState))
	for _, fn := range c.onState {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	c.logger.Debug().Str("state", s.String()).Msg("state change")
	for _, fn := range fns {
		fn(s)
	}
}
