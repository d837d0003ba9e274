// Package rpcbus implements the broker RPC client: a single durable
// MQTT session speaking a request/response protocol over topic pairs,
// plus the optional conditional multi-broker relay.
//
// All background work (inbound dispatch, pending-request reaping, the
// heartbeat) runs on workers launched through the thread pool.
package rpcbus

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
	"github.com/ultima-robotics/backend-datalink/pkg/threadpool"
)

const (
	defaultRequestTimeout = common.DefaultRequestTimeout
	// reapInterval is the pending-table sweep period
	reapInterval = 1 * time.Second
	// dispatchPoll bounds how long the dispatcher sleeps between
	// shutdown checks when the inbound channel is idle
	dispatchPoll = 200 * time.Millisecond
	// inboundBuffer is the inbound message channel capacity
	inboundBuffer = 256
)

// Status is the connection state reported to the status callback.
type Status int

const (
	// StatusDisconnected means no session is established
	StatusDisconnected Status = iota
	// StatusConnecting means the initial connect is in progress
	StatusConnecting
	// StatusConnected means the session is up
	StatusConnected
	// StatusReconnecting means the broker library is retrying
	StatusReconnecting
	// StatusError means the session dropped unexpectedly
	StatusError
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusCallback observes connection state transitions.
type StatusCallback func(Status)

// MessageHandler receives inbound publishes that did not match a
// pending request.
type MessageHandler func(topic string, payload []byte)

// Statistics is a snapshot of the client counters.
type Statistics struct {
	MessagesSent      uint64
	MessagesReceived  uint64
	RequestsSent      uint64
	ResponsesReceived uint64
	NotificationsSent uint64
	ErrorsCount       uint64
}

type inboundMessage struct {
	topic   string
	payload []byte
}

// Client is one broker session. External broker-library callbacks are
// converted to messages on an internal channel and drained by a
// dedicated pool worker, so the dispatcher always operates on owned
// data.
type Client struct {
	cfg    common.RPCConfig
	logger *common.Logger
	pool   *threadpool.Manager

	mqtt mqtt.Client

	statusMu       sync.Mutex
	status         Status
	statusCallback StatusCallback

	handlerMu      sync.RWMutex
	messageHandler MessageHandler

	pending *pendingTable
	dedup   dedupWindow

	inbound chan inboundMessage

	running   atomic.Bool
	connected atomic.Bool

	dispatcherID uint
	reaperID     uint
	heartbeatID  uint

	messagesSent      atomic.Uint64
	messagesReceived  atomic.Uint64
	requestsSent      atomic.Uint64
	responsesReceived atomic.Uint64
	notificationsSent atomic.Uint64
	errorsCount       atomic.Uint64
}

// NewClient builds a client from configuration. Nothing connects until
// Start.
func NewClient(cfg common.RPCConfig, pool *threadpool.Manager, logger *common.Logger) (*Client, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil thread pool", common.ErrInvalidParam)
	}
	if cfg.BrokerHost == "" {
		return nil, fmt.Errorf("%w: broker_host cannot be empty", common.ErrInvalidParam)
	}
	if logger == nil {
		logger = common.NewLogger(io.Discard, "[RPC] ", common.InfoLevel)
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = common.DefaultKeepalive
	}
	if cfg.QoS < 0 || cfg.QoS > 1 {
		cfg.QoS = common.DefaultQoS
	}

	return &Client{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		status:  StatusDisconnected,
		pending: newPendingTable(),
		inbound: make(chan inboundMessage, inboundBuffer),
	}, nil
}

// Config returns the client configuration.
func (c *Client) Config() common.RPCConfig {
	return c.cfg
}

// SetConnectionCallback registers the single status observer.
func (c *Client) SetConnectionCallback(cb StatusCallback) {
	c.statusMu.Lock()
	c.statusCallback = cb
	c.statusMu.Unlock()
}

// SetMessageHandler installs the handler for unmatched inbound
// publishes. Swaps are safe against in-flight deliveries.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handlerMu.Lock()
	c.messageHandler = h
	c.handlerMu.Unlock()
}

func (c *Client) setStatus(s Status) {
	c.statusMu.Lock()
	changed := c.status != s
	c.status = s
	cb := c.statusCallback
	c.statusMu.Unlock()

	if changed {
		c.logger.Info("Connection status: %s", s)
		if cb != nil {
			cb(s)
		}
	}
}

// GetStatus returns the current connection status.
func (c *Client) GetStatus() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// PendingCount returns the number of in-flight requests.
func (c *Client) PendingCount() int {
	return c.pending.count()
}

func (c *Client) buildOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()

	scheme := "tcp"
	if c.cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, c.cfg.BrokerHost, c.cfg.BrokerPort))
	opts.SetClientID(c.cfg.ClientID)
	opts.SetKeepAlive(time.Duration(c.cfg.Keepalive) * time.Second)
	opts.SetCleanSession(c.cfg.CleanSession)

	if c.cfg.Username != "" || c.cfg.Password != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	if c.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(time.Duration(c.cfg.ConnectTimeout) * time.Second)
	}

	opts.SetAutoReconnect(c.cfg.AutoReconnect)
	if c.cfg.ReconnectDelayMin > 0 {
		opts.SetConnectRetryInterval(time.Duration(c.cfg.ReconnectDelayMin) * time.Second)
	}
	if c.cfg.ReconnectDelayMax > 0 {
		opts.SetMaxReconnectInterval(time.Duration(c.cfg.ReconnectDelayMax) * time.Second)
	}

	if c.cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(&c.cfg, c.logger)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.setStatus(StatusReconnecting)
	})
	opts.SetDefaultPublishHandler(c.onMessage)

	return opts, nil
}

// Start connects the session and launches the dispatcher, reaper and
// (when configured) heartbeat workers on the pool.
func (c *Client) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return nil
	}

	opts, err := c.buildOptions()
	if err != nil {
		c.running.Store(false)
		return err
	}

	c.setStatus(StatusConnecting)
	c.mqtt = mqtt.NewClient(opts)

	connectTimeout := 10 * time.Second
	if c.cfg.ConnectTimeout > 0 {
		connectTimeout = time.Duration(c.cfg.ConnectTimeout) * time.Second
	}

	token := c.mqtt.Connect()
	if !token.WaitTimeout(connectTimeout) {
		if !c.cfg.AutoReconnect {
			c.running.Store(false)
			c.setStatus(StatusError)
			return fmt.Errorf("connect to %s:%d: %w", c.cfg.BrokerHost, c.cfg.BrokerPort, common.ErrTimeout)
		}
		// Auto-reconnect keeps retrying in the background.
		c.logger.Warn("Initial connect still pending, relying on auto-reconnect")
	} else if err := token.Error(); err != nil {
		if !c.cfg.AutoReconnect {
			c.running.Store(false)
			c.setStatus(StatusError)
			return fmt.Errorf("connect to %s:%d: %w", c.cfg.BrokerHost, c.cfg.BrokerPort, err)
		}
		c.logger.Warn("Initial connect failed (%v), relying on auto-reconnect", err)
	}

	if c.dispatcherID, err = c.pool.Create(c.dispatchLoop); err != nil {
		c.running.Store(false)
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	if c.reaperID, err = c.pool.Create(c.reapLoop); err != nil {
		c.running.Store(false)
		return fmt.Errorf("failed to start reaper: %w", err)
	}
	if c.cfg.Heartbeat.Enabled && c.cfg.Heartbeat.Topic != "" {
		if c.heartbeatID, err = c.pool.Create(c.heartbeatLoop); err != nil {
			c.running.Store(false)
			return fmt.Errorf("failed to start heartbeat: %w", err)
		}
	}

	return nil
}

// Stop tears the session down: workers are stopped and joined, every
// pending entry is failed with ErrShuttingDown, the socket closes.
func (c *Client) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	for _, id := range []uint{c.dispatcherID, c.reaperID, c.heartbeatID} {
		if id == 0 {
			continue
		}
		_ = c.pool.Stop(id)
		_ = c.pool.Join(id, 5*time.Second)
	}

	c.pending.drain(fmt.Errorf("client stopped: %w", common.ErrShuttingDown))

	if c.mqtt != nil && c.mqtt.IsConnected() {
		c.mqtt.Disconnect(250)
	}
	c.connected.Store(false)
	c.setStatus(StatusDisconnected)

	c.logger.Info("RPC client stopped")
	return nil
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	c.setStatus(StatusConnected)

	for _, topic := range c.cfg.Subscriptions {
		token := c.mqtt.Subscribe(topic, byte(c.cfg.QoS), nil)
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			c.logger.Debug("Subscribed to %s", topic)
		} else {
			c.logger.Warn("Failed to subscribe to %s: %v", topic, token.Error())
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.logger.Warn("Connection lost: %v", err)
	c.setStatus(StatusError)
}

// onMessage runs on the broker library's I/O goroutine: dedup, then
// hand off to the dispatcher channel so handlers never run on library
// threads.
func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.messagesReceived.Add(1)

	if c.dedup.duplicate(msg.MessageID(), msg.Topic(), msg.Qos()) {
		c.logger.Debug("Ignoring duplicate publish: mid=%d topic=%s", msg.MessageID(), msg.Topic())
		return
	}

	payload := append([]byte(nil), msg.Payload()...)
	select {
	case c.inbound <- inboundMessage{topic: msg.Topic(), payload: payload}:
	default:
		c.errorsCount.Add(1)
		c.logger.Warn("Inbound queue full, dropping message on %s", msg.Topic())
	}
}

// dispatchLoop drains the inbound channel on a pool worker.
func (c *Client) dispatchLoop(h *threadpool.Handle) {
	for !h.ShouldExit() {
		h.CheckPause()
		select {
		case msg := <-c.inbound:
			c.dispatch(msg)
		case <-time.After(dispatchPoll):
		}
	}
}

// dispatch matches a message against the pending table by transaction
// ID; unmatched messages go to the installed handler.
func (c *Client) dispatch(msg inboundMessage) {
	if resp, err := ParseResponse(msg.payload); err == nil && resp.TransactionID != "" {
		if p := c.pending.take(resp.TransactionID); p != nil {
			c.responsesReceived.Add(1)
			p.fire(resp, nil)
			return
		}
	}

	c.handlerMu.RLock()
	handler := c.messageHandler
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(msg.topic, msg.payload)
	}
}

// reapLoop periodically expires stale pending entries.
func (c *Client) reapLoop(h *threadpool.Handle) {
	for !h.ShouldExit() {
		h.CheckPause()
		time.Sleep(reapInterval)
		if n := c.pending.sweep(time.Now()); n > 0 {
			c.logger.Debug("Expired %d pending requests", n)
		}
	}
}

// Publish sends a raw payload. Publishing while disconnected returns
// ErrNotConnected rather than blocking.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.connected.Load() {
		c.errorsCount.Add(1)
		return fmt.Errorf("publish to %s: %w", topic, common.ErrNotConnected)
	}

	token := c.mqtt.Publish(topic, byte(c.cfg.QoS), false, payload)
	timeout := defaultRequestTimeout
	if c.cfg.MessageTimeout > 0 {
		timeout = time.Duration(c.cfg.MessageTimeout) * time.Second
	}
	if !token.WaitTimeout(timeout) {
		c.errorsCount.Add(1)
		return fmt.Errorf("publish to %s: %w", topic, common.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		c.errorsCount.Add(1)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	c.messagesSent.Add(1)
	return nil
}

// Subscribe adds a topic subscription on the live session.
func (c *Client) Subscribe(topic string) error {
	if !c.connected.Load() {
		return fmt.Errorf("subscribe to %s: %w", topic, common.ErrNotConnected)
	}
	token := c.mqtt.Subscribe(topic, byte(c.cfg.QoS), nil)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe to %s: %w", topic, common.ErrTimeout)
	}
	return token.Error()
}

// Unsubscribe removes a topic subscription.
func (c *Client) Unsubscribe(topic string) error {
	if !c.connected.Load() {
		return fmt.Errorf("unsubscribe from %s: %w", topic, common.ErrNotConnected)
	}
	token := c.mqtt.Unsubscribe(topic)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("unsubscribe from %s: %w", topic, common.ErrTimeout)
	}
	return token.Error()
}

// CallAsync publishes a request and registers cb for its response. For
// every call that returns nil exactly one of the response or timeout
// paths fires, exactly once; when it returns an error cb never fires.
func (c *Client) CallAsync(req *Request, cb ResponseHandler) error {
	if req == nil || req.Method == "" {
		return fmt.Errorf("%w: request requires a method", common.ErrInvalidParam)
	}
	if req.TransactionID == "" {
		req.TransactionID = GenerateTransactionID()
	}
	if !ValidateTransactionID(req.TransactionID) {
		return fmt.Errorf("%w: malformed transaction ID %q", common.ErrInvalidParam, req.TransactionID)
	}

	timeout := defaultRequestTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	p := &pendingRequest{
		transactionID: req.TransactionID,
		responseTopic: ResponseTopic(&c.cfg.Topics, req.Service, req.Method, req.TransactionID),
		callback:      cb,
		created:       time.Now(),
		timeout:       timeout,
	}
	if err := c.pending.add(p); err != nil {
		return err
	}

	payload, err := req.Marshal()
	if err != nil {
		c.pending.take(req.TransactionID)
		return err
	}

	reqTopic := RequestTopic(&c.cfg.Topics, req.Service, req.Method, req.TransactionID)
	if err := c.Publish(reqTopic, payload); err != nil {
		c.pending.take(req.TransactionID)
		return err
	}

	c.requestsSent.Add(1)
	c.logger.Debug("Request sent: method=%s service=%s tid=%s", req.Method, req.Service, req.TransactionID)
	return nil
}

// CallSync is a blocking convenience over CallAsync.
func (c *Client) CallSync(req *Request) (*Response, error) {
	type result struct {
		resp *Response
		err  error
	}
	ch := make(chan result, 1)

	err := c.CallAsync(req, func(resp *Response, err error) {
		ch <- result{resp: resp, err: err}
	})
	if err != nil {
		return nil, err
	}

	r := <-ch
	return r.resp, r.err
}

// SendNotification publishes a fire-and-forget request on the
// notification topic.
func (c *Client) SendNotification(method, service string, authority Authority, params map[string]interface{}) error {
	req := NewRequest(method, service, authority, params)
	payload, err := req.Marshal()
	if err != nil {
		return err
	}
	topic := NotificationTopic(&c.cfg.Topics, service, method)
	if err := c.Publish(topic, payload); err != nil {
		return err
	}
	c.notificationsSent.Add(1)
	return nil
}

// GetStatistics snapshots the client counters.
func (c *Client) GetStatistics() Statistics {
	return Statistics{
		MessagesSent:      c.messagesSent.Load(),
		MessagesReceived:  c.messagesReceived.Load(),
		RequestsSent:      c.requestsSent.Load(),
		ResponsesReceived: c.responsesReceived.Load(),
		NotificationsSent: c.notificationsSent.Load(),
		ErrorsCount:       c.errorsCount.Load(),
	}
}

// ResetStatistics zeroes the client counters.
func (c *Client) ResetStatistics() {
	c.messagesSent.Store(0)
	c.messagesReceived.Store(0)
	c.requestsSent.Store(0)
	c.responsesReceived.Store(0)
	c.notificationsSent.Store(0)
	c.errorsCount.Store(0)
}
