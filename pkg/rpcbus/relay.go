package rpcbus

import (
	"fmt"
	"hash/fnv"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
	"github.com/ultima-robotics/backend-datalink/pkg/threadpool"
)

// forwardWindow is how long a forwarded payload fingerprint suppresses
// re-forwarding on a bidirectional rule.
const forwardWindow = 2 * time.Second

// forwardSet remembers recently forwarded payload fingerprints so a
// bidirectional rule pair cannot bounce the same message between
// brokers forever.
type forwardSet struct {
	mu      sync.Mutex
	entries map[uint64]time.Time
}

func newForwardSet() *forwardSet {
	return &forwardSet{entries: make(map[uint64]time.Time)}
}

// seen reports whether the fingerprint was forwarded inside the window
// and records it otherwise. Stale entries are dropped on the way.
func (f *forwardSet) seen(fingerprint uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	for fp, at := range f.entries {
		if now.Sub(at) > forwardWindow {
			delete(f.entries, fp)
		}
	}

	if at, ok := f.entries[fingerprint]; ok && now.Sub(at) <= forwardWindow {
		return true
	}
	f.entries[fingerprint] = now
	return false
}

func payloadFingerprint(payload []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(payload)
	return h.Sum64()
}

// Relay owns up to MaxRelayBrokers broker sessions and forwards
// messages between them according to a fixed rule table. With
// conditional_relay set, non-primary brokers stay disconnected until
// their readiness latch is raised and ConnectSecondaryBrokers is
// called.
type Relay struct {
	cfg    common.RelayConfig
	logger *common.Logger
	pool   *threadpool.Manager

	clients []*Client

	mu      sync.Mutex
	started []bool
	ready   []bool

	forwarded *forwardSet

	messagesRelayed atomic.Uint64
	relayErrors     atomic.Uint64

	running atomic.Bool
}

// NewRelay builds the relay and its per-broker clients from the parent
// client configuration. Nothing connects until Start.
func NewRelay(cfg common.RPCConfig, pool *threadpool.Manager, logger *common.Logger) (*Relay, error) {
	relayCfg := cfg.Relay
	if !relayCfg.Enabled {
		return nil, fmt.Errorf("%w: relay is not enabled", common.ErrInvalidParam)
	}
	if len(relayCfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: relay requires at least one broker", common.ErrInvalidParam)
	}
	if len(relayCfg.Brokers) > common.MaxRelayBrokers {
		return nil, fmt.Errorf("%w: relay broker table holds at most %d entries", common.ErrCapacity, common.MaxRelayBrokers)
	}
	if len(relayCfg.Rules) > common.MaxRelayRules {
		return nil, fmt.Errorf("%w: relay rule table holds at most %d entries", common.ErrCapacity, common.MaxRelayRules)
	}
	if logger == nil {
		logger = common.NewLogger(io.Discard, "[RELAY] ", common.InfoLevel)
	}

	r := &Relay{
		cfg:       relayCfg,
		logger:    logger,
		pool:      pool,
		clients:   make([]*Client, len(relayCfg.Brokers)),
		started:   make([]bool, len(relayCfg.Brokers)),
		ready:     make([]bool, len(relayCfg.Brokers)),
		forwarded: newForwardSet(),
	}

	for i, entry := range relayCfg.Brokers {
		brokerCfg := common.RPCConfig{
			ClientID:          entry.ClientID,
			BrokerHost:        entry.Host,
			BrokerPort:        entry.Port,
			Username:          entry.Username,
			Password:          entry.Password,
			Keepalive:         cfg.Keepalive,
			CleanSession:      cfg.CleanSession,
			QoS:               cfg.QoS,
			UseTLS:            entry.UseTLS,
			CAFile:            entry.CAFile,
			ConnectTimeout:    cfg.ConnectTimeout,
			MessageTimeout:    cfg.MessageTimeout,
			AutoReconnect:     true,
			ReconnectDelayMin: cfg.ReconnectDelayMin,
			ReconnectDelayMax: cfg.ReconnectDelayMax,
			Subscriptions:     r.sourceTopics(i),
			Topics:            cfg.Topics,
		}

		client, err := NewClient(brokerCfg, pool, logger)
		if err != nil {
			return nil, fmt.Errorf("relay broker %d: %w", i, err)
		}
		index := i
		client.SetMessageHandler(func(topic string, payload []byte) {
			r.handleMessage(index, topic, payload)
		})
		r.clients[i] = client
	}

	return r, nil
}

// sourceTopics collects the source topics of every rule rooted at
// broker index; they become the broker's standing subscription list so
// reconnects resubscribe automatically.
func (r *Relay) sourceTopics(index int) []string {
	var topics []string
	for _, rule := range r.cfg.Rules {
		if rule.SourceBrokerIndex != index {
			continue
		}
		topics = append(topics, rule.SourceTopic)
	}
	return topics
}

// Start connects every primary broker. Non-primary brokers connect too
// unless conditional relay defers them.
func (r *Relay) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}

	for i, entry := range r.cfg.Brokers {
		if !entry.IsPrimary && r.cfg.ConditionalRelay {
			r.logger.Info("Deferring connection to secondary broker %d (%s:%d)", i, entry.Host, entry.Port)
			continue
		}
		if err := r.startBroker(i); err != nil {
			r.logger.Warn("Failed to connect relay broker %d: %v", i, err)
		}
	}
	return nil
}

func (r *Relay) startBroker(index int) error {
	r.mu.Lock()
	if r.started[index] {
		r.mu.Unlock()
		return nil
	}
	r.started[index] = true
	r.mu.Unlock()

	if err := r.clients[index].Start(); err != nil {
		r.mu.Lock()
		r.started[index] = false
		r.mu.Unlock()
		return err
	}

	entry := r.cfg.Brokers[index]
	r.logger.Info("Relay broker %d connected: %s:%d", index, entry.Host, entry.Port)
	return nil
}

// MarkReady raises the readiness latch for one broker session.
func (r *Relay) MarkReady(index int) error {
	if index < 0 || index >= len(r.clients) {
		return fmt.Errorf("relay broker %d: %w", index, common.ErrNotFound)
	}
	r.mu.Lock()
	r.ready[index] = true
	r.mu.Unlock()
	r.logger.Info("Relay broker %d marked ready", index)
	return nil
}

// IsReady reports the readiness latch of one broker session.
func (r *Relay) IsReady(index int) bool {
	if index < 0 || index >= len(r.clients) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready[index]
}

// ConnectSecondaryBrokers connects every deferred non-primary broker
// whose readiness latch has been raised.
func (r *Relay) ConnectSecondaryBrokers() error {
	if !r.running.Load() {
		return fmt.Errorf("relay: %w", common.ErrShuttingDown)
	}

	var firstErr error
	for i, entry := range r.cfg.Brokers {
		if entry.IsPrimary {
			continue
		}
		if !r.IsReady(i) {
			r.logger.Debug("Secondary broker %d not marked ready, skipping", i)
			continue
		}
		if err := r.startBroker(i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// handleMessage applies the rule table to one message received on the
// source broker at sourceIndex.
func (r *Relay) handleMessage(sourceIndex int, topic string, payload []byte) {
	for i := range r.cfg.Rules {
		rule := &r.cfg.Rules[i]
		if rule.SourceBrokerIndex != sourceIndex {
			continue
		}
		if !strings.Contains(topic, rule.SourceTopic) {
			continue
		}

		destTopic := rule.DestinationTopic
		switch {
		case rule.TopicPrefix != "":
			destTopic = rule.TopicPrefix + rule.DestinationTopic
		case r.cfg.Prefix != "":
			destTopic = r.cfg.Prefix + rule.DestinationTopic
		}

		if rule.Bidirectional && r.forwarded.seen(payloadFingerprint(payload)) {
			r.logger.Debug("Suppressing forwarded message bounce: %s", topic)
			continue
		}

		dest := r.clients[rule.DestBrokerIndex]
		if dest == nil || !dest.IsConnected() {
			r.relayErrors.Add(1)
			continue
		}

		if err := dest.Publish(destTopic, payload); err != nil {
			r.relayErrors.Add(1)
			r.logger.Error("RELAY FAILED: %s -> %s: %v", topic, destTopic, err)
			continue
		}

		r.messagesRelayed.Add(1)
		r.logger.Info("RELAYED: %s -> %s (broker %d -> %d)", topic, destTopic, rule.SourceBrokerIndex, rule.DestBrokerIndex)
	}
}

// Stats returns the relayed and error counters.
func (r *Relay) Stats() (relayed, errors uint64) {
	return r.messagesRelayed.Load(), r.relayErrors.Load()
}

// Stop disconnects every broker session.
func (r *Relay) Stop() error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}

	for i, client := range r.clients {
		r.mu.Lock()
		started := r.started[i]
		r.mu.Unlock()
		if !started {
			continue
		}
		if err := client.Stop(); err != nil {
			r.logger.Warn("Failed to stop relay broker %d: %v", i, err)
		}
	}
	return nil
}
