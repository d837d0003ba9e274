package common

import (
	"fmt"
	"os"

	"github.com/bytedance/sonic"
)

// Config represents the application configuration
type Config struct {
	// WebSocket server configuration
	WebSocket WebSocketConfig `json:"websocket,omitempty"`
	// Database configuration for the embedded store
	Database DatabaseConfig `json:"database,omitempty"`
	// SystemData configuration for the host metrics collector
	SystemData SystemDataConfig `json:"system_data,omitempty"`
	// RPC configuration for the broker client
	RPC RPCConfig `json:"rpc,omitempty"`
	// Logging configuration
	Logging LoggingConfig `json:"logging,omitempty"`
}

// WebSocketConfig holds configuration for the WebSocket server
type WebSocketConfig struct {
	// Host is the interface to bind; "0.0.0.0" means all IPv4
	Host string `json:"host,omitempty"`
	// Port to listen on (1..65535)
	Port int `json:"port,omitempty"`
	// MaxConnections is an advisory cap on simultaneous clients (1..10000)
	MaxConnections int `json:"max_connections,omitempty"`
	// TimeoutMs is the per-send timeout in milliseconds (100..300000)
	TimeoutMs int `json:"timeout_ms,omitempty"`
	// EnableLogging toggles the server's own log emissions
	EnableLogging bool `json:"enable_logging,omitempty"`
}

// DatabaseConfig holds configuration for the embedded store
type DatabaseConfig struct {
	// Path to the SQLite database file
	Path string `json:"path,omitempty"`
	// Enabled toggles the store; disabled yields a no-op store
	Enabled bool `json:"enabled,omitempty"`
	// LogConnections records connect/disconnect events
	LogConnections bool `json:"log_connections,omitempty"`
	// LogMessages records every in/out WebSocket message
	LogMessages bool `json:"log_messages,omitempty"`
}

// SystemDataConfig holds configuration for the host metrics collector
type SystemDataConfig struct {
	// Enabled toggles metric collection entirely
	Enabled bool `json:"enabled,omitempty"`
	// PollIntervalSeconds is the metric sampling interval (>= 1)
	PollIntervalSeconds int `json:"poll_interval_seconds,omitempty"`
	// DatabaseUpdateIntervalSeconds is the store flush interval (>= 1)
	DatabaseUpdateIntervalSeconds int `json:"database_update_interval_seconds,omitempty"`
	// LogCollectionProgress logs every Nth collection pass
	LogCollectionProgress bool `json:"log_collection_progress,omitempty"`
	// LogDatabaseUpdates logs every Nth store flush
	LogDatabaseUpdates bool `json:"log_database_updates,omitempty"`
	// CollectionProgressLogInterval is N for collection logging
	CollectionProgressLogInterval int `json:"collection_progress_log_interval,omitempty"`
	// DatabaseUpdateLogInterval is N for flush logging
	DatabaseUpdateLogInterval int `json:"database_update_log_interval,omitempty"`
}

// HeartbeatConfig holds heartbeat settings for the broker client
type HeartbeatConfig struct {
	Enabled         bool   `json:"enabled,omitempty"`
	Topic           string `json:"topic,omitempty"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
	// Payload overrides the generated heartbeat JSON when set
	Payload string `json:"payload,omitempty"`
}

// TopicConfig controls how request/response topics are generated
type TopicConfig struct {
	BasePrefix         string `json:"base_prefix,omitempty"`
	ServicePrefix      string `json:"service_prefix,omitempty"`
	RequestSuffix      string `json:"request_suffix,omitempty"`
	ResponseSuffix     string `json:"response_suffix,omitempty"`
	NotificationSuffix string `json:"notification_suffix,omitempty"`
	// IncludeTransactionID appends the transaction ID to topic paths
	IncludeTransactionID *bool `json:"include_transaction_id,omitempty"`
}

// BrokerEntry describes one broker session in the relay table
type BrokerEntry struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	UseTLS    bool   `json:"use_tls,omitempty"`
	CAFile    string `json:"ca_file,omitempty"`
	IsPrimary bool   `json:"is_primary,omitempty"`
}

// RelayRule describes one topic-forwarding rule
type RelayRule struct {
	SourceTopic       string `json:"source_topic"`
	DestinationTopic  string `json:"destination_topic"`
	TopicPrefix       string `json:"prefix,omitempty"`
	SourceBrokerIndex int    `json:"source_broker,omitempty"`
	DestBrokerIndex   int    `json:"dest_broker,omitempty"`
	Bidirectional     bool   `json:"bidirectional,omitempty"`
}

// RelayConfig holds multi-broker relay settings
type RelayConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// ConditionalRelay defers non-primary broker connections until an
	// explicit readiness signal
	ConditionalRelay bool          `json:"conditional_relay,omitempty"`
	Brokers          []BrokerEntry `json:"brokers,omitempty"`
	Rules            []RelayRule   `json:"rules,omitempty"`
	// Prefix is the default prefix for relayed destination topics
	Prefix string `json:"prefix,omitempty"`
}

// RPCConfig holds configuration for the broker RPC client
type RPCConfig struct {
	ClientID   string `json:"client_id,omitempty"`
	BrokerHost string `json:"broker_host,omitempty"`
	BrokerPort int    `json:"broker_port,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`

	Keepalive    int  `json:"keepalive,omitempty"`
	CleanSession bool `json:"clean_session,omitempty"`
	QoS          int  `json:"qos,omitempty"`

	UseTLS      bool   `json:"use_tls,omitempty"`
	CAFile      string `json:"ca_file,omitempty"`
	CertFile    string `json:"cert_file,omitempty"`
	KeyFile     string `json:"key_file,omitempty"`
	TLSVersion  string `json:"tls_version,omitempty"`
	TLSInsecure bool   `json:"tls_insecure,omitempty"`

	// ConnectTimeout and MessageTimeout are in seconds
	ConnectTimeout int `json:"connect_timeout,omitempty"`
	MessageTimeout int `json:"message_timeout,omitempty"`

	AutoReconnect     bool `json:"auto_reconnect,omitempty"`
	ReconnectDelayMin int  `json:"reconnect_delay_min,omitempty"`
	ReconnectDelayMax int  `json:"reconnect_delay_max,omitempty"`

	// Subscriptions are auto-subscribed on every (re)connect
	Subscriptions []string `json:"subscriptions,omitempty"`
	// Publications is descriptive; used by higher layers
	Publications []string `json:"publications,omitempty"`

	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
	Topics    TopicConfig     `json:"topics,omitempty"`
	Relay     RelayConfig     `json:"relay,omitempty"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `json:"level,omitempty"`
	// Dir is the directory where logs are stored
	Dir string `json:"dir,omitempty"`
}

// DefaultConfig returns a configuration populated with defaults that
// pass validation without any file input.
func DefaultConfig() *Config {
	inclTID := true
	return &Config{
		WebSocket: WebSocketConfig{
			Host:           "0.0.0.0",
			Port:           9002,
			MaxConnections: 100,
			TimeoutMs:      5000,
			EnableLogging:  true,
		},
		Database: DatabaseConfig{
			Path:           "data/runtime-data.db",
			Enabled:        true,
			LogConnections: true,
			LogMessages:    false,
		},
		SystemData: SystemDataConfig{
			Enabled:                       true,
			PollIntervalSeconds:           2,
			DatabaseUpdateIntervalSeconds: 5,
			LogCollectionProgress:         true,
			LogDatabaseUpdates:            true,
			CollectionProgressLogInterval: 30,
			DatabaseUpdateLogInterval:     6,
		},
		RPC: RPCConfig{
			Keepalive:         DefaultKeepalive,
			QoS:               DefaultQoS,
			AutoReconnect:     true,
			ReconnectDelayMin: 1,
			ReconnectDelayMax: 60,
			Heartbeat: HeartbeatConfig{
				IntervalSeconds: DefaultHeartbeatInterval,
			},
			Topics: TopicConfig{
				BasePrefix:           "ur_rpc",
				RequestSuffix:        "request",
				ResponseSuffix:       "response",
				NotificationSuffix:   "notification",
				IncludeTransactionID: &inclTID,
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads, parses and validates a JSON configuration file.
// Values absent from the file keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not open config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := sonic.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("invalid JSON in config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks every range constraint on the configuration.
func (c *Config) Validate() error {
	ws := &c.WebSocket
	if ws.Host == "" {
		return fmt.Errorf("%w: websocket.host cannot be empty", ErrInvalidParam)
	}
	if ws.Port < 1 || ws.Port > 65535 {
		return fmt.Errorf("%w: invalid port number %d, must be between 1 and 65535", ErrInvalidParam, ws.Port)
	}
	if ws.MaxConnections < 1 || ws.MaxConnections > 10000 {
		return fmt.Errorf("%w: invalid max_connections %d, must be between 1 and 10000", ErrInvalidParam, ws.MaxConnections)
	}
	if ws.TimeoutMs < 100 || ws.TimeoutMs > 300000 {
		return fmt.Errorf("%w: invalid timeout_ms %d, must be between 100 and 300000", ErrInvalidParam, ws.TimeoutMs)
	}

	sd := &c.SystemData
	if sd.PollIntervalSeconds < 1 {
		return fmt.Errorf("%w: system_data.poll_interval_seconds must be a positive integer", ErrInvalidParam)
	}
	if sd.DatabaseUpdateIntervalSeconds < 1 {
		return fmt.Errorf("%w: system_data.database_update_interval_seconds must be a positive integer", ErrInvalidParam)
	}
	if sd.CollectionProgressLogInterval < 1 {
		return fmt.Errorf("%w: system_data.collection_progress_log_interval must be a positive integer", ErrInvalidParam)
	}
	if sd.DatabaseUpdateLogInterval < 1 {
		return fmt.Errorf("%w: system_data.database_update_log_interval must be a positive integer", ErrInvalidParam)
	}

	rpc := &c.RPC
	if rpc.QoS < 0 || rpc.QoS > 1 {
		return fmt.Errorf("%w: rpc.qos must be 0 or 1", ErrInvalidParam)
	}
	if rpc.ReconnectDelayMin > rpc.ReconnectDelayMax {
		return fmt.Errorf("%w: rpc.reconnect_delay_min exceeds reconnect_delay_max", ErrInvalidParam)
	}

	relay := &rpc.Relay
	if len(relay.Brokers) > MaxRelayBrokers {
		return fmt.Errorf("%w: relay broker table holds at most %d entries", ErrCapacity, MaxRelayBrokers)
	}
	if len(relay.Rules) > MaxRelayRules {
		return fmt.Errorf("%w: relay rule table holds at most %d entries", ErrCapacity, MaxRelayRules)
	}
	for i, rule := range relay.Rules {
		if rule.SourceBrokerIndex < 0 || rule.SourceBrokerIndex >= len(relay.Brokers) {
			return fmt.Errorf("%w: relay rule %d references unknown source broker %d", ErrInvalidParam, i, rule.SourceBrokerIndex)
		}
		if rule.DestBrokerIndex < 0 || rule.DestBrokerIndex >= len(relay.Brokers) {
			return fmt.Errorf("%w: relay rule %d references unknown destination broker %d", ErrInvalidParam, i, rule.DestBrokerIndex)
		}
	}

	return nil
}

// SaveConfig writes the configuration back out as indented JSON.
func SaveConfig(config *Config, filename string) error {
	data, err := sonic.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}
	return nil
}
