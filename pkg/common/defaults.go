package common

import "time"

const (
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "config.json"

	// DefaultKeepalive is the MQTT keepalive interval in seconds
	DefaultKeepalive = 60
	// DefaultQoS is the default MQTT QoS level
	DefaultQoS = 1
	// DefaultRequestTimeout is the default RPC request timeout
	DefaultRequestTimeout = 30 * time.Second
	// DefaultHeartbeatInterval is the heartbeat publish interval in seconds
	DefaultHeartbeatInterval = 30

	// MaxRelayBrokers bounds the relay broker table
	MaxRelayBrokers = 16
	// MaxRelayRules bounds the relay rule table
	MaxRelayRules = 32

	// MaxRequestPayload is the largest inbound RPC payload accepted, in bytes
	MaxRequestPayload = 1024 * 1024

	// ProcessorJoinTimeout bounds the per-worker wait during processor shutdown
	ProcessorJoinTimeout = 5 * time.Minute
)
