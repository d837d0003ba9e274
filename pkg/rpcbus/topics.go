package rpcbus

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
)

// Topic layout: <base_prefix>/<service>/<method>/<suffix>[/<tid>].
// Responses mirror requests with the response suffix; notifications use
// the notification suffix and never carry a transaction ID. Generation
// is a pure function of its inputs.

func topicService(cfg *common.TopicConfig, service string) string {
	if cfg.ServicePrefix != "" {
		return cfg.ServicePrefix
	}
	return service
}

func includeTID(cfg *common.TopicConfig) bool {
	if cfg.IncludeTransactionID == nil {
		return true
	}
	return *cfg.IncludeTransactionID
}

func buildTopic(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// RequestTopic returns the publish topic for a request.
func RequestTopic(cfg *common.TopicConfig, service, method, transactionID string) string {
	if !includeTID(cfg) {
		transactionID = ""
	}
	return buildTopic(cfg.BasePrefix, topicService(cfg, service), method, cfg.RequestSuffix, transactionID)
}

// ResponseTopic returns the topic a response to the given request is
// expected on.
func ResponseTopic(cfg *common.TopicConfig, service, method, transactionID string) string {
	if !includeTID(cfg) {
		transactionID = ""
	}
	return buildTopic(cfg.BasePrefix, topicService(cfg, service), method, cfg.ResponseSuffix, transactionID)
}

// NotificationTopic returns the topic for a fire-and-forget
// notification.
func NotificationTopic(cfg *common.TopicConfig, service, method string) string {
	return buildTopic(cfg.BasePrefix, topicService(cfg, service), method, cfg.NotificationSuffix)
}

// GenerateTransactionID returns a 36-character lowercase UUIDv4.
func GenerateTransactionID() string {
	return uuid.NewString()
}

// ValidateTransactionID structurally checks a transaction ID: 36
// lowercase hex characters with dashes at positions 8, 13, 18 and 23.
func ValidateTransactionID(id string) bool {
	if len(id) != 36 {
		return false
	}
	for i := 0; i < 36; i++ {
		c := id[i]
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
			continue
		}
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
