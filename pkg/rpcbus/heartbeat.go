package rpcbus

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ultima-robotics/backend-datalink/pkg/threadpool"
)

const (
	// heartbeatReadyProbes is how many consecutive ~500 ms readiness
	// probes must see the connection up before heartbeats start.
	heartbeatReadyProbes = 5
	heartbeatProbeDelay  = 500 * time.Millisecond
)

type heartbeatPayload struct {
	Type      string `json:"type"`
	Client    string `json:"client"`
	Status    string `json:"status"`
	SSL       bool   `json:"ssl"`
	Timestamp string `json:"timestamp"`
}

// heartbeatLoop publishes a JSON heartbeat at the configured interval.
// Publishing only begins once the connection has stayed up through the
// readiness probes, and goes dormant the moment the connection drops;
// the probe count restarts after every reconnect.
func (c *Client) heartbeatLoop(h *threadpool.Handle) {
	interval := c.cfg.Heartbeat.IntervalSeconds
	if interval <= 0 {
		interval = 1
	}

	probes := 0
	for !h.ShouldExit() {
		h.CheckPause()

		if !c.connected.Load() {
			probes = 0
			time.Sleep(heartbeatProbeDelay)
			continue
		}

		if probes < heartbeatReadyProbes {
			probes++
			time.Sleep(heartbeatProbeDelay)
			continue
		}

		// 1 s ticks so a stop request is observed promptly.
		interrupted := false
		for i := 0; i < interval; i++ {
			if h.ShouldExit() {
				return
			}
			if !c.connected.Load() {
				interrupted = true
				break
			}
			time.Sleep(1 * time.Second)
		}
		if interrupted {
			continue
		}

		if err := c.publishHeartbeat(); err != nil {
			c.logger.Warn("Failed to publish heartbeat: %v", err)
		}
	}
}

func (c *Client) publishHeartbeat() error {
	payload := []byte(c.cfg.Heartbeat.Payload)
	if len(payload) == 0 {
		hb := heartbeatPayload{
			Type:      "heartbeat",
			Client:    c.cfg.ClientID,
			Status:    "alive",
			SSL:       c.cfg.UseTLS,
			Timestamp: fmt.Sprintf("%d", time.Now().UnixMilli()),
		}
		data, err := sonic.Marshal(&hb)
		if err != nil {
			return fmt.Errorf("failed to build heartbeat payload: %w", err)
		}
		payload = data
	}

	c.logger.Debug("HEARTBEAT to %s", c.cfg.Heartbeat.Topic)
	return c.Publish(c.cfg.Heartbeat.Topic, payload)
}
