// Package gateway is the composition root tying the WebSocket server,
// the store, and the metrics collector together. It owns the dashboard
// message handlers and the periodic update broadcast; all gateway state
// is carried on an explicitly passed context instead of globals.
package gateway

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
	"github.com/ultima-robotics/backend-datalink/pkg/store"
	"github.com/ultima-robotics/backend-datalink/pkg/sysdata"
	"github.com/ultima-robotics/backend-datalink/pkg/threadpool"
	"github.com/ultima-robotics/backend-datalink/pkg/wsserver"
)

// serverName identifies this gateway in echo replies.
const serverName = "backend-datalink"

// Gateway threads the shared collaborators through every handler.
type Gateway struct {
	server    *wsserver.Server
	store     *store.Store
	collector *sysdata.Collector
	pool      *threadpool.Manager
	logger    *common.Logger

	sysCfg common.SystemDataConfig

	flushWorkerID uint
	updateCount   uint64
	running       atomic.Bool
}

// New builds the gateway context. Install wires the handlers.
func New(server *wsserver.Server, st *store.Store, collector *sysdata.Collector,
	pool *threadpool.Manager, sysCfg common.SystemDataConfig, logger *common.Logger) *Gateway {
	if logger == nil {
		logger = common.NewLogger(io.Discard, "[GATEWAY] ", common.InfoLevel)
	}
	return &Gateway{
		server:    server,
		store:     st,
		collector: collector,
		pool:      pool,
		sysCfg:    sysCfg,
		logger:    logger,
	}
}

// Install registers the gateway handlers on the WebSocket server.
func (g *Gateway) Install() {
	g.server.SetMessageHandler(g.onMessage)
	g.server.SetConnectionOpenHandler(g.onConnectionOpen)
	g.server.SetConnectionCloseHandler(g.onConnectionClose)
}

func timestamp() int64 {
	return time.Now().Unix()
}

// send delivers one message and mirrors it into the message log.
func (g *Gateway) send(connectionID string, message map[string]interface{}) {
	if err := g.server.SendToClient(connectionID, message); err != nil {
		return
	}
	if data, err := sonic.Marshal(message); err == nil {
		_ = g.store.LogMessage(connectionID, "out", string(data))
	}
}

func (g *Gateway) onConnectionOpen(connectionID string) {
	g.logger.Info("Connection opened: %s", connectionID)

	if err := g.store.LogConnection(connectionID, "unknown", "connected"); err != nil {
		g.logger.Warn("Failed to log connection %s: %v", connectionID, err)
	}

	g.send(connectionID, map[string]interface{}{
		"type":          "welcome",
		"message":       "Connected to backend-datalink WebSocket server",
		"connection_id": connectionID,
		"timestamp":     timestamp(),
	})
}

func (g *Gateway) onConnectionClose(connectionID string) {
	g.logger.Info("Connection closed: %s", connectionID)

	if err := g.store.LogDisconnection(connectionID); err != nil {
		g.logger.Warn("Failed to log disconnection %s: %v", connectionID, err)
	}
}

func (g *Gateway) onMessage(connectionID string, message map[string]interface{}) {
	if data, err := sonic.Marshal(message); err == nil {
		_ = g.store.LogMessage(connectionID, "in", string(data))
	}

	messageType, _ := message["type"].(string)
	switch messageType {
	case "get_dashboard_data":
		g.handleDashboardDataRequest(connectionID, message)
	case "subscribe_updates":
		g.handleSubscribeUpdates(connectionID)
	default:
		g.send(connectionID, map[string]interface{}{
			"type":      "echo",
			"original":  message,
			"timestamp": timestamp(),
			"server":    serverName,
		})
	}
}

func (g *Gateway) handleDashboardDataRequest(connectionID string, message map[string]interface{}) {
	if !g.store.IsInitialized() {
		g.send(connectionID, map[string]interface{}{
			"type":      "error",
			"message":   "Database not available",
			"timestamp": timestamp(),
		})
		return
	}

	categories := append([]string(nil), sysdata.Categories...)
	if raw, ok := message["categories"].([]interface{}); ok {
		categories = categories[:0]
		for _, entry := range raw {
			if category, ok := entry.(string); ok {
				categories = append(categories, category)
			}
		}
	}

	data := make(map[string]interface{}, len(categories))
	for _, category := range categories {
		stored, err := g.store.GetDashboardData(category)
		if err != nil || stored == "" || stored == "{}" {
			data[category] = map[string]interface{}{}
			continue
		}
		var parsed map[string]interface{}
		if err := sonic.Unmarshal([]byte(stored), &parsed); err != nil {
			g.logger.Warn("Failed to parse stored data for category %s: %v", category, err)
			data[category] = map[string]interface{}{}
			continue
		}
		data[category] = parsed
	}

	g.send(connectionID, map[string]interface{}{
		"type":      "dashboard_data",
		"data":      data,
		"timestamp": timestamp(),
	})
}

func (g *Gateway) handleSubscribeUpdates(connectionID string) {
	// Updates are broadcast to every client; subscription is an ack.
	g.send(connectionID, map[string]interface{}{
		"type":      "subscription_confirmed",
		"message":   "Subscribed to real-time dashboard updates",
		"timestamp": timestamp(),
	})
}

// BroadcastDashboardUpdate pushes one category update to every client.
func (g *Gateway) BroadcastDashboardUpdate(category string, data map[string]interface{}) {
	g.server.Broadcast(map[string]interface{}{
		"type":      "dashboard_update",
		"category":  category,
		"data":      data,
		"timestamp": timestamp(),
	})
	g.logger.Debug("Sent dashboard update for category: %s", category)
}

// StartUpdates launches the periodic store-flush-and-broadcast loop on
// the pool.
func (g *Gateway) StartUpdates() error {
	if g.collector == nil {
		return nil
	}
	if !g.running.CompareAndSwap(false, true) {
		return nil
	}

	interval := g.sysCfg.DatabaseUpdateIntervalSeconds
	if interval < 1 {
		interval = 1
	}

	workerID, err := g.pool.Create(func(h *threadpool.Handle) {
		for !h.ShouldExit() {
			h.CheckPause()
			g.updateSystemData()

			for i := 0; i < interval; i++ {
				if h.ShouldExit() {
					return
				}
				time.Sleep(1 * time.Second)
			}
		}
	})
	if err != nil {
		g.running.Store(false)
		return fmt.Errorf("failed to start update loop: %w", err)
	}
	g.flushWorkerID = workerID
	_ = g.pool.Register(workerID, "dashboard-updates")
	return nil
}

// StopUpdates halts the periodic loop.
func (g *Gateway) StopUpdates() error {
	if !g.running.CompareAndSwap(true, false) {
		return nil
	}
	if g.flushWorkerID != 0 {
		_ = g.pool.Stop(g.flushWorkerID)
		_ = g.pool.Join(g.flushWorkerID, 5*time.Second)
	}
	return nil
}

// updateSystemData flushes the latest metrics into the store and
// broadcasts the per-category updates.
func (g *Gateway) updateSystemData() {
	metrics, err := g.collector.MetricsJSON()
	if err != nil {
		g.logger.Warn("Failed to serialise metrics: %v", err)
		return
	}
	snapshot := g.collector.Snapshot()

	for category, encoded := range metrics {
		if err := g.store.UpdateDashboardData(category, encoded); err != nil {
			g.logger.Warn("Failed to update dashboard data for %s: %v", category, err)
		}
	}
	for category, data := range snapshot {
		g.BroadcastDashboardUpdate(category, data)
	}

	count := atomic.AddUint64(&g.updateCount, 1)
	if g.sysCfg.LogDatabaseUpdates && g.sysCfg.DatabaseUpdateLogInterval > 0 &&
		(count-1)%uint64(g.sysCfg.DatabaseUpdateLogInterval) == 0 {
		g.logger.Info("Database updated with latest metrics (update #%d)", count)
	}
}
