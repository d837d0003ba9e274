// Package processor decodes inbound JSON-RPC 2.0 requests from the
// bus, dispatches each one onto a pool worker, and publishes the reply
// on the configured response topic.
package processor

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
	"github.com/ultima-robotics/backend-datalink/pkg/threadpool"
)

// Publisher is the slice of the broker client the processor needs to
// emit replies.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Handler executes one RPC method. The returned string is embedded in
// the success envelope: a string starting with '{' is re-parsed as an
// object, a non-empty string is embedded verbatim, and an empty string
// becomes "Operation completed successfully".
type Handler func(params map[string]interface{}) (string, error)

// Processor validates envelopes and runs methods on pool workers with
// a shutdown barrier over the in-flight set.
type Processor struct {
	pool      *threadpool.Manager
	publisher Publisher
	logger    *common.Logger
	verbose   bool

	responseTopic string
	topicMu       sync.RWMutex

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	inflightMu sync.Mutex
	inflight   map[uint]struct{}

	shuttingDown atomic.Bool
}

// NewProcessor creates a processor with an empty method table: until
// handlers are registered every request answers "Unknown method".
func NewProcessor(pool *threadpool.Manager, publisher Publisher, logger *common.Logger, verbose bool) *Processor {
	if logger == nil {
		logger = common.NewLogger(io.Discard, "[PROCESSOR] ", common.InfoLevel)
	}
	return &Processor{
		pool:      pool,
		publisher: publisher,
		logger:    logger,
		verbose:   verbose,
		handlers:  make(map[string]Handler),
		inflight:  make(map[uint]struct{}),
	}
}

// SetResponseTopic sets the topic replies are published on.
func (p *Processor) SetResponseTopic(topic string) {
	p.topicMu.Lock()
	p.responseTopic = topic
	p.topicMu.Unlock()
	p.logger.Info("Response topic set to: %s", topic)
}

func (p *Processor) getResponseTopic() string {
	p.topicMu.RLock()
	defer p.topicMu.RUnlock()
	return p.responseTopic
}

// RegisterHandler installs a method handler. Registering nil removes
// the method.
func (p *Processor) RegisterHandler(method string, h Handler) {
	p.handlersMu.Lock()
	if h == nil {
		delete(p.handlers, method)
	} else {
		p.handlers[method] = h
	}
	p.handlersMu.Unlock()
}

func (p *Processor) handler(method string) (Handler, bool) {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	h, ok := p.handlers[method]
	return h, ok
}

// InflightCount returns the number of requests currently dispatched.
func (p *Processor) InflightCount() int {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	return len(p.inflight)
}

// extractRequestID pulls the JSON-RPC id for the reply envelope. A
// missing or malformed id is replaced by the literal "unknown".
func extractRequestID(root map[string]interface{}) string {
	raw, ok := root["id"]
	if !ok {
		return "unknown"
	}
	switch v := raw.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return "unknown"
	}
}

// ProcessRequest validates one inbound payload and dispatches it.
// Oversized or non-UTF-8 input is rejected without a response; the
// caller times out.
func (p *Processor) ProcessRequest(payload []byte) {
	if len(payload) == 0 {
		p.logger.Error("Empty payload received")
		return
	}
	if len(payload) > common.MaxRequestPayload {
		p.logger.Error("Payload too large: %d bytes", len(payload))
		return
	}
	if !utf8.Valid(payload) {
		p.logger.Error("Payload is not valid UTF-8")
		return
	}

	var root map[string]interface{}
	if err := sonic.Unmarshal(payload, &root); err != nil {
		p.logger.Error("JSON parse error: %v", err)
		return
	}

	id := extractRequestID(root)

	version, _ := root["jsonrpc"].(string)
	if version != "2.0" {
		p.sendError(id, "Invalid or missing JSON-RPC version")
		return
	}

	method, ok := root["method"].(string)
	if !ok {
		p.sendError(id, "Missing method in request")
		return
	}

	params, ok := root["params"].(map[string]interface{})
	if !ok {
		p.sendError(id, "Missing or invalid params in request")
		return
	}

	if p.shuttingDown.Load() {
		p.sendError(id, "Server is shutting down")
		return
	}

	// The worker waits on registered so its ID is in the tracking set
	// before the body can finish.
	registered := make(chan struct{})
	workerID, err := p.pool.Create(func(h *threadpool.Handle) {
		<-registered
		defer p.removeInflight(h.ID())
		p.runMethod(id, method, params)
	})
	if err != nil {
		p.logger.Error("Failed to create worker: %v", err)
		// Fall back to synchronous processing.
		p.runMethod(id, method, params)
		return
	}

	p.inflightMu.Lock()
	p.inflight[workerID] = struct{}{}
	p.inflightMu.Unlock()
	close(registered)
}

func (p *Processor) removeInflight(id uint) {
	p.inflightMu.Lock()
	delete(p.inflight, id)
	p.inflightMu.Unlock()
}

// runMethod executes the method table entry and publishes the reply.
func (p *Processor) runMethod(id, method string, params map[string]interface{}) {
	start := time.Now()

	handler, ok := p.handler(method)
	if !ok {
		p.sendError(id, fmt.Sprintf("Unknown method: %s", method))
		return
	}

	result, err := handler(params)
	if err != nil {
		p.sendError(id, fmt.Sprintf("Error executing method '%s': %v", method, err))
		return
	}

	p.sendResult(id, result, time.Since(start))
}

// sendResult publishes a success envelope.
func (p *Processor) sendResult(id, result string, elapsed time.Duration) {
	response := map[string]interface{}{
		"jsonrpc":            "2.0",
		"id":                 id,
		"processing_time_ms": uint64(elapsed.Milliseconds()),
	}

	switch {
	case len(result) > 0 && result[0] == '{':
		var parsed map[string]interface{}
		if err := sonic.Unmarshal([]byte(result), &parsed); err == nil {
			response["result"] = parsed
		} else {
			response["result"] = result
		}
	case len(result) > 0:
		response["result"] = result
	default:
		response["result"] = "Operation completed successfully"
	}

	p.publish(response)
}

// sendError publishes an error envelope with code -1.
func (p *Processor) sendError(id, message string) {
	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]interface{}{
			"code":    -1,
			"message": message,
		},
	}
	p.publish(response)
}

// publish serialises and emits one reply. Failure to reply is logged
// but never propagated further.
func (p *Processor) publish(response map[string]interface{}) {
	topic := p.getResponseTopic()
	if topic == "" {
		p.logger.Error("No response topic configured, dropping reply")
		return
	}

	data, err := sonic.Marshal(response)
	if err != nil {
		p.logger.Error("Failed to marshal response: %v", err)
		return
	}

	if err := p.publisher.Publish(topic, data); err != nil {
		p.logger.Error("Failed to send response: %v", err)
		return
	}

	if p.verbose {
		p.logger.Info("Response sent to topic: %s", topic)
	}
}

// Shutdown blocks new dispatches, then joins every tracked worker with
// a bounded per-worker timeout, logging and continuing on expiry.
func (p *Processor) Shutdown() {
	p.shuttingDown.Store(true)

	p.inflightMu.Lock()
	ids := make([]uint, 0, len(p.inflight))
	for id := range p.inflight {
		ids = append(ids, id)
	}
	p.inflightMu.Unlock()

	for _, id := range ids {
		err := p.pool.Join(id, common.ProcessorJoinTimeout)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			p.logger.Warn("Worker %d did not complete before shutdown timeout: %v", id, err)
		}
	}

	p.logger.Info("Request processor shutdown completed")
}
