package rpcbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
)

// ResponseHandler receives either the matched response or a terminal
// error (timeout, client shutdown). Exactly one of the two fires,
// exactly once, for every registered request; a request whose publish
// fails is unregistered and its callback never fires.
type ResponseHandler func(*Response, error)

// pendingRequest is one in-flight call whose response is expected.
type pendingRequest struct {
	transactionID string
	responseTopic string
	callback      ResponseHandler
	created       time.Time
	timeout       time.Duration
	once          sync.Once
}

// fire invokes the callback at most once.
func (p *pendingRequest) fire(resp *Response, err error) {
	p.once.Do(func() {
		if p.callback != nil {
			p.callback(resp, err)
		}
	})
}

// pendingTable tracks pending requests keyed by transaction ID. A
// background reaper sweeps expired entries instead of walking the table
// on every incoming message; matching stays O(1).
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// add registers a pending entry. At most one entry per transaction ID.
func (t *pendingTable) add(p *pendingRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[p.transactionID]; ok {
		return fmt.Errorf("pending request %s: %w", p.transactionID, common.ErrAlreadyExists)
	}
	t.entries[p.transactionID] = p
	return nil
}

// take removes and returns the entry for transactionID, if present.
func (t *pendingTable) take(transactionID string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[transactionID]
	if !ok {
		return nil
	}
	delete(t.entries, transactionID)
	return p
}

// count returns the number of in-flight entries.
func (t *pendingTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// sweep removes every entry older than its timeout and fires its
// timeout callback. An entry never outlives timeout plus one sweep
// interval.
func (t *pendingTable) sweep(now time.Time) int {
	t.mu.Lock()
	var expired []*pendingRequest
	for id, p := range t.entries {
		if now.Sub(p.created) > p.timeout {
			expired = append(expired, p)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, p := range expired {
		p.fire(nil, fmt.Errorf("request %s: %w", p.transactionID, common.ErrTimeout))
	}
	return len(expired)
}

// drain fails every remaining entry; used on client shutdown.
func (t *pendingTable) drain(err error) {
	t.mu.Lock()
	remaining := make([]*pendingRequest, 0, len(t.entries))
	for id, p := range t.entries {
		remaining = append(remaining, p)
		delete(t.entries, id)
	}
	t.mu.Unlock()

	for _, p := range remaining {
		p.fire(nil, err)
	}
}
