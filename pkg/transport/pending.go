package transport

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/deechat/dmcp/pkg/logger"
	"github.com/deechat/dmcp/pkg/transport/types"
)

// pendingResult is delivered to the waiter of one outbound request.
type pendingResult struct {
	msg *types.JSONRPCMessage
	err error
}

// pendingTable correlates outbound request ids with their waiters. Every
// entry resolves exactly once: with the matching response, with a timeout,
// or with a disconnect error.
type pendingTable struct {
	mu      sync.Mutex
	nextID  int64
	waiters map[int64]chan pendingResult
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[int64]chan pendingResult)}
}

// add allocates the next request id and registers a waiter for it.
func (p *pendingTable) add() (int64, chan pendingResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	ch := make(chan pendingResult, 1)
	p.waiters[id] = ch
	return id, ch
}

// remove drops the waiter for id without resolving it. Used by the
// requester itself after a timeout or cancellation.
func (p *pendingTable) remove(id int64) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// resolve hands an inbound response to its waiter. Unknown or duplicate
// ids are dropped; the wire is allowed to misbehave, the table is not.
func (p *pendingTable) resolve(rawID any, msg *types.JSONRPCMessage) bool {
	id, ok := normalizeID(rawID)
	if !ok {
		logger.Debugw("dropping response with unusable id", "id", rawID)
		return false
	}

	p.mu.Lock()
	ch, found := p.waiters[id]
	if found {
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	if !found {
		logger.Debugw("dropping response for unknown request id", "id", id)
		return false
	}
	ch <- pendingResult{msg: msg}
	return true
}

// failAll resolves every waiter with err. Called on disconnect.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[int64]chan pendingResult)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- pendingResult{err: err}
	}
}

// size reports the number of in-flight requests.
func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// normalizeID maps the id of an inbound message onto the int64 space the
// table allocates from. JSON decoding yields float64 for numbers; servers
// occasionally echo ids back as strings.
func normalizeID(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
