package vitracka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// correlator maps in-flight requests to their eventual responses by
// interaction id. The pending map is an arena with a strict single-removal
// discipline: response, timeout, caller cancellation, and connection loss
// all funnel through take, so no entry can be resolved twice.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	timeout time.Duration
	log     logrus.FieldLogger
}

type pendingResult struct {
	resp *AgentResponsePayload
	err  error
}

type pendingRequest struct {
	id        string
	createdAt time.Time
	deadline  time.Time
	ch        chan pendingResult
	timer     *time.Timer
}

func newCorrelator(timeout time.Duration, log logrus.FieldLogger) *correlator {
	return &correlator{
		pending: make(map[string]*pendingRequest),
		timeout: timeout,
		log:     log,
	}
}

// register inserts a pending entry and arms its deadline timer. The timer
// fires independently of channel state.
func (co *correlator) register(id string) *pendingRequest {
	now := time.Now()
	p := &pendingRequest{
		id:        id,
		createdAt: now,
		deadline:  now.Add(co.timeout),
		ch:        make(chan pendingResult, 1),
	}
	co.mu.Lock()
	co.pending[id] = p
	co.mu.Unlock()

	p.timer = time.AfterFunc(co.timeout, func() {
		if q := co.take(id); q != nil {
			q.ch <- pendingResult{err: &TimeoutError{InteractionID: id, After: co.timeout}}
		}
	})
	return p
}

// take atomically removes and returns the entry, or nil if another path
// already handled it.
func (co *correlator) take(id string) *pendingRequest {
	co.mu.Lock()
	defer co.mu.Unlock()
	p := co.pending[id]
	if p != nil {
		delete(co.pending, id)
	}
	return p
}

// remove drops an entry without delivering a result (send failure, caller
// cancellation).
func (co *correlator) remove(id string) {
	if p := co.take(id); p != nil && p.timer != nil {
		p.timer.Stop()
	}
}

// resolve matches an inbound response envelope to its pending request. A
// response with no match (e.g. it arrived after the timeout) is discarded;
// that is a no-op, not an error.
func (co *correlator) resolve(env Envelope) {
	var resp AgentResponsePayload
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		co.log.WithError(err).Warn("discarding malformed agent response")
		return
	}
	p := co.take(resp.InteractionID)
	if p == nil {
		co.log.WithField("interactionId", resp.InteractionID).Debug("discarding unmatched response")
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- pendingResult{resp: &resp}
}

// cancelAll rejects every pending request with the given cause. Called on
// any unexpected transition out of the connected state so callers get fast
// feedback instead of waiting out their timeouts.
func (co *correlator) cancelAll(cause error) {
	co.mu.Lock()
	taken := make([]*pendingRequest, 0, len(co.pending))
	for id, p := range co.pending {
		taken = append(taken, p)
		delete(co.pending, id)
	}
	co.mu.Unlock()

	for _, p := range taken {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- pendingResult{err: cause}
	}
}

func (co *correlator) await(ctx context.Context, p *pendingRequest) (*AgentResponsePayload, error) {
	select {
	case r := <-p.ch:
		return r.resp, r.err
	case <-ctx.Done():
		co.remove(p.id)
		return nil, ctx.Err()
	}
}

func (co *correlator) pendingCount() int {
	co.mu.Lock()
	defer co.mu.Unlock()
	return len(co.pending)
}
