package vitracka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Dispatch Router
// ============================================================================

// DispatcherOptions configures the Dispatcher and its owned components.
type DispatcherOptions struct {
	// Network reports device reachability; defaults to AlwaysOnline.
	Network NetworkMonitor
	// ReadTTLSeconds is the cache TTL applied to read results. Default 300.
	ReadTTLSeconds int
	Queue          *QueueOptions
	Cache          *CacheOptions
	Logger         logrus.FieldLogger
}

// Dispatcher picks the right path for each operation without leaking
// transport details to callers: duplex channel, secondary HTTP transport,
// or the offline queue, evaluated freshly per call.
type Dispatcher struct {
	client   *Client
	realtime *RealtimeClient
	queue    *OfflineQueue
	cache    *Cache
	network  NetworkMonitor
	log      logrus.FieldLogger
	readTTL  int

	statusSub int
}

// NewDispatcher wires the dispatch layer together. The store is shared by
// the offline queue and the cache snapshot; queued actions from a previous
// run are loaded immediately. A connectivity-restored notification from the
// realtime client triggers a drain automatically.
func NewDispatcher(client *Client, realtime *RealtimeClient, store Store, opts *DispatcherOptions) (*Dispatcher, error) {
	var o DispatcherOptions
	if opts != nil {
		o = *opts
	}
	if o.Network == nil {
		o.Network = AlwaysOnline
	}
	if o.ReadTTLSeconds == 0 {
		o.ReadTTLSeconds = 300
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}

	queue, err := NewOfflineQueue(store, client, o.Queue)
	if err != nil {
		return nil, err
	}

	cacheOpts := o.Cache
	if cacheOpts == nil {
		cacheOpts = &CacheOptions{}
	}
	if cacheOpts.Store == nil {
		cacheOpts.Store = store
	}
	if cacheOpts.Logger == nil {
		cacheOpts.Logger = o.Logger
	}

	d := &Dispatcher{
		client:   client,
		realtime: realtime,
		queue:    queue,
		cache:    NewCache(cacheOpts),
		network:  o.Network,
		log:      o.Logger,
		readTTL:  o.ReadTTLSeconds,
	}

	d.statusSub = realtime.OnStatusChange(func(ev StatusEvent) {
		if ev.Status == StatusConnected {
			go func() {
				if err := d.queue.Drain(context.Background()); err != nil {
					d.log.WithError(err).Warn("drain after reconnect halted")
				}
			}()
		}
	})

	return d, nil
}

// Dispatch routes a typed operation. Reads resolve from the cache during
// outages; writes fall through duplex channel, secondary transport, and
// offline queue so the caller is never blocked indefinitely.
func (d *Dispatcher) Dispatch(ctx context.Context, op OperationKind, endpoint string, payload any) (*Result, error) {
	if op.IsWrite() {
		return d.dispatchWrite(ctx, op, endpoint, payload)
	}
	return d.dispatchRead(ctx, endpoint)
}

func (d *Dispatcher) dispatchRead(ctx context.Context, endpoint string) (*Result, error) {
	if !d.network.IsNetworkAvailable() {
		if v, ok := d.cache.Get(endpoint); ok {
			return &Result{Status: StatusCached, Data: v}, nil
		}
		return nil, ErrNoCachedValue
	}

	data, stale, err := d.cache.GetOrFetch(ctx, endpoint, d.readTTL, func(ctx context.Context) (json.RawMessage, error) {
		result, err := d.client.Invoke(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		if !result.OK {
			if result.Error != nil {
				return nil, result.Error
			}
			return nil, fmt.Errorf("read of %s failed", endpoint)
		}
		return result.Data, nil
	})
	if err != nil {
		return nil, err
	}
	if stale {
		return &Result{Status: StatusCached, Data: data}, nil
	}
	return &Result{Status: StatusCompleted, Data: data}, nil
}

func (d *Dispatcher) dispatchWrite(ctx context.Context, op OperationKind, endpoint string, payload any) (*Result, error) {
	// Tier 1: duplex channel.
	if d.realtime.State() == StateConnected {
		resp, err := d.realtime.SendRequest(ctx, agentTypeFromEndpoint(endpoint), payload)
		if err == nil {
			return &Result{Status: StatusCompleted, Data: resp.Data}, nil
		}
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) || ctx.Err() != nil {
			// The request may have reached the service; retrying it on
			// another tier would break at-least-once clarity.
			return nil, err
		}
		d.log.WithError(err).Debug("duplex send failed, trying secondary transport")
	}

	// Tier 2: secondary request/response transport.
	if d.network.IsNetworkAvailable() {
		result, err := d.client.Invoke(ctx, methodForKind(kindForOp(op)), endpoint, payload)
		if err == nil {
			if result.OK {
				return &Result{Status: StatusCompleted, Data: result.Data}, nil
			}
			if result.Error != nil {
				// The service rejected the write; queueing would just
				// replay the same rejection.
				return nil, result.Error
			}
			return nil, fmt.Errorf("write to %s rejected", endpoint)
		}
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			return nil, err
		}
		d.log.WithError(err).Debug("secondary transport failed, queueing write")
	}

	// Tier 3: accept locally, sync later.
	id, err := d.queue.Enqueue(kindForOp(op), endpoint, payload)
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusQueued, ActionID: id}, nil
}

// Sync manually triggers a drain of the offline queue.
func (d *Dispatcher) Sync(ctx context.Context) error {
	return d.queue.Drain(ctx)
}

// PendingActionsCount returns the number of writes awaiting sync.
func (d *Dispatcher) PendingActionsCount() int {
	return d.queue.PendingCount()
}

// OnConnectionStatusChange registers a connection-status observer.
func (d *Dispatcher) OnConnectionStatusChange(h StatusHandler) int {
	return d.realtime.OnStatusChange(h)
}

// OffConnectionStatusChange removes a connection-status observer.
func (d *Dispatcher) OffConnectionStatusChange(id int) {
	d.realtime.OffStatusChange(id)
}

// Queue exposes the offline queue for status inspection.
func (d *Dispatcher) Queue() *OfflineQueue { return d.queue }

// Cache exposes the read cache.
func (d *Dispatcher) Cache() *Cache { return d.cache }

// Close detaches the drain trigger and stops the cache sweep, persisting a
// final snapshot.
func (d *Dispatcher) Close() {
	d.realtime.OffStatusChange(d.statusSub)
	d.cache.Close()
}

func kindForOp(op OperationKind) ActionKind {
	switch op {
	case OpUpdate:
		return ActionUpdate
	case OpDelete:
		return ActionDelete
	default:
		return ActionCreate
	}
}

// agentTypeFromEndpoint maps a secondary-transport path to the agent type
// used on the duplex channel: "/agents/coaching" -> "coaching".
func agentTypeFromEndpoint(endpoint string) string {
	trimmed := strings.Trim(endpoint, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
