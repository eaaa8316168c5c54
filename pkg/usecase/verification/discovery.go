package verification

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
)

// DefaultMaxBlockRange bounds the block span of one log query
const DefaultMaxBlockRange = 2000

// Discovery yields candidate request ids once per tick, in processing order
type Discovery interface {
	Next(ctx context.Context) ([]*model.Candidate, error)
}

// Settler is implemented by a Discovery that re-yields candidates until the
// loop reports them settled
type Settler interface {
	Settle(id model.RequestID)
}

// PendingLister is the batch "list pending" read
type PendingLister interface {
	PendingRequests(ctx context.Context) ([]*model.Candidate, error)
}

// BatchDiscovery polls the registry's pending request list
type BatchDiscovery struct {
	lister PendingLister
}

func NewBatchDiscovery(lister PendingLister) *BatchDiscovery {
	return &BatchDiscovery{lister: lister}
}

func (x *BatchDiscovery) Next(ctx context.Context) ([]*model.Candidate, error) {
	candidates, err := x.lister.PendingRequests(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list pending requests")
	}
	return candidates, nil
}

// RequestEventReader reads VerificationRequested logs
type RequestEventReader interface {
	LatestBlock(ctx context.Context) (uint64, error)
	RequestEvents(ctx context.Context, from, to uint64) ([]*interfaces.RequestEvent, error)
}

// EventDiscovery drains request events that were emitted after it was
// created. The cursor only advances after a successful read, so a failed
// read is retried from the same block. Every request seen in an event is
// yielded again on each tick until it is settled.
type EventDiscovery struct {
	events   RequestEventReader
	next     uint64
	maxRange uint64

	mu      sync.Mutex
	pending []*model.Candidate
}

type EventOption func(*EventDiscovery)

func WithMaxBlockRange(n uint64) EventOption {
	return func(x *EventDiscovery) {
		x.maxRange = n
	}
}

// NewEventDiscovery starts watching from the block after the current head
func NewEventDiscovery(ctx context.Context, events RequestEventReader, opts ...EventOption) (*EventDiscovery, error) {
	head, err := events.LatestBlock(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get starting block")
	}

	x := &EventDiscovery{
		events:   events,
		next:     head + 1,
		maxRange: DefaultMaxBlockRange,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x, nil
}

// Cursor returns the first block not read yet
func (x *EventDiscovery) Cursor() uint64 {
	return x.next
}

func (x *EventDiscovery) Next(ctx context.Context) ([]*model.Candidate, error) {
	head, err := x.events.LatestBlock(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get latest block")
	}

	var events []*interfaces.RequestEvent
	if head >= x.next {
		to := head
		if x.maxRange > 0 && to-x.next+1 > x.maxRange {
			to = x.next + x.maxRange - 1
		}

		events, err = x.events.RequestEvents(ctx, x.next, to)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read request events",
				goerr.V("from", x.next),
				goerr.V("to", to))
		}
		x.next = to + 1
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, ev := range events {
		if x.indexOf(ev.RequestID) >= 0 {
			continue
		}
		x.pending = append(x.pending, &model.Candidate{
			ID:        ev.RequestID,
			Requester: ev.Requester,
		})
	}

	candidates := make([]*model.Candidate, len(x.pending))
	copy(candidates, x.pending)
	return candidates, nil
}

// Settle drops the request from the retry set
func (x *EventDiscovery) Settle(id model.RequestID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if i := x.indexOf(id); i >= 0 {
		x.pending = append(x.pending[:i], x.pending[i+1:]...)
	}
}

func (x *EventDiscovery) indexOf(id model.RequestID) int {
	for i, c := range x.pending {
		if c.ID == id {
			return i
		}
	}
	return -1
}
