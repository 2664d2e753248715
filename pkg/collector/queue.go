package collector

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/hco/pkg/types"
)

// TriggerMessage asks an external bulk pipeline to collect one shard's
// window for one custodian.
type TriggerMessage struct {
	ShardID       int64
	Custodian     string
	JobType       types.JobType
	Start, End    time.Time
	OutputPrefix  string
	CorrelationID string
}

// StatusMessage reports the external pipeline's progress or completion
// for a previously triggered shard.
type StatusMessage struct {
	ShardID            int64
	Status             string // "running", "completed", "failed"
	ItemsCount         int64
	BytesCount         int64
	DatasetManifestURL string
	Error              string
}

// TriggerPublisher enqueues a TriggerMessage to the outbound bulk queue.
type TriggerPublisher interface {
	Publish(ctx context.Context, msg TriggerMessage) error
}

// StatusSubscriber lets a caller observe inbound StatusMessages for the
// lifetime of a subscription.
type StatusSubscriber interface {
	Subscribe() (ch <-chan StatusMessage, unsubscribe func())
}

// Bus is an in-memory trigger/status broker for the Bulk driver, grounded
// on the orchestrator's own non-blocking pub/sub broadcast shape: a
// buffered event channel drained by a broadcast loop, fanning out to
// per-subscriber buffered channels that drop rather than block when full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan StatusMessage]bool
	triggerCh   chan TriggerMessage
	statusCh    chan StatusMessage
	stopCh      chan struct{}
}

// NewBus creates a Bus with a 100-message outbound trigger buffer.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan StatusMessage]bool),
		triggerCh:   make(chan TriggerMessage, 100),
		statusCh:    make(chan StatusMessage, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the status broadcast loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the broadcast loop.
func (b *Bus) Stop() {
	close(b.stopCh)
}

// Publish enqueues a TriggerMessage for whatever consumes the outbound
// queue (a real deployment wires this to the pipeline's ingest API).
func (b *Bus) Publish(ctx context.Context, msg TriggerMessage) error {
	select {
	case b.triggerCh <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopCh:
		return nil
	}
}

// Triggers exposes the outbound trigger channel for a consumer goroutine
// (real deployments replace this with a message-broker client).
func (b *Bus) Triggers() <-chan TriggerMessage {
	return b.triggerCh
}

// PublishStatus is called by whatever observes the external pipeline
// (webhook handler, poller) to fan a StatusMessage out to subscribers.
func (b *Bus) PublishStatus(status StatusMessage) {
	select {
	case b.statusCh <- status:
	case <-b.stopCh:
	}
}

// Subscribe returns a buffered channel of StatusMessages and an
// unsubscribe function that must be called when the caller is done.
func (b *Bus) Subscribe() (<-chan StatusMessage, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StatusMessage, 50)
	b.subscribers[ch] = true
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
}

func (b *Bus) run() {
	for {
		select {
		case status := <-b.statusCh:
			b.broadcast(status)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(status StatusMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- status:
		default:
		}
	}
}
