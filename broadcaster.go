package orchestrator

import (
	"log/slog"
	"sync"
)

// Subscriber receives events for the workflows it subscribed to. Send must
// not block indefinitely; returning an error drops the subscriber.
type Subscriber interface {
	Send(event Event) error
}

// Broadcaster is a publish/subscribe hub mapping workflow IDs to live
// subscribers. It is safe for concurrent use. Per-subscriber delivery
// failures are logged and the subscriber is dropped; one bad connection never
// aborts delivery to the others.
type Broadcaster struct {
	mutex      sync.RWMutex
	byWorkflow map[string]map[Subscriber]struct{}
	byUser     map[string]map[Subscriber]struct{}
	catchAll   map[Subscriber]struct{}
	logger     *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		byWorkflow: map[string]map[Subscriber]struct{}{},
		byUser:     map[string]map[Subscriber]struct{}{},
		catchAll:   map[Subscriber]struct{}{},
		logger:     logger,
	}
}

// Subscribe registers a subscriber for one workflow's events.
func (b *Broadcaster) Subscribe(sub Subscriber, workflowID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	set, ok := b.byWorkflow[workflowID]
	if !ok {
		set = map[Subscriber]struct{}{}
		b.byWorkflow[workflowID] = set
	}
	set[sub] = struct{}{}
}

// SubscribeAll registers a subscriber for every workflow's events, current
// and future. The CLI uses this to mirror progress to the console.
func (b *Broadcaster) SubscribeAll(sub Subscriber) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.catchAll[sub] = struct{}{}
}

// Register associates a subscriber with a user for direct messages.
func (b *Broadcaster) Register(sub Subscriber, userID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	set, ok := b.byUser[userID]
	if !ok {
		set = map[Subscriber]struct{}{}
		b.byUser[userID] = set
	}
	set[sub] = struct{}{}
}

// UnsubscribeAll removes a subscriber from every workflow and user set.
func (b *Broadcaster) UnsubscribeAll(sub Subscriber) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for workflowID, set := range b.byWorkflow {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.byWorkflow, workflowID)
		}
	}
	for userID, set := range b.byUser {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.byUser, userID)
		}
	}
	delete(b.catchAll, sub)
}

// Publish delivers an event to every current subscriber of a workflow, plus
// every catch-all subscriber. Publishing to a workflow nobody watches is a
// no-op. Within one
// workflow, events are delivered in publish order: the executor is the single
// writer per workflow and Publish sends while holding the hub lock in read
// mode, so subscriber channels observe the executor's call order.
func (b *Broadcaster) Publish(workflowID string, event Event) {
	b.mutex.RLock()
	set := b.byWorkflow[workflowID]
	var failed []Subscriber
	deliver := func(sub Subscriber) {
		if err := sub.Send(event); err != nil {
			delivery := &DeliveryError{WorkflowID: workflowID, Err: err}
			b.logger.Warn("dropping subscriber after failed delivery",
				"workflow_id", workflowID,
				"event_type", event.Type,
				"error", delivery)
			failed = append(failed, sub)
		}
	}
	for sub := range set {
		deliver(sub)
	}
	for sub := range b.catchAll {
		if _, dup := set[sub]; dup {
			continue
		}
		deliver(sub)
	}
	b.mutex.RUnlock()

	for _, sub := range failed {
		b.UnsubscribeAll(sub)
	}
}

// SendToUser delivers a message event to every connection of one user.
func (b *Broadcaster) SendToUser(userID string, event Event) {
	b.mutex.RLock()
	set := b.byUser[userID]
	var failed []Subscriber
	for sub := range set {
		if err := sub.Send(event); err != nil {
			b.logger.Warn("dropping user connection after failed delivery",
				"user_id", userID,
				"error", err)
			failed = append(failed, sub)
		}
	}
	b.mutex.RUnlock()

	for _, sub := range failed {
		b.UnsubscribeAll(sub)
	}
}

// SubscriberCount returns the number of subscribers for a workflow.
func (b *Broadcaster) SubscriberCount(workflowID string) int {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return len(b.byWorkflow[workflowID])
}

// ChannelSubscriber adapts a buffered channel to the Subscriber interface.
// Send fails rather than blocks when the channel is full, so a stalled
// consumer cannot back up the executor.
type ChannelSubscriber struct {
	ch     chan Event
	closed sync.Once
}

// NewChannelSubscriber creates a subscriber with the given buffer size.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSubscriber{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the subscriber's channel.
func (c *ChannelSubscriber) Events() <-chan Event {
	return c.ch
}

// Send delivers an event without blocking.
func (c *ChannelSubscriber) Send(event Event) (err error) {
	defer func() {
		if recover() != nil {
			err = &DeliveryError{WorkflowID: event.WorkflowID, Err: errClosedSubscriber}
		}
	}()
	select {
	case c.ch <- event:
		return nil
	default:
		return &DeliveryError{WorkflowID: event.WorkflowID, Err: errSlowSubscriber}
	}
}

// Close closes the channel. Safe to call more than once.
func (c *ChannelSubscriber) Close() {
	c.closed.Do(func() { close(c.ch) })
}

var (
	errSlowSubscriber   = &subscriberError{"subscriber buffer full"}
	errClosedSubscriber = &subscriberError{"subscriber closed"}
)

type subscriberError struct{ msg string }

func (e *subscriberError) Error() string { return e.msg }
