// Package eventbus fans controller activity out to the control surfaces and sinks.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/device"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeChange is published after every executed command, successful or not.
	EventTypeChange EventType = "change"
	// EventTypeTransition is published when a transition is started.
	EventTypeTransition EventType = "transition"
)

// Default configuration
const (
	DefaultWorkerCount = 1
	DefaultQueueSize   = 256
)

// Event represents an event in the system
type Event struct {
	Type EventType
	At   time.Time

	// Change
	Command device.Command
	OK      bool

	// Transition
	Transition string
	Duration   time.Duration
	Source     string
}

// ChangeEvent builds the event for an executed command.
func ChangeEvent(ok bool, cmd device.Command) Event {
	return Event{Type: EventTypeChange, At: time.Now(), Command: cmd, OK: ok}
}

// TransitionEvent builds the event for a started transition.
func TransitionEvent(name string, duration time.Duration, source string) Event {
	return Event{Type: EventTypeTransition, At: time.Now(), Transition: name, Duration: duration, Source: source}
}

// Handler is a function that handles events
type Handler func(Event)

// work represents a unit of work for the worker pool
type work struct {
	event   Event
	handler Handler
}

// Bus provides event routing with a bounded worker pool. With a single worker
// handlers observe events in publish order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	closed   bool

	// Worker pool
	workQueue chan work
	wg        sync.WaitGroup

	closeOnce sync.Once
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		handlers:  make(map[EventType][]Handler),
		workQueue: make(chan work, queueSize),
	}

	// Start worker pool
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

// worker processes events from the work queue
func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish sends an event to all subscribed handlers.
// Non-blocking: if the work queue is full or the bus is closed, events are dropped.
func (b *Bus) Publish(event Event) {
	// The read lock is held while queueing so Close cannot close the queue mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		log.Debug().Str("event_type", string(event.Type)).Msg("Event bus closed, dropping event")
		return
	}

	for _, handler := range b.handlers[event.Type] {
		select {
		case b.workQueue <- work{event: event, handler: handler}:
			// Successfully queued
		default:
			// Queue full - drop event with warning
			log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Close stops accepting events, lets the workers drain the queue and waits for them
// until ctx expires.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.workQueue)
		b.mu.Unlock()
	})

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
