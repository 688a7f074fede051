// internal/events/bus.go
package events

import (
    "context"
    "errors"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "github.com/sirupsen/logrus"
    "netwatch/internal/metrics"
    "netwatch/internal/models"
)

var ErrDuplicateSubscriber = errors.New("subscriber already registered")

// Subscription is a named, buffered view of the bus. Events that do not fit
// in the buffer are dropped for this subscriber only.
type Subscription struct {
    name  string
    types map[models.EventType]bool
    ch    chan models.Event
}

func (s *Subscription) Name() string {
    return s.name
}

// C is closed when the subscription is removed or the bus is closed.
func (s *Subscription) C() <-chan models.Event {
    return s.ch
}

func (s *Subscription) wants(t models.EventType) bool {
    return len(s.types) == 0 || s.types[t]
}

// Sink forwards events to an external system.
type Sink interface {
    Name() string
    Send(ctx context.Context, event models.Event) error
    Close() error
}

// Bus fans events out to subscribers without ever blocking the publisher.
type Bus struct {
    bufferSize int
    metrics    *metrics.Collector

    mu     sync.RWMutex
    subs   map[string]*Subscription
    closed bool
    wg     sync.WaitGroup
}

func NewBus(bufferSize int, collector *metrics.Collector) *Bus {
    if bufferSize <= 0 {
        bufferSize = 256
    }
    return &Bus{
        bufferSize: bufferSize,
        metrics:    collector,
        subs:       make(map[string]*Subscription),
    }
}

// Subscribe registers a named subscriber. With no types it receives every event.
func (b *Bus) Subscribe(name string, types ...models.EventType) (*Subscription, error) {
    b.mu.Lock()
    defer b.mu.Unlock()

    if _, exists := b.subs[name]; exists {
        return nil, ErrDuplicateSubscriber
    }
    sub := &Subscription{
        name:  name,
        types: make(map[models.EventType]bool, len(types)),
        ch:    make(chan models.Event, b.bufferSize),
    }
    for _, t := range types {
        sub.types[t] = true
    }
    if b.closed {
        close(sub.ch)
        return sub, nil
    }
    b.subs[name] = sub
    return sub, nil
}

func (b *Bus) Unsubscribe(name string) {
    b.mu.Lock()
    defer b.mu.Unlock()
    if sub, ok := b.subs[name]; ok {
        delete(b.subs, name)
        close(sub.ch)
    }
}

// Publish stamps the envelope and delivers it to every interested subscriber.
func (b *Bus) Publish(event models.Event) {
    if event.Version == 0 {
        event.Version = models.EventVersion
    }
    if event.ID == "" {
        event.ID = uuid.New().String()
    }
    if event.Timestamp.IsZero() {
        event.Timestamp = time.Now()
    }

    b.mu.RLock()
    defer b.mu.RUnlock()
    if b.closed {
        return
    }
    for _, sub := range b.subs {
        if !sub.wants(event.Type) {
            continue
        }
        select {
        case sub.ch <- event:
        default:
            b.metrics.RecordEventDropped(sub.name)
            logrus.WithFields(logrus.Fields{
                "subscriber": sub.name,
                "event":      event.Type,
            }).Debug("Subscriber full, event dropped")
        }
    }
}

// Subscribers lists registered names, sorted.
func (b *Bus) Subscribers() []string {
    b.mu.RLock()
    defer b.mu.RUnlock()
    names := make([]string, 0, len(b.subs))
    for name := range b.subs {
        names = append(names, name)
    }
    sort.Strings(names)
    return names
}

// Consume runs fn for every event on sub until the subscription closes or
// ctx is done. It is tracked by Close.
func (b *Bus) Consume(ctx context.Context, sub *Subscription, fn func(models.Event)) {
    b.wg.Add(1)
    go func() {
        defer b.wg.Done()
        for {
            select {
            case <-ctx.Done():
                return
            case event, ok := <-sub.C():
                if !ok {
                    return
                }
                fn(event)
            }
        }
    }()
}

// Attach subscribes a sink and forwards events to it. Send failures are
// logged and the event is not retried.
func (b *Bus) Attach(ctx context.Context, sink Sink, types ...models.EventType) error {
    sub, err := b.Subscribe(sink.Name(), types...)
    if err != nil {
        return err
    }
    b.Consume(ctx, sub, func(event models.Event) {
        sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
        defer cancel()
        if err := sink.Send(sendCtx, event); err != nil {
            logrus.WithError(err).WithFields(logrus.Fields{
                "sink":  sink.Name(),
                "event": event.Type,
            }).Warn("Failed to forward event")
        }
    })
    return nil
}

// Close stops delivery, closes every subscription and waits for consumers
// to finish the events already buffered.
func (b *Bus) Close() {
    b.mu.Lock()
    if b.closed {
        b.mu.Unlock()
        return
    }
    b.closed = true
    for name, sub := range b.subs {
        close(sub.ch)
        delete(b.subs, name)
    }
    b.mu.Unlock()
    b.wg.Wait()
}
