// internal/events/bus_test.go
package events

import (
    "context"
    "encoding/json"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "netwatch/internal/models"
)

func statusEvent(id string) models.Event {
    return models.Event{
        Type: models.EventStatusChanged,
        Status: &models.StatusChange{
            DeviceID: id,
            From:     models.StatusUp,
            To:       models.StatusDown,
        },
    }
}

func TestPublishStampsAndFansOut(t *testing.T) {
    bus := NewBus(4, nil)
    a, err := bus.Subscribe("a")
    require.NoError(t, err)
    b, err := bus.Subscribe("b")
    require.NoError(t, err)

    bus.Publish(statusEvent("r1"))

    for _, sub := range []*Subscription{a, b} {
        select {
        case ev := <-sub.C():
            assert.Equal(t, models.EventVersion, ev.Version)
            assert.NotEmpty(t, ev.ID)
            assert.False(t, ev.Timestamp.IsZero())
            assert.Equal(t, "r1", ev.Status.DeviceID)
        default:
            t.Fatalf("subscriber %s got nothing", sub.Name())
        }
    }
    assert.Equal(t, []string{"a", "b"}, bus.Subscribers())
}

func TestSubscribeFiltersByType(t *testing.T) {
    bus := NewBus(4, nil)
    alerts, err := bus.Subscribe("alerts", models.EventAlertCreated)
    require.NoError(t, err)

    bus.Publish(statusEvent("r1"))
    bus.Publish(models.Event{Type: models.EventAlertCreated})

    require.Len(t, alerts.C(), 1)
    ev := <-alerts.C()
    assert.Equal(t, models.EventAlertCreated, ev.Type)
}

func TestFullSubscriberDropsWithoutBlocking(t *testing.T) {
    bus := NewBus(2, nil)
    slow, err := bus.Subscribe("slow")
    require.NoError(t, err)
    fast, err := bus.Subscribe("fast", models.EventAlertResolved)
    require.NoError(t, err)

    done := make(chan struct{})
    go func() {
        for i := 0; i < 100; i++ {
            bus.Publish(statusEvent("r1"))
        }
        bus.Publish(models.Event{Type: models.EventAlertResolved})
        close(done)
    }()

    select {
    case <-done:
    case <-time.After(time.Second):
        t.Fatal("publish blocked on a full subscriber")
    }
    assert.Len(t, slow.C(), 2)
    assert.Len(t, fast.C(), 1)
}

func TestDuplicateSubscriber(t *testing.T) {
    bus := NewBus(1, nil)
    _, err := bus.Subscribe("ws")
    require.NoError(t, err)
    _, err = bus.Subscribe("ws")
    assert.ErrorIs(t, err, ErrDuplicateSubscriber)

    bus.Unsubscribe("ws")
    _, err = bus.Subscribe("ws")
    assert.NoError(t, err)
}

func TestCloseDrainsConsumers(t *testing.T) {
    bus := NewBus(8, nil)
    sub, err := bus.Subscribe("counter")
    require.NoError(t, err)

    var mu sync.Mutex
    var seen int
    bus.Consume(context.Background(), sub, func(models.Event) {
        time.Sleep(5 * time.Millisecond)
        mu.Lock()
        seen++
        mu.Unlock()
    })

    for i := 0; i < 5; i++ {
        bus.Publish(statusEvent("r1"))
    }
    bus.Close()

    mu.Lock()
    assert.Equal(t, 5, seen)
    mu.Unlock()

    // publishing after close is a no-op
    bus.Publish(statusEvent("r1"))
    late, err := bus.Subscribe("late")
    require.NoError(t, err)
    _, open := <-late.C()
    assert.False(t, open)
}

type fakeConn struct {
    mu       sync.Mutex
    subjects []string
    payloads [][]byte
    err      error
    closed   bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.err != nil {
        return c.err
    }
    c.subjects = append(c.subjects, subject)
    c.payloads = append(c.payloads, data)
    return nil
}

func (c *fakeConn) FlushTimeout(time.Duration) error { return nil }

func (c *fakeConn) Close() {
    c.mu.Lock()
    c.closed = true
    c.mu.Unlock()
}

func TestNATSSinkPublishesVersionedJSON(t *testing.T) {
    conn := &fakeConn{}
    sink := newNATSSink(conn, "netwatch.events.")

    ev := statusEvent("r1")
    ev.Version = models.EventVersion
    ev.ID = "evt-1"
    require.NoError(t, sink.Send(context.Background(), ev))

    require.Len(t, conn.subjects, 1)
    assert.Equal(t, "netwatch.events.device.status_changed", conn.subjects[0])

    var decoded map[string]interface{}
    require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
    assert.EqualValues(t, 1, decoded["version"])
    assert.Equal(t, "evt-1", decoded["id"])
    assert.Equal(t, "device.status_changed", decoded["type"])

    require.NoError(t, sink.Close())
    assert.True(t, conn.closed)
}

func TestAttachForwardsToSink(t *testing.T) {
    conn := &fakeConn{}
    sink := newNATSSink(conn, "")
    bus := NewBus(8, nil)
    require.NoError(t, bus.Attach(context.Background(), sink, models.EventAlertCreated))

    bus.Publish(statusEvent("r1"))
    bus.Publish(models.Event{Type: models.EventAlertCreated})
    bus.Close()

    require.Len(t, conn.subjects, 1)
    assert.Equal(t, "netwatch.alert.created", conn.subjects[0])
}

func TestAttachSurvivesSinkErrors(t *testing.T) {
    conn := &fakeConn{err: errors.New("nats: connection closed")}
    bus := NewBus(8, nil)
    require.NoError(t, bus.Attach(context.Background(), newNATSSink(conn, "x")))

    bus.Publish(statusEvent("r1"))
    bus.Publish(statusEvent("r2"))
    bus.Close()
    assert.Empty(t, conn.subjects)
}
