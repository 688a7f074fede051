// internal/metrics/prometheus_test.go
package metrics

import (
    "errors"
    "testing"
    "time"

    "github.com/prometheus/client_golang/prometheus/testutil"
    "github.com/stretchr/testify/assert"
)

func TestNilCollectorIsNoop(t *testing.T) {
    var c *Collector
    assert.NotPanics(t, func() {
        c.RecordProbe("icmp", "reachable", time.Millisecond)
        c.RecordTask("alerts", "ok", 0, 0)
        c.UpdateActiveAlerts(map[string]int{"CRITICAL": 1})
        c.RecordDatabaseOperation("save", nil)
    })
}

func TestCollectorCounters(t *testing.T) {
    c := NewCollector()

    before := testutil.ToFloat64(ProbeTotal.WithLabelValues("snmp", "probe_error"))
    c.RecordProbe("snmp", "probe_error", 20*time.Millisecond)
    assert.Equal(t, before+1, testutil.ToFloat64(ProbeTotal.WithLabelValues("snmp", "probe_error")))

    before = testutil.ToFloat64(DatabaseOperations.WithLabelValues("load_states", "error"))
    c.RecordDatabaseOperation("load_states", errors.New("boom"))
    assert.Equal(t, before+1, testutil.ToFloat64(DatabaseOperations.WithLabelValues("load_states", "error")))

    c.UpdateDeviceStatus(map[string]int{"UP": 3, "DOWN": 1}, 1, 4)
    assert.Equal(t, 3.0, testutil.ToFloat64(DevicesByStatus.WithLabelValues("UP")))
    assert.Equal(t, 1.0, testutil.ToFloat64(FlappingDevices))
    assert.Equal(t, 4.0, testutil.ToFloat64(ActiveDevices))

    c.UpdateDeviceStatus(map[string]int{"UP": 4}, 0, 4)
    assert.Equal(t, 1, testutil.CollectAndCount(DevicesByStatus))
}
