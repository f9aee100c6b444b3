package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricPath(t *testing.T) {
	path := MetricPath("dev", "edge-1", "network", "eth0", "rx_bytes")
	assert.Equal(t, "dev.edge-1.network.eth0.rx_bytes", path)
}

func TestMetricValues(t *testing.T) {
	at := time.Unix(1700000000, 0)

	m := IntMetric("dev.edge-1.system.heartbeat.alive", 1, at)
	v, ok := m.Int()
	assert.True(t, ok)
	assert.Equal(t, int64(1), v)
	_, ok = m.Float()
	assert.False(t, ok)

	f := FloatMetric("dev.edge-1.cpu.core0.percentage", 42.25, at)
	fv, ok := f.Float()
	assert.True(t, ok)
	assert.Equal(t, 42.25, fv)
}

func TestLineFormat(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.Equal(t,
		"dev.edge-1.system.memory.used 1024 1700000000\n",
		IntMetric("dev.edge-1.system.memory.used", 1024, at).Line())
	assert.Equal(t,
		"dev.edge-1.cpu.core0.percentage 42.25 1700000000\n",
		FloatMetric("dev.edge-1.cpu.core0.percentage", 42.25, at).Line())
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 42.68, Round2(42.6789))
	assert.Equal(t, 0.01, Round2(0.005))
	assert.Equal(t, 100.0, Round2(99.999))
}

func TestHealthAggregation(t *testing.T) {
	ResetHealth()
	defer ResetHealth()

	assert.Equal(t, "healthy", GetHealth().Status)

	RegisterComponent("syncer", true, "")
	RegisterComponent("tunnel", true, "")
	h := GetHealth()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "healthy", h.Components["syncer"])

	UpdateComponent("syncer", false, "db unreachable")
	h = GetHealth()
	assert.Equal(t, "degraded", h.Status)
	assert.Contains(t, h.Message, "db unreachable")

	UpdateComponent("syncer", true, "")
	assert.Equal(t, "healthy", GetHealth().Status)
}

func TestCollectorEmitsConnectionSamples(t *testing.T) {
	c := NewCollector("dev", "edge-1", "eth0", func() []ConnSample {
		return []ConnSample{{ConnID: "c1", Online: 1, Uplink: 10, Downlink: 20}}
	})

	now := time.Unix(1700000000, 0)
	c.sampleConnections(now)

	paths := map[string]int64{}
	for i := 0; i < 3; i++ {
		select {
		case m := <-c.Metrics():
			v, ok := m.Int()
			assert.True(t, ok)
			paths[m.Path] = v
		default:
			t.Fatal("expected three samples")
		}
	}
	assert.Equal(t, int64(10), paths["dev.edge-1.connections.c1.uplink"])
	assert.Equal(t, int64(20), paths["dev.edge-1.connections.c1.downlink"])
	assert.Equal(t, int64(1), paths["dev.edge-1.connections.c1.online"])
}

func TestCollectorHeartbeatSample(t *testing.T) {
	c := NewCollector("dev", "edge-1", "", func() []ConnSample { return nil })
	c.sampleHeartbeat(time.Unix(1700000000, 0))

	select {
	case m := <-c.Metrics():
		assert.Equal(t, "dev.edge-1.system.heartbeat.alive", m.Path)
		v, _ := m.Int()
		assert.Equal(t, int64(1), v)
	default:
		t.Fatal("expected heartbeat sample")
	}
}
