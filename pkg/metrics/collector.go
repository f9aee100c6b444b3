package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/frkn-dev/pony/pkg/log"
)

// ConnSample is one per-connection telemetry reading fed to the collector
// by the agent.
type ConnSample struct {
	ConnID   string
	Online   int64
	Uplink   int64
	Downlink int64
}

// Collector periodically samples system and fleet state and emits typed
// metrics on its output channel. System-info calls block, so every sampler
// runs on its own goroutine off the hot path.
type Collector struct {
	env      string
	hostname string
	iface    string

	// connections returns current per-connection counters; nil disables
	// the tunnel sampler (API process).
	connections func() []ConnSample

	out    chan Metric
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Sample cadences per source.
const (
	fastInterval = 10 * time.Second
	slowInterval = 30 * time.Second
)

// NewCollector creates a collector for one process.
func NewCollector(env, hostname, iface string, connections func() []ConnSample) *Collector {
	return &Collector{
		env:         env,
		hostname:    hostname,
		iface:       iface,
		connections: connections,
		out:         make(chan Metric, 1024),
		stopCh:      make(chan struct{}),
	}
}

// Metrics returns the typed metric stream consumed by the sink.
func (c *Collector) Metrics() <-chan Metric {
	return c.out
}

// Start launches the sampling loops.
func (c *Collector) Start() {
	c.run(fastInterval, c.sampleBandwidth)
	c.run(fastInterval, c.sampleCPU)
	c.run(slowInterval, c.sampleLoadavg)
	c.run(slowInterval, c.sampleMemory)
	c.run(slowInterval, c.sampleHeartbeat)
	if c.connections != nil {
		c.run(fastInterval, c.sampleConnections)
	}
}

// Stop terminates the samplers and closes the stream.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	close(c.out)
}

func (c *Collector) run(interval time.Duration, sample func(now time.Time)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				sample(now.UTC())
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Collector) emit(m Metric) {
	select {
	case c.out <- m:
	default:
		// Sink is behind; dropping beats blocking a sampler.
		SinkDropsTotal.Inc()
	}
}

func (c *Collector) path(subsystem, name, metric string) string {
	return MetricPath(c.env, c.hostname, subsystem, name, metric)
}

func (c *Collector) sampleBandwidth(now time.Time) {
	counters, err := psnet.IOCounters(true)
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("bandwidth sample failed")
		return
	}
	for _, nic := range counters {
		if nic.Name != c.iface {
			continue
		}
		c.emit(IntMetric(c.path("bandwidth", nic.Name, "rx_bytes"), int64(nic.BytesRecv), now))
		c.emit(IntMetric(c.path("bandwidth", nic.Name, "tx_bytes"), int64(nic.BytesSent), now))
	}
}

func (c *Collector) sampleCPU(now time.Time) {
	// Interval 0 measures since the previous call.
	percents, err := cpu.Percent(0, true)
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("cpu sample failed")
		return
	}
	for core, pct := range percents {
		c.emit(FloatMetric(c.path("cpu", "core"+strconv.Itoa(core), "percentage"), Round2(pct), now))
	}
}

func (c *Collector) sampleLoadavg(now time.Time) {
	avg, err := load.Avg()
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("loadavg sample failed")
		return
	}
	c.emit(FloatMetric(c.path("system", "loadavg", "1m"), avg.Load1, now))
	c.emit(FloatMetric(c.path("system", "loadavg", "5m"), avg.Load5, now))
	c.emit(FloatMetric(c.path("system", "loadavg", "15m"), avg.Load15, now))
}

func (c *Collector) sampleMemory(now time.Time) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("memory sample failed")
		return
	}
	c.emit(IntMetric(c.path("system", "memory", "used"), int64(vm.Used), now))
	c.emit(IntMetric(c.path("system", "memory", "total"), int64(vm.Total), now))
}

func (c *Collector) sampleHeartbeat(now time.Time) {
	c.emit(IntMetric(c.path("system", "heartbeat", "alive"), 1, now))
}

func (c *Collector) sampleConnections(now time.Time) {
	for _, s := range c.connections() {
		c.emit(IntMetric(c.path("connections", s.ConnID, "uplink"), s.Uplink, now))
		c.emit(IntMetric(c.path("connections", s.ConnID, "downlink"), s.Downlink, now))
		c.emit(IntMetric(c.path("connections", s.ConnID, "online"), s.Online, now))
	}
}
