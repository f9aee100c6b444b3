package metrics

import (
	"net"
	"time"

	"github.com/frkn-dev/pony/pkg/log"
)

// CarbonSink streams typed metrics to a Graphite/carbon endpoint using the
// plaintext line protocol. Writes carry a short deadline; a failed write
// drops the point and forces a reconnect on the next one.
type CarbonSink struct {
	addr    string
	timeout time.Duration

	conn   net.Conn
	stopCh chan struct{}
	done   chan struct{}
}

// NewCarbonSink creates a sink for the given address.
func NewCarbonSink(addr string, timeout time.Duration) *CarbonSink {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &CarbonSink{
		addr:    addr,
		timeout: timeout,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run drains the metric stream until it closes or Stop is called.
func (s *CarbonSink) Run(stream <-chan Metric) {
	defer close(s.done)
	logger := log.WithComponent("carbon")

	for {
		select {
		case m, ok := <-stream:
			if !ok {
				return
			}
			if err := s.write(m); err != nil {
				SinkDropsTotal.Inc()
				logger.Warn().Err(err).Str("path", m.Path).Msg("sink write failed")
			} else {
				SinkPointsTotal.Inc()
			}
		case <-s.stopCh:
			return
		}
	}
}

// Stop terminates the drain loop and closes the connection.
func (s *CarbonSink) Stop() {
	close(s.stopCh)
	<-s.done
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *CarbonSink) write(m Metric) error {
	if s.conn == nil {
		conn, err := net.DialTimeout("tcp", s.addr, s.timeout)
		if err != nil {
			return err
		}
		s.conn = conn
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	if _, err := s.conn.Write([]byte(m.Line())); err != nil {
		s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
