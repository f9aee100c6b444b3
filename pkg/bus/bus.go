package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/frkn-dev/pony/pkg/config"
	"github.com/frkn-dev/pony/pkg/errdefs"
	"github.com/frkn-dev/pony/pkg/log"
	"github.com/frkn-dev/pony/pkg/metrics"
)

// Well-known agent-to-API topics. Control traffic flows the other way on
// the {env} and {node-uuid} topics.
const (
	TopicHeartbeat = "heartbeat"
	TopicStats     = "stats"
)

// Delivery is one received frame: the topic it arrived on and the raw
// payload (JSON control message or archived snapshot).
type Delivery struct {
	Topic   string
	Payload []byte
}

// connect dials the bus endpoint, retrying per config before giving up.
// Connection failure after all retries is a startup-fatal condition.
func connect(ctx context.Context, cfg config.Bus) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Endpoint,
		Password: cfg.Password,
	})

	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectRetries; attempt++ {
		if err := client.Ping(ctx).Err(); err != nil {
			lastErr = err
			logger := log.WithComponent("bus")
			logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max", cfg.ConnectRetries).
				Msg("bus connect failed, retrying")
			select {
			case <-time.After(cfg.RetryInterval.Duration):
			case <-ctx.Done():
				return nil, errdefs.New(errdefs.KindBus, ctx.Err())
			}
			continue
		}
		return client, nil
	}
	client.Close()
	return nil, errdefs.New(errdefs.KindBus,
		fmt.Errorf("connect to %s failed after %d attempts: %w", cfg.Endpoint, cfg.ConnectRetries, lastErr))
}

// Publisher is the fire-and-forget sending half of the bus. One per API
// process.
type Publisher struct {
	client *redis.Client
	ready  time.Time
}

// NewPublisher connects the sending socket. Sends inside the slow-joiner
// settle window are held back until it elapses; subscribers attaching
// during that window would otherwise miss them.
func NewPublisher(ctx context.Context, cfg config.Bus) (*Publisher, error) {
	client, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		client: client,
		ready:  time.Now().Add(cfg.SettleDelay.Duration),
	}
	return p, nil
}

// Publish sends one frame on a topic. No ack is expected; errors are
// returned only for local/transport failures.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if wait := time.Until(p.ready); wait > 0 {
		// Settle window after first connect; early sends may be lost to
		// slow joiners, so hold them back instead.
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return errdefs.New(errdefs.KindBus, ctx.Err())
		}
	}
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return errdefs.New(errdefs.KindBus, err)
	}
	metrics.BusPublishesTotal.WithLabelValues(topic).Inc()
	return nil
}

// Close releases the underlying connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Subscriber is the receiving half of the bus. Each agent runs one,
// attached to its node topic and its env topic; the API runs one for the
// heartbeat and stats topics.
type Subscriber struct {
	client *redis.Client
	sub    *redis.PubSub
	out    chan Delivery
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscriber connects and subscribes to the given topics. The blocking
// receive runs on its own goroutine and fans every topic into one
// delivery channel.
func NewSubscriber(ctx context.Context, cfg config.Bus, topics ...string) (*Subscriber, error) {
	client, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sub := client.Subscribe(ctx, topics...)
	// Force the subscription handshake so missing topics surface now.
	if _, err := sub.Receive(ctx); err != nil {
		client.Close()
		return nil, errdefs.New(errdefs.KindBus, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		client: client,
		sub:    sub,
		out:    make(chan Delivery, 256),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.receiveLoop(runCtx)
	return s, nil
}

// Deliveries returns the fan-in channel of received frames. It closes when
// the subscriber shuts down.
func (s *Subscriber) Deliveries() <-chan Delivery {
	return s.out
}

func (s *Subscriber) receiveLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)
	logger := log.WithComponent("bus")

	for {
		msg, err := s.sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// go-redis reconnects and resubscribes underneath; back off
			// briefly and keep receiving.
			logger.Warn().Err(err).Msg("bus receive failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		metrics.BusReceivesTotal.WithLabelValues(msg.Channel).Inc()
		select {
		case s.out <- Delivery{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the receive loop and releases the connection.
func (s *Subscriber) Close() error {
	s.cancel()
	s.sub.Close()
	<-s.done
	return s.client.Close()
}
