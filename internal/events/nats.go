package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/handoffd/internal/logging"
)

// NATSPublisher delivers envelopes over NATS. Durable mode publishes
// through JetStream; best-effort mode and every downgrade path use core
// NATS on the same subject, so listeners see one logical channel either
// way.
//
// Durable publishes go through a bounded queue drained by a single worker.
// When the queue is full, new durable publishes are downgraded to
// best-effort instead of blocking task processing.
type NATSPublisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	queue   chan Envelope
	timeout time.Duration
	log     *logging.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewNATSPublisher wires a publisher over an existing connection. If the
// JetStream context cannot be created, durable mode is downgraded for the
// publisher's whole lifetime and the downgrade is logged once here.
func NewNATSPublisher(nc *nats.Conn, queueSize int, timeout time.Duration, log *logging.Logger) *NATSPublisher {
	if log == nil {
		log = logging.Nop()
	}

	js, err := nc.JetStream()
	if err != nil {
		log.Warn(context.Background(), "durable backend unavailable, all durable publishes downgraded",
			zap.Error(err))
		js = nil
	}

	p := &NATSPublisher{
		nc:      nc,
		js:      js,
		queue:   make(chan Envelope, queueSize),
		timeout: timeout,
		log:     log,
	}

	p.wg.Add(1)
	go p.drain()

	return p
}

// Publish delivers the envelope according to its mode. It never blocks
// beyond the queue handoff and never reports failure to the caller.
func (p *NATSPublisher) Publish(env Envelope) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		observePublish(env.Mode, "dropped")
		p.log.Warn(context.Background(), "publish after close dropped",
			zap.String("subject", env.Subject))
		return
	}

	if env.Mode == Durable && p.js != nil {
		select {
		case p.queue <- env:
			return
		default:
			// Queue full: backpressure downgrades rather than blocks.
			observePublish(env.Mode, "downgraded")
			p.log.Warn(context.Background(), "durable queue full, publish downgraded",
				zap.String("subject", env.Subject))
		}
	}

	p.bestEffort(env)
}

// drain delivers queued durable envelopes, downgrading individually on
// durable backend errors.
func (p *NATSPublisher) drain() {
	defer p.wg.Done()

	for env := range p.queue {
		data, err := json.Marshal(env)
		if err != nil {
			observePublish(env.Mode, "failed")
			p.log.Error(context.Background(), "envelope marshal failed",
				zap.String("subject", env.Subject), zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		_, err = p.js.Publish(env.Subject, data, nats.Context(ctx))
		cancel()

		if err != nil {
			observePublish(env.Mode, "downgraded")
			p.log.Warn(context.Background(), "durable publish downgraded to best-effort",
				zap.String("subject", env.Subject), zap.Error(err))
			p.publishCore(env.Subject, data, env.Mode)
			continue
		}

		observePublish(env.Mode, "delivered")
	}
}

// bestEffort performs a single core NATS delivery attempt.
func (p *NATSPublisher) bestEffort(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		observePublish(env.Mode, "failed")
		p.log.Error(context.Background(), "envelope marshal failed",
			zap.String("subject", env.Subject), zap.Error(err))
		return
	}
	p.publishCore(env.Subject, data, env.Mode)
}

func (p *NATSPublisher) publishCore(subject string, data []byte, mode DeliveryMode) {
	if err := p.nc.Publish(subject, data); err != nil {
		observePublish(mode, "failed")
		p.log.Warn(context.Background(), "best-effort publish failed",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	observePublish(mode, "delivered")
}

// Close stops accepting envelopes, drains the durable queue and waits for
// the worker. The underlying connection is owned by the caller and is not
// closed here.
func (p *NATSPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

var _ Publisher = (*NATSPublisher)(nil)
