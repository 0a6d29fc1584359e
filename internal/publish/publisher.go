// Package publish implements the hybrid candle publisher: a fast framed
// unix-socket channel to the persistence process with a durable on-disk
// queue as fallback. Delivery is at-least-once; the writer's natural-key
// idempotence absorbs the duplicates.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"flowtrace/internal/ipc"
	"flowtrace/internal/model"
)

var errNotConnected = errors.New("publish: fast channel not connected")

const (
	defaultWriteTimeout = 100 * time.Millisecond
	backoffInitial      = 1 * time.Second
	backoffCap          = 30 * time.Second
	backoffMaxAttempts  = 10
)

// Options tunes the publisher.
type Options struct {
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

// Publisher sends envelopes over the fast socket channel, falling back to
// the durable queue whenever the socket is down or a write fails.
type Publisher struct {
	socketPath string
	queue      model.DurableQueue

	writeTimeout time.Duration
	dialTimeout  time.Duration

	mu        sync.Mutex
	conn      net.Conn
	connected bool

	wake chan struct{} // nudges the reconnect loop

	// OnStateChange observes fast-channel up/down transitions.
	OnStateChange func(connected bool)
	// OnFastSend / OnFallback count deliveries per channel, for metrics.
	OnFastSend func()
	OnFallback func()
}

// New creates a publisher over the given socket path and durable queue.
func New(socketPath string, q model.DurableQueue, opts Options) *Publisher {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = time.Second
	}
	return &Publisher{
		socketPath:   socketPath,
		queue:        q,
		writeTimeout: opts.WriteTimeout,
		dialTimeout:  opts.DialTimeout,
		wake:         make(chan struct{}, 1),
	}
}

// Connected reports the fast-channel state.
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Run maintains the fast-channel connection until ctx is cancelled.
// Reconnect backoff starts at 1s and doubles to a 30s cap; after 10
// attempts it keeps trying at the cap indefinitely. A successful connect
// resets the counter.
func (p *Publisher) Run(ctx context.Context) {
	attempts := 0
	for {
		if p.Connected() {
			select {
			case <-ctx.Done():
				p.closeConn()
				return
			case <-p.wake:
				continue
			}
		}

		if err := p.connect(); err != nil {
			attempts++
			delay := backoffDelay(attempts)
			log.Printf("[publisher] connect %s failed (attempt %d, next in %v): %v",
				p.socketPath, attempts, delay, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempts = 0
		log.Printf("[publisher] fast channel up (%s)", p.socketPath)
	}
}

// backoffDelay returns the delay before the given (1-based) attempt's retry.
func backoffDelay(attempts int) time.Duration {
	if attempts >= backoffMaxAttempts {
		return backoffCap
	}
	d := backoffInitial << (attempts - 1)
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// PublishCandle sends a completed candle.
func (p *Publisher) PublishCandle(c *model.Candle) error {
	env, err := model.NewEnvelope(model.MsgCandleComplete, c)
	if err != nil {
		return err
	}
	return p.publish(env)
}

// PublishState sends one CandleGroup snapshot.
func (p *Publisher) PublishState(item model.SnapshotItem) error {
	env, err := model.NewEnvelope(model.MsgState, model.StatePayload{
		Action:   model.StateSave,
		Snapshot: &item,
	})
	if err != nil {
		return err
	}
	return p.publish(env)
}

// PublishGap sends a gap payload.
func (p *Publisher) PublishGap(payload model.GapPayload) error {
	env, err := model.NewEnvelope(model.MsgGap, payload)
	if err != nil {
		return err
	}
	return p.publish(env)
}

// PublishMetrics sends telemetry over the same channels; failures are
// logged, never propagated, and never fall back to the durable queue.
func (p *Publisher) PublishMetrics(payload any) {
	env, err := model.NewEnvelope(model.MsgMetrics, payload)
	if err != nil {
		log.Printf("[publisher] metrics marshal: %v", err)
		return
	}
	if err := p.sendFast(env); err != nil {
		log.Printf("[publisher] metrics send: %v", err)
	}
}

// publish tries the fast channel once, then falls through to the durable
// queue. A queue failure loses this emission; the snapshot timer
// re-asserts the state later.
func (p *Publisher) publish(env model.Envelope) error {
	if err := p.sendFast(env); err == nil {
		if p.OnFastSend != nil {
			p.OnFastSend()
		}
		return nil
	}

	body, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	if err := p.queue.Enqueue(env.Type, body); err != nil {
		log.Printf("[publisher] durable enqueue %s (id=%s): %v", env.Type, env.ID, err)
		return err
	}
	if p.OnFallback != nil {
		p.OnFallback()
	}
	return nil
}

// sendFast writes one frame within the write timeout.
func (p *Publisher) sendFast(env model.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected || p.conn == nil {
		return errNotConnected
	}
	p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	if err := ipc.WriteEnvelope(p.conn, env); err != nil {
		p.markDownLocked(err)
		return err
	}
	p.conn.SetWriteDeadline(time.Time{})
	return nil
}

func (p *Publisher) connect() error {
	conn, err := net.DialTimeout("unix", p.socketPath, p.dialTimeout)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.mu.Unlock()
	if p.OnStateChange != nil {
		p.OnStateChange(true)
	}
	return nil
}

func (p *Publisher) markDownLocked(cause error) {
	if !p.connected {
		return
	}
	p.connected = false
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	log.Printf("[publisher] fast channel down: %v", cause)
	if p.OnStateChange != nil {
		// Callback outside the hot path would be nicer, but state changes
		// are rare and the callback only bumps a gauge.
		go p.OnStateChange(false)
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// marshalEnvelope serializes the whole envelope so the queue poller can
// replay it through the same dispatch path as a live frame.
func marshalEnvelope(env model.Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("publish: marshal envelope: %w", err)
	}
	return body, nil
}

func (p *Publisher) closeConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.connected = false
}
