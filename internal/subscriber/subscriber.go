// Package subscriber consumes submission.created events from a durable
// RabbitMQ queue and drives them into the analysis pipeline. The queue is
// durable and acks are manual, so events published while the consumer was
// down replay on reconnect, and a crash before ack causes redelivery rather
// than loss.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/genassista/edu-pipeline/internal/models"
	"github.com/genassista/edu-pipeline/internal/orchestrator"
	"github.com/genassista/edu-pipeline/internal/state"
	"github.com/genassista/edu-pipeline/internal/store"
)

type Config struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string

	// Prefetch bounds unacked deliveries on the channel; it defaults to
	// Workers so the broker never hands us more than we can run.
	Prefetch int
	// Workers bounds concurrent analyses across distinct submissions.
	Workers int

	// ReconnectBase/ReconnectMax shape the supervisory reconnect backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// ShutdownGrace is how long in-flight analyses may finish after ctx
	// cancellation before their messages are abandoned for redelivery.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "events"
	}
	if c.Queue == "" {
		c.Queue = "submission.created"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "submission.created"
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.Prefetch <= 0 {
		c.Prefetch = c.Workers
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	return c
}

// Analyzer is the slice of orchestrator behavior the subscriber needs.
type Analyzer interface {
	Analyze(ctx context.Context, submissionID string) (models.Submission, error)
}

type Subscriber struct {
	cfg   Config
	store store.Store
	orch  Analyzer
	locks *keyedMutex

	// dial is swapped out in tests.
	dial func(url string) (*amqp.Connection, error)
}

func New(cfg Config, st store.Store, orch Analyzer) *Subscriber {
	return &Subscriber{
		cfg:   cfg.withDefaults(),
		store: st,
		orch:  orch,
		locks: newKeyedMutex(),
		dial:  amqp.Dial,
	}
}

// Start runs the supervisory consume loop until ctx is cancelled. Connection
// failures retry indefinitely with capped exponential backoff and jitter;
// they never terminate the process.
func (s *Subscriber) Start(ctx context.Context) error {
	backoff := s.cfg.ReconnectBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, deliveries, err := s.connect()
		if err != nil {
			log.Printf("[subscriber] connect failed: %v (retrying in %s)", err, backoff)
			if serr := sleepCtx(ctx, jitter(backoff)); serr != nil {
				return serr
			}
			backoff *= 2
			if backoff > s.cfg.ReconnectMax {
				backoff = s.cfg.ReconnectMax
			}
			continue
		}
		backoff = s.cfg.ReconnectBase
		log.Printf("[subscriber] connected, queue=%s routing_key=%s workers=%d",
			s.cfg.Queue, s.cfg.RoutingKey, s.cfg.Workers)

		err = s.consume(ctx, deliveries)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[subscriber] consume loop ended: %v (reconnecting)", err)
	}
}

func (s *Subscriber) connect() (*amqp.Connection, <-chan amqp.Delivery, error) {
	conn, err := s.dial(s.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}
	if err := ch.ExchangeDeclare(s.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(s.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, s.cfg.RoutingKey, s.cfg.Exchange, false, nil); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("start consume: %w", err)
	}
	return conn, deliveries, nil
}

// consume fans deliveries out to the bounded worker pool. Backlog replay
// after reconnect flows through the same pool as live traffic, so a burst
// never exceeds the concurrency limit.
//
// Handlers run on a context detached from the shutdown signal: cancellation
// stops intake immediately, but analyses already in flight keep running until
// they finish or the grace period elapses.
func (s *Subscriber) consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	defer s.drain(&wg, cancelHandlers)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Not yet dispatched; leave unacked for redelivery.
				return ctx.Err()
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer func() {
					<-sem
					wg.Done()
				}()
				s.handle(handlerCtx, amqpDelivery{d: d})
			}(d)
		}
	}
}

// drain waits for in-flight handlers up to the configured grace period, then
// cancels them. Handlers cut off mid-flight nack and the broker redelivers;
// the state guard makes that safe.
func (s *Subscriber) drain(wg *sync.WaitGroup, cancelHandlers context.CancelFunc) {
	defer cancelHandlers()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		log.Printf("[subscriber] shutdown grace elapsed, cancelling in-flight handlers")
		cancelHandlers()
		<-done
	}
}

// delivery abstracts the acked message so handle is testable without a broker.
type delivery interface {
	Body() []byte
	Headers() amqp.Table
	Ack() error
	Nack(requeue bool) error
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (a amqpDelivery) Body() []byte            { return a.d.Body }
func (a amqpDelivery) Headers() amqp.Table     { return a.d.Headers }
func (a amqpDelivery) Ack() error              { return a.d.Ack(false) }
func (a amqpDelivery) Nack(requeue bool) error { return a.d.Nack(false, requeue) }

// handle processes one delivery end to end. The ack is withheld until the
// orchestrator has durably recorded a terminal outcome; anything recoverable
// nacks with requeue so the broker redelivers. Every discard (malformed body,
// unknown or already-processed submission) acks so poison messages cannot
// loop forever.
func (s *Subscriber) handle(ctx context.Context, d delivery) {
	ev, err := decodeEvent(d)
	if err != nil {
		log.Printf("[subscriber] discarding malformed event: %v", err)
		s.ack(d)
		return
	}
	if ev.SubmissionID == "" {
		log.Printf("[subscriber] discarding event %s without submission id", ev.EventID)
		s.ack(d)
		return
	}

	unlock := s.locks.Lock(ev.SubmissionID)
	defer unlock()

	sub, err := s.store.GetSubmission(ctx, ev.SubmissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The upload service writes the record before publishing; an
			// unknown id is a poison message, not a race.
			log.Printf("[subscriber] unknown submission %s (event %s), discarding", ev.SubmissionID, ev.EventID)
			s.ack(d)
			return
		}
		log.Printf("[subscriber] lookup %s failed: %v, requeueing", ev.SubmissionID, err)
		s.nack(d, true)
		return
	}
	if sub.State != state.Submitted && sub.State != state.AIAnalyzed {
		// Duplicate delivery; the first one already advanced the state past
		// anything the orchestrator could act on.
		log.Printf("[subscriber] submission %s already %s (event %s), discarding duplicate",
			ev.SubmissionID, sub.State, ev.EventID)
		s.ack(d)
		return
	}

	_, err = s.orch.Analyze(ctx, ev.SubmissionID)
	switch {
	case err == nil, errors.Is(err, orchestrator.ErrAlreadyProcessed):
		s.ack(d)
		log.Printf("[subscriber] processed submission %s event=%s correlation=%s",
			ev.SubmissionID, ev.EventID, ev.CorrelationID)
	case ctx.Err() != nil:
		// Shutdown: leave unacked, redelivery picks it up.
		s.nack(d, true)
	default:
		log.Printf("[subscriber] processing %s failed: %v, requeueing", ev.SubmissionID, err)
		s.nack(d, true)
	}
}

// decodeEvent parses the envelope body and lets the original publisher's
// headers override it (x-event-id / x-correlation-id).
func decodeEvent(d delivery) (models.InboundEvent, error) {
	var ev models.InboundEvent
	if err := json.Unmarshal(d.Body(), &ev); err != nil {
		return models.InboundEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	headers := d.Headers()
	if v, ok := headers["x-event-id"].(string); ok && v != "" {
		ev.EventID = v
	}
	if v, ok := headers["x-correlation-id"].(string); ok && v != "" {
		ev.CorrelationID = v
	}
	return ev, nil
}

func (s *Subscriber) ack(d delivery) {
	if err := d.Ack(); err != nil {
		log.Printf("[subscriber] ack failed: %v", err)
	}
}

func (s *Subscriber) nack(d delivery, requeue bool) {
	if err := d.Nack(requeue); err != nil {
		log.Printf("[subscriber] nack failed: %v", err)
	}
}

func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	return d + time.Duration(rand.Float64()*2*spread-spread)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
