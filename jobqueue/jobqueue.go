// Package jobqueue implements spec.md §4.2: durable, per-tenant named
// queues (webhook, sync, reconcile, alert) over RabbitMQ with attempt
// tracking and exponential backoff.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mkesani1/stockclerk-sub001/common/broker"
	"github.com/mkesani1/stockclerk-sub001/common/metrics"
)

// Job is one unit of work carried on a queue.
type Job struct {
	TenantID  string          `json:"tenant_id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Attempt   int             `json:"attempt"`
}

// Policy configures retry/removal behavior for one topic.
type Policy struct {
	MaxAttempts int
	Prefetch    int // 1 for reconcile (serial), higher for parallel topics
}

// DefaultPolicies mirrors spec.md §4.2: webhook gets 5 attempts, everything
// else gets 3; reconciliation is serial.
var DefaultPolicies = map[string]Policy{
	broker.WebhookTopic:   {MaxAttempts: 5, Prefetch: 4},
	broker.SyncTopic:      {MaxAttempts: 3, Prefetch: 4},
	broker.ReconcileTopic: {MaxAttempts: 3, Prefetch: 1},
	broker.AlertTopic:     {MaxAttempts: 3, Prefetch: 4},
}

// Queue wraps one tenant's slice of the shared RabbitMQ channel: its four
// named queues bound to the topic exchanges common/broker bootstraps.
type Queue struct {
	ch       *amqp.Channel
	tenantID string
	metrics  *metrics.JobMetrics
	logger   *slog.Logger
}

// New declares and binds the four per-tenant queues for tenantID, each
// dead-lettering to the shared broker.DLX with the topic as routing key, so
// failed jobs from every tenant land in that topic's shared DLQ (the job
// envelope still carries its TenantID). jobMetrics may
// be nil in tests; a live process shares one JobMetrics across every
// tenant's Queue since promauto registers it against the global registry.
func New(ch *amqp.Channel, tenantID string, jobMetrics *metrics.JobMetrics, logger *slog.Logger) (*Queue, error) {
	q := &Queue{ch: ch, tenantID: tenantID, metrics: jobMetrics, logger: logger}

	for _, topic := range []string{broker.WebhookTopic, broker.SyncTopic, broker.ReconcileTopic, broker.AlertTopic} {
		queueName := broker.QueueNameForTenant(topic, tenantID)
		_, err := ch.QueueDeclare(
			queueName,
			true,
			false,
			false,
			false,
			amqp.Table{
				"x-dead-letter-exchange":    broker.DLX,
				"x-dead-letter-routing-key": topic,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
		}

		if err := ch.QueueBind(queueName, queueName, topic, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind queue %s: %w", queueName, err)
		}
	}

	return q, nil
}

// Enqueue publishes a job onto topic's per-tenant queue.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := Job{TenantID: q.tenantID, Topic: topic, Payload: body, CreatedAt: time.Now(), Attempt: 0}
	jobBody, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job envelope: %w", err)
	}

	queueName := broker.QueueNameForTenant(topic, q.tenantID)
	headers := broker.InjectTraceContext(ctx)

	return q.ch.PublishWithContext(
		ctx,
		topic,
		queueName,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      headers,
			Body:         jobBody,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// Handler processes one job. Returning an error triggers a retry (subject
// to the topic's Policy) or, once exhausted, a dead-letter.
type Handler func(ctx context.Context, job Job) error

// Consume starts consuming topic's per-tenant queue with the policy's
// prefetch count, dispatching each delivery to handler and acking/nacking
// based on its result.
func (q *Queue) Consume(ctx context.Context, topic string, handler Handler) error {
	policy, ok := DefaultPolicies[topic]
	if !ok {
		return fmt.Errorf("unknown topic %s", topic)
	}

	if err := q.ch.Qos(policy.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS for %s: %w", topic, err)
	}

	queueName := broker.QueueNameForTenant(topic, q.tenantID)
	deliveries, err := q.ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", queueName, err)
	}

	go func() {
		for d := range deliveries {
			q.handleDelivery(ctx, topic, policy, handler, d)
		}
	}()

	return nil
}

func (q *Queue) handleDelivery(ctx context.Context, topic string, policy Policy, handler Handler, d amqp.Delivery) {
	dctx := broker.ExtractTraceContext(ctx, d.Headers)

	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.logf("invalid job envelope on %s, dropping", topic)
		d.Nack(false, false)
		return
	}

	start := time.Now()
	err := handler(dctx, job)
	q.recordJob(topic, start, err == nil)
	if err == nil {
		d.Ack(false)
		return
	}

	job.Attempt++
	if job.Attempt >= policy.MaxAttempts {
		q.logf("job on %s exhausted %d attempts, dead-lettering", topic, policy.MaxAttempts)
		if q.metrics != nil {
			q.metrics.DeadLettered.WithLabelValues(topic).Inc()
		}
		d.Nack(false, false)
		return
	}

	q.republishWithBackoff(dctx, topic, job, d)
}

func (q *Queue) recordJob(topic string, start time.Time, success bool) {
	if q.metrics == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	q.metrics.RecordJob(topic, outcome, time.Since(start))
}

// republishWithBackoff schedules a redelivery using an exponential backoff
// (base 1-2s, per spec.md §4.2) instead of RabbitMQ's native delayed
// exchange plugin, which is not guaranteed present in every deployment.
func (q *Queue) republishWithBackoff(ctx context.Context, topic string, job Job, original amqp.Delivery) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second

	// Advance the schedule once per failed attempt so the delay doubles with
	// each retry of the same job (1s, 2s, 4s, ... capped at 30s).
	var result time.Duration
	for i := 0; i < job.Attempt; i++ {
		next, err := bo.NextBackOff()
		if err != nil {
			q.logf("backoff exhausted for %s, dead-lettering", topic)
			original.Nack(false, false)
			return
		}
		result = next
	}

	time.AfterFunc(result, func() {
		body, err := json.Marshal(job)
		if err != nil {
			q.logf("failed to marshal retried job on %s: %v", topic, err)
			return
		}

		queueName := broker.QueueNameForTenant(topic, q.tenantID)
		pubErr := q.ch.PublishWithContext(
			context.Background(),
			topic,
			queueName,
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				Headers:      broker.InjectTraceContext(ctx),
				Body:         body,
				DeliveryMode: amqp.Persistent,
			},
		)
		if pubErr != nil {
			q.logf("failed to republish job on %s: %v", topic, pubErr)
		}
	})

	original.Ack(false)
}

func (q *Queue) logf(format string, args ...any) {
	if q.logger != nil {
		q.logger.Warn(fmt.Sprintf(format, args...))
	}
}
